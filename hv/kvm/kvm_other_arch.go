//go:build linux && !amd64 && !arm64

package kvm

import "github.com/tinyrange/hvlib/hv"

// Stubs for architectures this layer does not model. Opening the device
// still works so callers get a precise error from the operation they
// actually attempt.

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}

func archIrqChips() []hv.IrqChipModel { return nil }

func archVmType(systemFd int) uintptr { return 0 }

func archVmInit(vm *virtualMachine) error { return nil }

func archVcpuInit(vm *virtualMachine, vcpu *virtualCPU) error { return nil }

func archDeviceType(kind hv.DeviceKind) (uint32, bool) { return 0, false }

func archSetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	return &hv.VcpuError{Index: v.index, Op: "set registers", Err: hv.ErrHypervisorUnsupported}
}

func archGetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	return &hv.VcpuError{Index: v.index, Op: "get registers", Err: hv.ErrHypervisorUnsupported}
}

func archCaptureVcpuState(v *virtualCPU) ([]byte, error) {
	return nil, &hv.VcpuError{Index: v.index, Op: "get state", Err: hv.ErrHypervisorUnsupported}
}

func archRestoreVcpuState(v *virtualCPU, data []byte) error {
	return &hv.VcpuError{Index: v.index, Op: "set state", Err: hv.ErrHypervisorUnsupported}
}

func archCaptureClock(vm *virtualMachine) (*hv.ClockData, error) { return nil, nil }

func archRestoreClock(vm *virtualMachine, clock *hv.ClockData) error {
	return &hv.VmError{Op: "set clock", Err: hv.ErrHypervisorUnsupported}
}

func archCaptureGic(vm *virtualMachine) (*hv.GicState, error) { return nil, nil }

func archRestoreGic(vm *virtualMachine, gic *hv.GicState) error {
	return &hv.VmError{Op: "restore gic", Err: hv.ErrHypervisorUnsupported}
}
