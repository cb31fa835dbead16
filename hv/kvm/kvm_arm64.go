//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
)

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

func archIrqChips() []hv.IrqChipModel {
	return []hv.IrqChipModel{hv.IrqChipGICv3, hv.IrqChipGICv2}
}

// archVmType passes the host's supported IPA size as the VM type. Some
// hosts (Apple silicon under Linux) refuse VM creation without it.
func archVmType(systemFd int) uintptr {
	ipaSize, err := checkExtension(systemFd, kvmCapArmVmIpaSize)
	if err != nil {
		return 0
	}
	return uintptr(ipaSize)
}

// No fixed VM setup on arm64: the interrupt controller is an explicit
// device created through CreateDevice, because its model and addresses
// belong to the monitor's memory map.
func archVmInit(vm *virtualMachine) error { return nil }

func archVcpuInit(vm *virtualMachine, vcpu *virtualCPU) error {
	init, err := armPreferredTarget(vm.fd)
	if err != nil {
		return &hv.VcpuError{Index: vcpu.index, Op: "get preferred target", Err: err}
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)

	if err := armVcpuInit(vcpu.fd, &init); err != nil {
		return &hv.VcpuError{Index: vcpu.index, Op: "init", Err: err}
	}

	return nil
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= kvmArmVcpuInitFeatureWords {
		return
	}

	init.Features[word] |= 1 << bit
}

func archDeviceType(kind hv.DeviceKind) (uint32, bool) {
	switch kind {
	case hv.DeviceVfio:
		return kvmDevTypeVfio, true
	case hv.DeviceArmVgicV2:
		return kvmDevTypeArmVgicV2, true
	case hv.DeviceArmVgicV3:
		return kvmDevTypeArmVgicV3, true
	default:
		return 0, false
	}
}

// One-reg encodings from the arm64 KVM ABI.
const (
	kvmRegArm64         uint64 = 0x6000000000000000
	kvmRegSizeU64       uint64 = 0x0030000000000000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Mask  uint64 = 0x000000000000c000
	kvmRegArm64SysRegOp0Shift        = 14
	kvmRegArm64SysRegOp1Mask  uint64 = 0x0000000000003800
	kvmRegArm64SysRegOp1Shift        = 11
	kvmRegArm64SysRegCrnMask  uint64 = 0x0000000000000780
	kvmRegArm64SysRegCrnShift        = 7
	kvmRegArm64SysRegCrmMask  uint64 = 0x0000000000000078
	kvmRegArm64SysRegCrmShift        = 3
	kvmRegArm64SysRegOp2Mask  uint64 = 0x0000000000000007
	kvmRegArm64SysRegOp2Shift        = 0
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask)
}

func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

// arm64CoreRegisterIDs maps the registers every kernel exposes: X0..X30,
// SP, PC and PSTATE at their kvm_regs core offsets.
var arm64CoreRegisterIDs = func() map[hv.Register]uint64 {
	regs := make(map[hv.Register]uint64, 34)

	for i := 0; i <= 30; i++ {
		reg := hv.Register(uint64(hv.RegisterARM64X0) + uint64(i))
		regs[reg] = arm64CoreRegister(uintptr(i * 8))
	}

	regs[hv.RegisterARM64Sp] = arm64CoreRegister(uintptr(31 * 8))
	regs[hv.RegisterARM64Pc] = arm64CoreRegister(uintptr(32 * 8))
	regs[hv.RegisterARM64Pstate] = arm64CoreRegister(uintptr(33 * 8))

	return regs
}()

// arm64SysRegisterIDs maps the EL1 system registers: arm64SysReg(op0, op1,
// crn, crm, op2). Some kernels hide a subset of these, so state capture
// treats them as optional.
var arm64SysRegisterIDs = map[hv.Register]uint64{
	hv.RegisterARM64Vbar:          arm64SysReg(3, 0, 12, 0, 0),
	hv.RegisterARM64SctlrEl1:      arm64SysReg(3, 0, 1, 0, 0),
	hv.RegisterARM64TcrEl1:        arm64SysReg(3, 0, 2, 0, 2),
	hv.RegisterARM64Ttbr0El1:      arm64SysReg(3, 0, 2, 0, 0),
	hv.RegisterARM64Ttbr1El1:      arm64SysReg(3, 0, 2, 0, 1),
	hv.RegisterARM64MairEl1:       arm64SysReg(3, 0, 10, 2, 0),
	hv.RegisterARM64ElrEl1:        arm64SysReg(3, 0, 4, 0, 1),
	hv.RegisterARM64SpsrEl1:       arm64SysReg(3, 0, 4, 0, 0),
	hv.RegisterARM64EsrEl1:        arm64SysReg(3, 0, 5, 2, 0),
	hv.RegisterARM64FarEl1:        arm64SysReg(3, 0, 6, 0, 0),
	hv.RegisterARM64SpEl0:         arm64SysReg(3, 0, 4, 1, 0),
	hv.RegisterARM64SpEl1:         arm64SysReg(3, 4, 4, 1, 0),
	hv.RegisterARM64CntkctlEl1:    arm64SysReg(3, 0, 14, 1, 0),
	hv.RegisterARM64CntvCtlEl0:    arm64SysReg(3, 3, 14, 3, 1),
	hv.RegisterARM64CntvCvalEl0:   arm64SysReg(3, 3, 14, 3, 2),
	hv.RegisterARM64CpacrEl1:      arm64SysReg(3, 0, 1, 0, 2),
	hv.RegisterARM64ContextidrEl1: arm64SysReg(3, 0, 13, 0, 1),
	hv.RegisterARM64TpidrEl0:      arm64SysReg(3, 3, 13, 0, 2),
	hv.RegisterARM64TpidrEl1:      arm64SysReg(3, 0, 13, 0, 4),
	hv.RegisterARM64TpidrroEl0:    arm64SysReg(3, 3, 13, 0, 3),
	hv.RegisterARM64ParEl1:        arm64SysReg(3, 0, 7, 4, 0),
	hv.RegisterARM64Afsr0El1:      arm64SysReg(3, 0, 5, 1, 0),
	hv.RegisterARM64Afsr1El1:      arm64SysReg(3, 0, 5, 1, 1),
	hv.RegisterARM64AmairEl1:      arm64SysReg(3, 0, 10, 3, 0),
}

var arm64RegisterIDs = func() map[hv.Register]uint64 {
	regs := make(map[hv.Register]uint64, len(arm64CoreRegisterIDs)+len(arm64SysRegisterIDs))
	for k, v := range arm64CoreRegisterIDs {
		regs[k] = v
	}
	for k, v := range arm64SysRegisterIDs {
		regs[k] = v
	}
	return regs
}()

func archSetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		id, ok := arm64RegisterIDs[reg]
		if !ok {
			return &hv.VcpuError{
				Index: v.index,
				Op:    "set registers",
				Err:   fmt.Errorf("unsupported register %d for architecture arm64", reg),
			}
		}

		raw, ok := value.(hv.Register64)
		if !ok {
			return &hv.VcpuError{
				Index: v.index,
				Op:    "set registers",
				Err:   fmt.Errorf("register %d needs a Register64 value, got %T", reg, value),
			}
		}

		val := uint64(raw)
		if err := setOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "set registers", Err: err}
		}
	}

	return nil
}

func archGetRegisters(v *virtualCPU, regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		id, ok := arm64RegisterIDs[reg]
		if !ok {
			return &hv.VcpuError{
				Index: v.index,
				Op:    "get registers",
				Err:   fmt.Errorf("unsupported register %d for architecture arm64", reg),
			}
		}

		var val uint64
		if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "get registers", Err: err}
		}

		regs[reg] = hv.Register64(val)
	}

	return nil
}

// The arm64 KVM has no guest clock ioctl; the virtual counter travels with
// the per-vCPU CNTV registers instead.
func archCaptureClock(vm *virtualMachine) (*hv.ClockData, error) { return nil, nil }

func archRestoreClock(vm *virtualMachine, clock *hv.ClockData) error {
	return &hv.VmError{Op: "set clock", Err: hv.ErrStateMismatch}
}
