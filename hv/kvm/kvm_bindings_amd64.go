//go:build linux && amd64

package kvm

import (
	"runtime"
	"unsafe"

	"github.com/tinyrange/hvlib/internal/flex"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetFpu), uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}
	return fpu, nil
}

func setFPU(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetFpu), uintptr(unsafe.Pointer(fpu)))
	return err
}

func getXcrs(vcpuFd int) (kvmXcrs, error) {
	var xcrs kvmXcrs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetXcrs), uintptr(unsafe.Pointer(&xcrs))); err != nil {
		return kvmXcrs{}, err
	}
	return xcrs, nil
}

func setXcrs(vcpuFd int, xcrs *kvmXcrs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetXcrs), uintptr(unsafe.Pointer(xcrs)))
	return err
}

func getLapic(vcpuFd int) (*kvmLapicState, error) {
	lapic := &kvmLapicState{}
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetLapic), uintptr(unsafe.Pointer(lapic))); err != nil {
		return nil, err
	}
	return lapic, nil
}

func setLapic(vcpuFd int, lapic *kvmLapicState) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetLapic), uintptr(unsafe.Pointer(lapic)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

func createPIT(vmFd int) error {
	var cfg kvmPitConfig
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&cfg)))
	return err
}

func getSupportedCpuId(hvFd int) (*flex.Record[kvmCPUID2Header, kvmCPUIDEntry2], error) {
	cpuid := flex.New[kvmCPUID2Header, kvmCPUIDEntry2](255)
	cpuid.Header().Nr = uint32(cpuid.Count())

	_, err := ioctlWithRetry(uintptr(hvFd), uint64(kvmGetSupportedCpuid), uintptr(cpuid.Pointer()))
	runtime.KeepAlive(cpuid)
	if err != nil {
		return nil, err
	}
	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuid *flex.Record[kvmCPUID2Header, kvmCPUIDEntry2]) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(cpuid.Pointer()))
	runtime.KeepAlive(cpuid)
	return err
}

// getMsrIndexList queries the MSR indices the kernel can transfer. The
// first call reports the required count through the header.
func getMsrIndexList(hvFd int) ([]uint32, error) {
	probe := flex.New[kvmMsrListHeader, uint32](0)
	if _, err := ioctlWithRetry(uintptr(hvFd), uint64(kvmGetMsrIndexList), uintptr(probe.Pointer())); err != nil {
		// E2BIG reports the count; anything else is a real failure.
		if probe.Header().Nmsrs == 0 {
			return nil, err
		}
	}
	runtime.KeepAlive(probe)

	count := int(probe.Header().Nmsrs)
	list := flex.New[kvmMsrListHeader, uint32](count)
	list.Header().Nmsrs = uint32(count)

	_, err := ioctlWithRetry(uintptr(hvFd), uint64(kvmGetMsrIndexList), uintptr(list.Pointer()))
	runtime.KeepAlive(list)
	if err != nil {
		return nil, err
	}

	out := make([]uint32, list.Header().Nmsrs)
	copy(out, list.Elements())
	return out, nil
}

func getMsrs(vcpuFd int, indices []uint32) ([]kvmMsrEntry, error) {
	msrs := flex.New[kvmMsrsHeader, kvmMsrEntry](len(indices))
	msrs.Header().Nmsrs = uint32(len(indices))
	for i, index := range indices {
		msrs.Elements()[i].Index = index
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetMsrs), uintptr(msrs.Pointer()))
	runtime.KeepAlive(msrs)
	if err != nil {
		return nil, err
	}

	out := make([]kvmMsrEntry, len(indices))
	copy(out, msrs.Elements())
	return out, nil
}

func setMsrs(vcpuFd int, entries []kvmMsrEntry) error {
	msrs := flex.New[kvmMsrsHeader, kvmMsrEntry](len(entries))
	msrs.Header().Nmsrs = uint32(len(entries))
	copy(msrs.Elements(), entries)

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetMsrs), uintptr(msrs.Pointer()))
	runtime.KeepAlive(msrs)
	return err
}
