//go:build linux

package kvm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func openTestVm(t testing.TB) (hv.Hypervisor, hv.Vm) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	vm, err := h.CreateVm()
	if err != nil {
		t.Fatalf("Create VM: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return h, vm
}

// guestRam mmaps page-aligned anonymous memory for use as a guest region.
func guestRam(t testing.TB, size int) []byte {
	t.Helper()

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap guest memory: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })

	return mem
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if h.Backend() != hv.BackendKVM {
		t.Errorf("Backend() = %v, want %v", h.Backend(), hv.BackendKVM)
	}

	caps := h.Capabilities()
	if caps.MaxVcpus <= 0 {
		t.Errorf("MaxVcpus = %d, want > 0", caps.MaxVcpus)
	}
	if caps.MaxMemslots <= 0 {
		t.Errorf("MaxMemslots = %d, want > 0", caps.MaxMemslots)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestCreateVm(t *testing.T) {
	checkKVMAvailable(t)

	h, vm := openTestVm(t)

	if vm.Hypervisor() != h {
		t.Error("Hypervisor() does not return the creating handle")
	}
	if vm.State() != hv.VmStateCreated {
		t.Errorf("State() = %v, want %v", vm.State(), hv.VmStateCreated)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close VM: %v", err)
	}
	if vm.State() != hv.VmStateDestroyed {
		t.Errorf("State() after Close = %v, want %v", vm.State(), hv.VmStateDestroyed)
	}

	// Close is idempotent.
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMemoryRegionLifecycle(t *testing.T) {
	checkKVMAvailable(t)

	_, vm := openTestVm(t)

	mem := guestRam(t, 0x10000)
	region := hv.UserMemoryRegion{
		GuestPhysAddr: 0x100000,
		Size:          uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := vm.SetUserMemoryRegion(region); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	regions := vm.MemoryRegions()
	if len(regions) != 1 || regions[0] != region {
		t.Fatalf("MemoryRegions() = %v, want [%v]", regions, region)
	}

	// Overlapping registration is rejected before reaching the kernel.
	overlap := region
	overlap.GuestPhysAddr += 0x1000
	if err := vm.SetUserMemoryRegion(overlap); !errors.Is(err, hv.ErrRegionOverlap) {
		t.Fatalf("SetUserMemoryRegion(overlap) = %v, want ErrRegionOverlap", err)
	}

	if err := vm.RemoveUserMemoryRegion(region); err != nil {
		t.Fatalf("RemoveUserMemoryRegion: %v", err)
	}
	if err := vm.RemoveUserMemoryRegion(region); !errors.Is(err, hv.ErrRegionNotFound) {
		t.Fatalf("second RemoveUserMemoryRegion = %v, want ErrRegionNotFound", err)
	}
	if got := vm.MemoryRegions(); len(got) != 0 {
		t.Fatalf("MemoryRegions() after remove = %v, want empty", got)
	}
}

func TestCreateVcpuIndexChecks(t *testing.T) {
	checkKVMAvailable(t)

	h, vm := openTestVm(t)

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu(0): %v", err)
	}
	defer vcpu.Close()

	if vcpu.Index() != 0 {
		t.Errorf("Index() = %d, want 0", vcpu.Index())
	}
	if vcpu.Vm() != vm {
		t.Error("Vm() does not return the creating VM")
	}

	if _, err := vm.CreateVcpu(0); !errors.Is(err, hv.ErrVcpuIndexInUse) {
		t.Fatalf("duplicate CreateVcpu(0) = %v, want ErrVcpuIndexInUse", err)
	}
	if _, err := vm.CreateVcpu(-1); !errors.Is(err, hv.ErrVcpuOverCapacity) {
		t.Fatalf("CreateVcpu(-1) = %v, want ErrVcpuOverCapacity", err)
	}
	if _, err := vm.CreateVcpu(h.Capabilities().MaxVcpus); !errors.Is(err, hv.ErrVcpuOverCapacity) {
		t.Fatalf("CreateVcpu(max) = %v, want ErrVcpuOverCapacity", err)
	}
}

func TestIoEventFd(t *testing.T) {
	checkKVMAvailable(t)

	h, vm := openTestVm(t)
	if !h.Capabilities().IoEventFd {
		t.Skip("KVM_CAP_IOEVENTFD not available")
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)

	addr := hv.IoEventAddress{Kind: hv.IoEventMmio, Addr: 0xfe000000}
	match := hv.DataMatch{Value: 0x42, Length: 4}

	if err := vm.RegisterIoEvent(addr, match, efd); err != nil {
		t.Fatalf("RegisterIoEvent: %v", err)
	}
	if err := vm.UnregisterIoEvent(addr, match, efd); err != nil {
		t.Fatalf("UnregisterIoEvent: %v", err)
	}
}

func TestSetIrqRoutingValidation(t *testing.T) {
	checkKVMAvailable(t)

	_, vm := openTestVm(t)

	err := vm.SetIrqRouting([]hv.IrqRoutingEntry{
		{Gsi: 4, Config: hv.LegacyIrqSourceConfig{IrqChip: 0, Pin: 4}},
		{Gsi: 4, Config: hv.MsiIrqSourceConfig{Data: 0x20}},
	})
	var entryErr *hv.RoutingEntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("SetIrqRouting(duplicate gsi) = %v, want RoutingEntryError", err)
	}

	// A rejected table leaves the installed table untouched.
	if got := vm.IrqRouting(); len(got) != 0 {
		t.Fatalf("IrqRouting() after rejected table = %v, want empty", got)
	}
}

func TestClosedVmRejectsOperations(t *testing.T) {
	checkKVMAvailable(t)

	_, vm := openTestVm(t)
	if err := vm.Close(); err != nil {
		t.Fatalf("Close VM: %v", err)
	}

	if _, err := vm.CreateVcpu(0); !errors.Is(err, hv.ErrVmDestroyed) {
		t.Errorf("CreateVcpu = %v, want ErrVmDestroyed", err)
	}
	if err := vm.SetUserMemoryRegion(hv.UserMemoryRegion{Size: 0x1000}); !errors.Is(err, hv.ErrVmDestroyed) {
		t.Errorf("SetUserMemoryRegion = %v, want ErrVmDestroyed", err)
	}
	if err := vm.Pause(); !errors.Is(err, hv.ErrVmDestroyed) {
		t.Errorf("Pause = %v, want ErrVmDestroyed", err)
	}
	if err := vm.SetIrqLine(4, true); !errors.Is(err, hv.ErrVmDestroyed) {
		t.Errorf("SetIrqLine = %v, want ErrVmDestroyed", err)
	}
	if _, err := vm.Save(); !errors.Is(err, hv.ErrVmDestroyed) {
		t.Errorf("Save = %v, want ErrVmDestroyed", err)
	}
}

func TestEncodeRoutingEntryMsiDevid(t *testing.T) {
	entry, err := encodeRoutingEntry(hv.IrqRoutingEntry{
		Gsi:    24,
		Config: hv.MsiIrqSourceConfig{AddressLo: 0xfee00000, Data: 0x20, DeviceId: 7},
	})
	if err != nil {
		t.Fatalf("encodeRoutingEntry: %v", err)
	}
	if entry.Flags != kvmMsiValidDevid {
		t.Errorf("Flags = %#x, want %#x", entry.Flags, kvmMsiValidDevid)
	}
	msi := (*kvmIrqRoutingMsi)(unsafe.Pointer(&entry.U[0]))
	if msi.Devid != 7 {
		t.Errorf("Devid = %d, want 7", msi.Devid)
	}

	// Without a device id the flag must stay clear; older kernels reject
	// flagged entries.
	entry, err = encodeRoutingEntry(hv.IrqRoutingEntry{
		Gsi:    24,
		Config: hv.MsiIrqSourceConfig{AddressLo: 0xfee00000, Data: 0x20},
	})
	if err != nil {
		t.Fatalf("encodeRoutingEntry: %v", err)
	}
	if entry.Flags != 0 {
		t.Errorf("Flags = %#x, want 0", entry.Flags)
	}
}

func BenchmarkOpen(b *testing.B) {
	checkKVMAvailable(b)

	for i := 0; i < b.N; i++ {
		h, err := Open()
		if err != nil {
			b.Fatalf("Open KVM hypervisor: %v", err)
		}
		if err := h.Close(); err != nil {
			b.Fatalf("Close KVM hypervisor: %v", err)
		}
	}
}

func BenchmarkCreateVm(b *testing.B) {
	checkKVMAvailable(b)

	h, err := Open()
	if err != nil {
		b.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer h.Close()

	for i := 0; i < b.N; i++ {
		vm, err := h.CreateVm()
		if err != nil {
			b.Fatalf("Create VM: %v", err)
		}
		if err := vm.Close(); err != nil {
			b.Fatalf("Close VM: %v", err)
		}
	}
}
