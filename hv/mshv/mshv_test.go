//go:build linux && amd64

package mshv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

func checkMSHVAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("MSHV not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close MSHV hypervisor: %v", err)
	}
}

func openTestVm(t testing.TB) (hv.Hypervisor, hv.Vm) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Fatalf("Open MSHV hypervisor: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	vm, err := h.CreateVm()
	if err != nil {
		t.Fatalf("Create partition: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return h, vm
}

func TestOpen(t *testing.T) {
	checkMSHVAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open MSHV hypervisor: %v", err)
	}
	defer h.Close()

	if h.Backend() != hv.BackendMSHV {
		t.Errorf("Backend() = %v, want %v", h.Backend(), hv.BackendMSHV)
	}
	if h.Architecture() != hv.ArchitectureX86_64 {
		t.Errorf("Architecture() = %v, want %v", h.Architecture(), hv.ArchitectureX86_64)
	}
	if h.Capabilities().DirtyLogging {
		t.Error("DirtyLogging reported true; this backend has no dirty log")
	}
}

func TestCreateVm(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	if vm.State() != hv.VmStateCreated {
		t.Errorf("State() = %v, want %v", vm.State(), hv.VmStateCreated)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Close partition: %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMemoryRegionLifecycle(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	mem, err := unix.Mmap(-1, 0, 0x10000,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap guest memory: %v", err)
	}
	defer unix.Munmap(mem)

	region := hv.UserMemoryRegion{
		GuestPhysAddr: 0x100000,
		Size:          uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := vm.SetUserMemoryRegion(region); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	overlap := region
	overlap.GuestPhysAddr += 0x1000
	if err := vm.SetUserMemoryRegion(overlap); !errors.Is(err, hv.ErrRegionOverlap) {
		t.Fatalf("SetUserMemoryRegion(overlap) = %v, want ErrRegionOverlap", err)
	}

	if err := vm.RemoveUserMemoryRegion(region); err != nil {
		t.Fatalf("RemoveUserMemoryRegion: %v", err)
	}
}

func TestCreateDeviceUnsupported(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	_, err := vm.CreateDevice(hv.CreateDevice{Kind: hv.DeviceVfio})
	if !errors.Is(err, hv.ErrDeviceKindUnsupported) {
		t.Fatalf("CreateDevice = %v, want ErrDeviceKindUnsupported", err)
	}
}

func TestSetIrqRoutingLegacyRejected(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	err := vm.SetIrqRouting([]hv.IrqRoutingEntry{
		{Gsi: 0, Config: hv.LegacyIrqSourceConfig{IrqChip: 0, Pin: 0}},
	})
	var entryErr *hv.RoutingEntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("SetIrqRouting(legacy) = %v, want RoutingEntryError", err)
	}
	if !errors.Is(err, hv.ErrRoutingUnsupported) {
		t.Fatalf("SetIrqRouting(legacy) = %v, want ErrRoutingUnsupported", err)
	}
	if got := vm.IrqRouting(); len(got) != 0 {
		t.Fatalf("IrqRouting() after rejected table = %v, want empty", got)
	}
}

func TestSetIrqRoutingMsi(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	err := vm.SetIrqRouting([]hv.IrqRoutingEntry{
		{Gsi: 24, Config: hv.MsiIrqSourceConfig{AddressLo: 0xfee00000, Data: 0x20}},
	})
	if err != nil {
		t.Fatalf("SetIrqRouting: %v", err)
	}
	if got := vm.IrqRouting(); len(got) != 1 {
		t.Fatalf("IrqRouting() = %d entries, want 1", len(got))
	}
}

func TestSetIrqLineUnsupported(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	if err := vm.SetIrqLine(4, true); !errors.Is(err, unix.EOPNOTSUPP) {
		t.Fatalf("SetIrqLine = %v, want %v", err, unix.EOPNOTSUPP)
	}
}

func TestVcpuRegisterRoundTrip(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	defer vcpu.Close()

	want := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0x1122334455667788),
		hv.RegisterAMD64Rip: hv.Register64(0x1000),
		hv.RegisterAMD64Cs: hv.SegmentValue{
			Limit: 0xffff, Type: 0xb, Present: 1, S: 1,
		},
		hv.RegisterAMD64Gdt: hv.TableValue{Base: 0x2000, Limit: 0x7f},
	}
	if err := vcpu.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	got := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: nil,
		hv.RegisterAMD64Rip: nil,
		hv.RegisterAMD64Cs:  nil,
		hv.RegisterAMD64Gdt: nil,
	}
	if err := vcpu.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	for reg, value := range want {
		if got[reg] != value {
			t.Errorf("register %d = %v, want %v", reg, got[reg], value)
		}
	}
}

func TestVcpuStateRoundTrip(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	defer vcpu.Close()

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0xabcd),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	state, err := vcpu.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Backend != hv.BackendMSHV {
		t.Fatalf("state backend = %v, want %v", state.Backend, hv.BackendMSHV)
	}

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0),
	})
	if err != nil {
		t.Fatalf("clobber rbx: %v", err)
	}

	if err := vcpu.SetState(state); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	got := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rbx: nil}
	if err := vcpu.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if got[hv.RegisterAMD64Rbx] != hv.Register64(0xabcd) {
		t.Fatalf("rbx after restore = %v, want 0xabcd", got[hv.RegisterAMD64Rbx])
	}
}

func TestStateRejectsForeignBlob(t *testing.T) {
	checkMSHVAvailable(t)

	_, vm := openTestVm(t)

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	defer vcpu.Close()

	foreign := &hv.CpuState{Backend: hv.BackendKVM, Arch: hv.ArchitectureX86_64}
	if err := vcpu.SetState(foreign); !errors.Is(err, hv.ErrStateMismatch) {
		t.Fatalf("SetState(kvm blob) = %v, want ErrStateMismatch", err)
	}
}

func TestStateCaptureCoversFpuAndMsrs(t *testing.T) {
	for _, name := range []uint32{
		hvX64RegisterXmm0,
		hvX64RegisterXmm0 + 15,
		hvX64RegisterFpMmx0,
		hvX64RegisterFpMmx0 + 7,
		hvX64RegisterFpControlStatus,
		hvX64RegisterXmmControlStatus,
		hvX64RegisterXfem,
		hvX64RegisterKernelGsBase,
		hvX64RegisterPat,
		hvX64RegisterSysenterCs,
		hvX64RegisterStar,
		hvX64RegisterLstar,
		hvX64RegisterSfmask,
		hvX64RegisterTscAux,
	} {
		if !slices.Contains(vpStateNames, name) {
			t.Errorf("state capture set is missing register %#x", name)
		}
	}

	if !slices.IsSorted(vpStateNames) {
		t.Error("state capture set is not sorted")
	}
	if counted := len(slices.Compact(slices.Clone(vpStateNames))); counted != len(vpStateNames) {
		t.Errorf("state capture set has %d duplicate names", len(vpStateNames)-counted)
	}
}

func TestRestoreRejectsOversizedCount(t *testing.T) {
	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, uint32(1<<30))

	vcpu := &virtualCPU{}
	if err := restoreVpState(vcpu, blob.Bytes()); err == nil {
		t.Fatal("restore accepted a count far beyond the blob length")
	}
}
