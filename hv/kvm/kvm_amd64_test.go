//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"testing"
	"time"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

// realModeVcpu maps ram at guest physical zero, copies code to offset
// 0x1000 and points a flat 16-bit code segment at it.
func realModeVcpu(t *testing.T, code []byte) (hv.Vm, hv.Vcpu, []byte) {
	t.Helper()

	_, vm := openTestVm(t)

	mem := guestRam(t, 0x10000)
	copy(mem[0x1000:], code)

	err := vm.SetUserMemoryRegion(hv.UserMemoryRegion{
		GuestPhysAddr: 0,
		Size:          uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	})
	if err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	vcpu, err := vm.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	t.Cleanup(func() { vcpu.Close() })

	flat := hv.SegmentValue{
		Base:     0,
		Limit:    0xffff,
		Selector: 0,
		Type:     0x3,
		Present:  1,
		S:        1,
	}
	cs := flat
	cs.Type = 0xb
	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Cs:     cs,
		hv.RegisterAMD64Ds:     flat,
		hv.RegisterAMD64Es:     flat,
		hv.RegisterAMD64Ss:     flat,
		hv.RegisterAMD64Rip:    hv.Register64(0x1000),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	return vm, vcpu, mem
}

func TestRunHalt(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xf4}) // hlt

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.VmExitHalt {
		t.Fatalf("exit reason = %v, want %v", exit.Reason, hv.VmExitHalt)
	}
}

func TestRunPortIoOut(t *testing.T) {
	checkKVMAvailable(t)

	// mov al, 0x7f; out 0x10, al; hlt
	_, vcpu, _ := realModeVcpu(t, []byte{0xb0, 0x7f, 0xe6, 0x10, 0xf4})

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.VmExitIo {
		t.Fatalf("exit reason = %v, want %v", exit.Reason, hv.VmExitIo)
	}
	io := exit.Io
	if io == nil {
		t.Fatal("Io exit payload is nil")
	}
	if io.Port != 0x10 || io.Direction != hv.IoOut || len(io.Data) != 1 || io.Data[0] != 0x7f {
		t.Fatalf("io exit = %+v, want out of 0x7f to port 0x10", io)
	}

	exit, err = vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after io: %v", err)
	}
	if exit.Reason != hv.VmExitHalt {
		t.Fatalf("exit reason after io = %v, want %v", exit.Reason, hv.VmExitHalt)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xf4})

	want := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0x1122334455667788),
		hv.RegisterAMD64Rbx: hv.Register64(0xdeadbeef),
		hv.RegisterAMD64Rsp: hv.Register64(0x8000),
		hv.RegisterAMD64Cr2: hv.Register64(0x2000),
	}
	if err := vcpu.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	got := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: nil,
		hv.RegisterAMD64Rbx: nil,
		hv.RegisterAMD64Rsp: nil,
		hv.RegisterAMD64Cr2: nil,
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

func TestRegisterUnsupported(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xf4})

	err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterARM64X0: hv.Register64(1),
	})
	if err == nil {
		t.Fatal("SetRegisters accepted an arm64 register on x86_64")
	}
}

func TestKickInterruptsRun(t *testing.T) {
	checkKVMAvailable(t)

	// jmp $ spins until kicked from the outside.
	_, vcpu, _ := realModeVcpu(t, []byte{0xeb, 0xfe})

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		if err := vcpu.Kick(); err != nil {
			t.Errorf("Kick: %v", err)
		}
	}()

	exit, err := vcpu.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.VmExitInterrupted {
		t.Fatalf("exit reason = %v, want %v", exit.Reason, hv.VmExitInterrupted)
	}
}

func TestContextCancelInterruptsRun(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xeb, 0xfe})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exit, err := vcpu.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.VmExitInterrupted {
		t.Fatalf("exit reason = %v, want %v", exit.Reason, hv.VmExitInterrupted)
	}
}

func TestRunRejectsConcurrentEntry(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xeb, 0xfe})

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		_, err := vcpu.Run(context.Background())
		finished <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if _, err := vcpu.Run(context.Background()); !errors.Is(err, hv.ErrVcpuBusy) {
		t.Errorf("second Run = %v, want ErrVcpuBusy", err)
	}

	if err := vcpu.Kick(); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if err := <-finished; err != nil {
		t.Fatalf("first Run: %v", err)
	}
}

func TestVcpuStateRoundTrip(t *testing.T) {
	checkKVMAvailable(t)

	_, vcpu, _ := realModeVcpu(t, []byte{0xf4})

	err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0xabcd),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	state, err := vcpu.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Backend != hv.BackendKVM || state.Arch != hv.ArchitectureX86_64 {
		t.Fatalf("state tags = %v/%v, want kvm/x86_64", state.Backend, state.Arch)
	}

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(0),
	})
	if err != nil {
		t.Fatalf("clobber rax: %v", err)
	}

	if err := vcpu.SetState(state); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	got := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: nil}
	if err := vcpu.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if got[hv.RegisterAMD64Rax] != hv.Register64(0xabcd) {
		t.Fatalf("rax after restore = %v, want 0xabcd", got[hv.RegisterAMD64Rax])
	}
}

func TestVmSaveRestore(t *testing.T) {
	checkKVMAvailable(t)

	vm, vcpu, _ := realModeVcpu(t, []byte{0xf4})

	err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0x77),
	})
	if err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	snap, err := vm.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if vm.State() != hv.VmStateSaved {
		t.Fatalf("State() after Save = %v, want %v", vm.State(), hv.VmStateSaved)
	}

	// The snapshot survives a trip through its wire encoding.
	blob, err := snap.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	restored := new(hv.VmSnapshot)
	if err := restored.UnmarshalBinary(blob); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rbx: hv.Register64(0),
	})
	if err != nil {
		t.Fatalf("clobber rbx: %v", err)
	}

	if err := vm.Restore(restored); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if vm.State() != hv.VmStatePaused {
		t.Fatalf("State() after Restore = %v, want %v", vm.State(), hv.VmStatePaused)
	}

	got := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rbx: nil}
	if err := vcpu.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if got[hv.RegisterAMD64Rbx] != hv.Register64(0x77) {
		t.Fatalf("rbx after restore = %v, want 0x77", got[hv.RegisterAMD64Rbx])
	}

	if err := vm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	exit, err := vcpu.Run(context.Background())
	if err != nil {
		t.Fatalf("Run after restore: %v", err)
	}
	if exit.Reason != hv.VmExitHalt {
		t.Fatalf("exit reason after restore = %v, want %v", exit.Reason, hv.VmExitHalt)
	}
}

func TestIrqFdWithRouting(t *testing.T) {
	checkKVMAvailable(t)

	h, vm := openTestVm(t)
	if !h.Capabilities().IrqFd {
		t.Skip("KVM_CAP_IRQFD not available")
	}

	err := vm.SetIrqRouting([]hv.IrqRoutingEntry{
		{Gsi: 0, Config: hv.LegacyIrqSourceConfig{IrqChip: 0, Pin: 0}},
		{Gsi: 24, Config: hv.MsiIrqSourceConfig{AddressLo: 0xfee00000, Data: 0x20}},
	})
	if err != nil {
		t.Fatalf("SetIrqRouting: %v", err)
	}
	if got := vm.IrqRouting(); len(got) != 2 {
		t.Fatalf("IrqRouting() = %d entries, want 2", len(got))
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)

	if err := vm.RegisterIrqFd(efd, 24); err != nil {
		t.Fatalf("RegisterIrqFd: %v", err)
	}
	if err := vm.UnregisterIrqFd(efd, 24); err != nil {
		t.Fatalf("UnregisterIrqFd: %v", err)
	}
}

func TestSetIrqLine(t *testing.T) {
	checkKVMAvailable(t)

	_, vm := openTestVm(t)

	// Line 4 of the in-kernel IOAPIC created with the VM.
	if err := vm.SetIrqLine(4, true); err != nil {
		t.Fatalf("SetIrqLine assert: %v", err)
	}
	if err := vm.SetIrqLine(4, false); err != nil {
		t.Fatalf("SetIrqLine deassert: %v", err)
	}
}

func BenchmarkRunHalt(b *testing.B) {
	checkKVMAvailable(b)

	h, err := Open()
	if err != nil {
		b.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer h.Close()

	for i := 0; i < b.N; i++ {
		// Each iteration boots a fresh vcpu to a halt.
		func() {
			vm, err := h.CreateVm()
			if err != nil {
				b.Fatalf("Create VM: %v", err)
			}
			defer vm.Close()

			mem, err := unix.Mmap(-1, 0, 0x10000,
				unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
			if err != nil {
				b.Fatalf("mmap guest memory: %v", err)
			}
			defer unix.Munmap(mem)
			mem[0x1000] = 0xf4

			err = vm.SetUserMemoryRegion(hv.UserMemoryRegion{
				Size:          uint64(len(mem)),
				UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
			})
			if err != nil {
				b.Fatalf("SetUserMemoryRegion: %v", err)
			}

			vcpu, err := vm.CreateVcpu(0)
			if err != nil {
				b.Fatalf("CreateVcpu: %v", err)
			}

			flat := hv.SegmentValue{Limit: 0xffff, Type: 0x3, Present: 1, S: 1}
			cs := flat
			cs.Type = 0xb
			err = vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
				hv.RegisterAMD64Cs:     cs,
				hv.RegisterAMD64Ds:     flat,
				hv.RegisterAMD64Ss:     flat,
				hv.RegisterAMD64Rip:    hv.Register64(0x1000),
				hv.RegisterAMD64Rflags: hv.Register64(0x2),
			})
			if err != nil {
				b.Fatalf("SetRegisters: %v", err)
			}

			exit, err := vcpu.Run(context.Background())
			if err != nil {
				b.Fatalf("Run: %v", err)
			}
			if exit.Reason != hv.VmExitHalt {
				b.Fatalf("exit reason = %v, want %v", exit.Reason, hv.VmExitHalt)
			}
		}()
	}
}
