//go:build linux

package kvm

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm    *virtualMachine
	index int
	fd    int
	run   []byte

	mu     sync.Mutex
	cond   *sync.Cond
	inRun  bool
	tid    int
	closed bool

	kicked atomic.Bool
}

func (v *virtualCPU) Vm() hv.Vm  { return v.vm }
func (v *virtualCPU) Index() int { return v.index }

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// Run enters the guest once and returns its normalized exit. The calling
// goroutine is pinned to its OS thread for the duration so that Kick can
// signal the exact thread blocked in the kernel.
func (v *virtualCPU) Run(ctx context.Context) (hv.VmExit, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return hv.VmExit{}, &hv.VcpuError{Index: v.index, Op: "run", Err: hv.ErrVmDestroyed}
	}
	if v.inRun {
		v.mu.Unlock()
		return hv.VmExit{}, &hv.VcpuError{Index: v.index, Op: "run", Err: hv.ErrVcpuBusy}
	}
	v.inRun = true
	v.tid = unix.Gettid()
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.inRun = false
		v.tid = 0
		v.cond.Broadcast()
		v.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { v.Kick() })
	defer stop()

	run := v.runData()

	// A kick or pause that lands before entry must not be lost.
	if v.kicked.Swap(false) || v.vm.paused.Load() {
		run.immediate_exit = 0
		return hv.VmExit{Reason: hv.VmExitInterrupted}, nil
	}

	v.vm.markRunning()

	// Deliberately no EINTR retry: an interrupted KVM_RUN is the
	// out-of-band kick path.
	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)

	run.immediate_exit = 0
	v.kicked.Store(false)

	if err == unix.EINTR || err == unix.EAGAIN {
		return hv.VmExit{Reason: hv.VmExitInterrupted}, nil
	}
	if err != nil {
		return hv.VmExit{}, &hv.VcpuError{Index: v.index, Op: "run", Err: err}
	}

	return v.decodeExit(run), nil
}

// Kick interrupts an in-flight Run from another goroutine. The immediate
// exit flag covers the window where the thread has not yet entered the
// kernel; the signal covers a thread already blocked in KVM_RUN.
func (v *virtualCPU) Kick() error {
	v.mu.Lock()
	if v.closed || v.run == nil {
		v.mu.Unlock()
		return nil
	}
	v.kicked.Store(true)
	v.runData().immediate_exit = 1
	tid := 0
	if v.inRun {
		tid = v.tid
	}
	v.mu.Unlock()

	if tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil && err != unix.ESRCH {
			return &hv.VcpuError{Index: v.index, Op: "kick", Err: err}
		}
	}

	return nil
}

// waitIdle blocks until no Run is in flight.
func (v *virtualCPU) waitIdle() {
	v.mu.Lock()
	for v.inRun {
		v.cond.Wait()
	}
	v.mu.Unlock()
}

// decodeExit normalizes the exit recorded in the run page. The Io and Mmio
// payloads alias the run page and stay valid until the next Run.
func (v *virtualCPU) decodeExit(run *kvmRunData) hv.VmExit {
	switch kvmExitReason(run.exit_reason) {
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		data := v.run[io.dataOffset : io.dataOffset+uint64(io.size)*uint64(io.count)]
		direction := hv.IoIn
		if io.direction != 0 {
			direction = hv.IoOut
		}

		return hv.VmExit{
			Reason: hv.VmExitIo,
			Io: &hv.IoExit{
				Port:      io.port,
				Direction: direction,
				Data:      data,
			},
		}
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		return hv.VmExit{
			Reason: hv.VmExitMmio,
			Mmio: &hv.MmioExit{
				Addr:    mmio.physAddr,
				Data:    mmio.data[:mmio.len],
				IsWrite: mmio.isWrite != 0,
			},
		}
	case kvmExitHlt:
		return hv.VmExit{Reason: hv.VmExitHalt}
	case kvmExitShutdown, kvmExitFailEntry:
		return hv.VmExit{Reason: hv.VmExitShutdown}
	case kvmExitIrqWindowOpen:
		return hv.VmExit{Reason: hv.VmExitIrqWindowOpen}
	case kvmExitHypercall:
		return hv.VmExit{Reason: hv.VmExitHypercall}
	case kvmExitDebug:
		return hv.VmExit{Reason: hv.VmExitDebug}
	case kvmExitIntr:
		return hv.VmExit{Reason: hv.VmExitInterrupted}
	case kvmExitSystemEvent:
		event := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch event.typ {
		case kvmSystemEventReset:
			return hv.VmExit{Reason: hv.VmExitReset}
		case kvmSystemEventShutdown, kvmSystemEventCrash:
			return hv.VmExit{Reason: hv.VmExitShutdown}
		}
		return hv.VmExit{Reason: hv.VmExitUnknown, Raw: run.exit_reason}
	default:
		return hv.VmExit{Reason: hv.VmExitUnknown, Raw: run.exit_reason}
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if err := v.checkIdle("set registers"); err != nil {
		return err
	}
	return archSetRegisters(v, regs)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if err := v.checkIdle("get registers"); err != nil {
		return err
	}
	return archGetRegisters(v, regs)
}

func (v *virtualCPU) State() (*hv.CpuState, error) {
	if err := v.checkIdle("get state"); err != nil {
		return nil, err
	}

	data, err := archCaptureVcpuState(v)
	if err != nil {
		return nil, err
	}

	return &hv.CpuState{
		Backend: v.vm.hv.Backend(),
		Arch:    v.vm.hv.Architecture(),
		Data:    data,
	}, nil
}

func (v *virtualCPU) SetState(state *hv.CpuState) error {
	if err := v.checkIdle("set state"); err != nil {
		return err
	}

	if err := state.Matches(v.vm.hv.Backend(), v.vm.hv.Architecture()); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "set state", Err: err}
	}

	return archRestoreVcpuState(v, state.Data)
}

func (v *virtualCPU) checkIdle(op string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return &hv.VcpuError{Index: v.index, Op: op, Err: hv.ErrVmDestroyed}
	}
	if v.inRun {
		return &hv.VcpuError{Index: v.index, Op: op, Err: hv.ErrVcpuBusy}
	}
	return nil
}

func (v *virtualCPU) Close() error {
	v.vm.mu.Lock()
	if v.vm.vcpus != nil {
		delete(v.vm.vcpus, v.index)
	}
	v.vm.mu.Unlock()

	return v.closeLocked()
}

func (v *virtualCPU) closeLocked() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	for v.inRun {
		v.cond.Wait()
	}
	run := v.run
	v.run = nil
	v.mu.Unlock()

	if run != nil {
		if err := unix.Munmap(run); err != nil {
			return &hv.VcpuError{Index: v.index, Op: "close", Err: err}
		}
	}
	if err := unix.Close(v.fd); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "close", Err: err}
	}

	return nil
}

var _ hv.Vcpu = &virtualCPU{}
