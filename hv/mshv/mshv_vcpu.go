//go:build linux && amd64

package mshv

import (
	"context"
	"encoding/binary"
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

	mu     sync.Mutex
	cond   *sync.Cond
	inRun  bool
	tid    int
	closed bool

	kicked atomic.Bool

	// Last run message and the staging buffer VmExit.Io.Data aliases.
	msg    hvMessage
	ioData [8]byte

	// Port read awaiting data from the monitor; completed on the next
	// guest entry.
	pendingIn *pendingPortRead
}

type pendingPortRead struct {
	size uint8
	rax  uint64
	rip  uint64
}

func (v *virtualCPU) Vm() hv.Vm  { return v.vm }
func (v *virtualCPU) Index() int { return v.index }

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

	// A kick or pause that lands before entry must not be lost. A pending
	// port read stays pending across an interrupted entry.
	if v.kicked.Swap(false) || v.vm.paused.Load() {
		return hv.VmExit{Reason: hv.VmExitInterrupted}, nil
	}

	if v.pendingIn != nil {
		if err := v.completePortRead(); err != nil {
			return hv.VmExit{}, err
		}
	}

	v.vm.markRunning()

	// Deliberately no EINTR retry: an interrupted MSHV_RUN_VP is the
	// out-of-band kick path.
	_, err := ioctl(uintptr(v.fd), mshvRunVp, uintptr(unsafe.Pointer(&v.msg)))

	v.kicked.Store(false)

	if err == unix.EINTR || err == unix.EAGAIN {
		return hv.VmExit{Reason: hv.VmExitInterrupted}, nil
	}
	if err != nil {
		return hv.VmExit{}, &hv.VcpuError{Index: v.index, Op: "run", Err: err}
	}

	return v.decodeExit()
}

// Kick interrupts an in-flight Run from another goroutine. The kicked flag
// covers the window where the thread has not yet entered the kernel; the
// signal covers a thread already blocked in MSHV_RUN_VP.
func (v *virtualCPU) Kick() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.kicked.Store(true)
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

// decodeExit normalizes the run message. Io payloads alias the staging
// buffer and stay valid until the next Run.
//
// Intercepts do not advance the instruction pointer on their own; for port
// accesses this layer does it itself, writes as part of the decode and
// reads when the monitor re-enters with the data filled in.
func (v *virtualCPU) decodeExit() (hv.VmExit, error) {
	switch v.msg.Header.MessageType {
	case hvMessageTypeX64IoPortIntercept:
		return v.decodePortIo()

	case hvMessageTypeUnmappedGpa, hvMessageTypeGpaIntercept:
		// The message carries no decoded operand; memory access
		// emulation stays with the monitor.
		mem := (*hvX64MemoryInterceptMessage)(unsafe.Pointer(&v.msg.Payload[0]))
		return hv.VmExit{
			Reason: hv.VmExitMmio,
			Mmio: &hv.MmioExit{
				Addr:    mem.GuestPhysicalAddress,
				IsWrite: mem.Header.InterceptAccess == hvInterceptAccessWrite,
			},
		}, nil

	case hvMessageTypeX64Halt:
		return hv.VmExit{Reason: hv.VmExitHalt}, nil

	case hvMessageTypeUnrecoverableException:
		return hv.VmExit{Reason: hv.VmExitShutdown}, nil

	case hvMessageTypeHypercallIntercept:
		return hv.VmExit{Reason: hv.VmExitHypercall}, nil

	case hvMessageTypeX64InterruptionWindow:
		return hv.VmExit{Reason: hv.VmExitIrqWindowOpen}, nil

	case hvMessageTypeNone:
		return hv.VmExit{Reason: hv.VmExitInterrupted}, nil

	default:
		return hv.VmExit{Reason: hv.VmExitUnknown, Raw: uint32(v.msg.Header.MessageType)}, nil
	}
}

func (v *virtualCPU) decodePortIo() (hv.VmExit, error) {
	io := (*hvX64IoPortInterceptMessage)(unsafe.Pointer(&v.msg.Payload[0]))

	size := io.AccessInfo & 0x7
	if size == 0 || size > 8 {
		size = 1
	}
	newRip := io.Header.Rip + uint64(io.Header.InstructionLength&0xf)

	exit := hv.VmExit{
		Reason: hv.VmExitIo,
		Io: &hv.IoExit{
			Port: io.PortNumber,
			Data: v.ioData[:size],
		},
	}

	if io.Header.InterceptAccess == hvInterceptAccessWrite {
		exit.Io.Direction = hv.IoOut
		binary.LittleEndian.PutUint64(v.ioData[:], io.Rax)

		// The access is complete from the guest's point of view; step
		// over the instruction now.
		if err := v.setRegister(hvX64RegisterRip, newRip); err != nil {
			return hv.VmExit{}, &hv.VcpuError{Index: v.index, Op: "complete port write", Err: err}
		}
		return exit, nil
	}

	exit.Io.Direction = hv.IoIn
	clear(v.ioData[:])
	v.pendingIn = &pendingPortRead{size: size, rax: io.Rax, rip: newRip}
	return exit, nil
}

// completePortRead folds the monitor-filled bytes into RAX and steps over
// the IN instruction before the guest runs again.
func (v *virtualCPU) completePortRead() error {
	p := v.pendingIn
	v.pendingIn = nil

	mask := uint64(1)<<(8*uint(p.size)) - 1
	if p.size == 8 {
		mask = ^uint64(0)
	}
	rax := p.rax&^mask | binary.LittleEndian.Uint64(v.ioData[:])&mask

	err := setVpRegisters(v.fd, []hvRegisterAssoc{
		registerAssoc64(hvX64RegisterRax, rax),
		registerAssoc64(hvX64RegisterRip, p.rip),
	})
	if err != nil {
		return &hv.VcpuError{Index: v.index, Op: "complete port read", Err: err}
	}
	return nil
}

func (v *virtualCPU) setRegister(name uint32, value uint64) error {
	return setVpRegisters(v.fd, []hvRegisterAssoc{registerAssoc64(name, value)})
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if err := v.checkIdle("set registers"); err != nil {
		return err
	}
	return setRegisterMap(v, regs)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if err := v.checkIdle("get registers"); err != nil {
		return err
	}
	return getRegisterMap(v, regs)
}

func (v *virtualCPU) State() (*hv.CpuState, error) {
	if err := v.checkIdle("get state"); err != nil {
		return nil, err
	}

	data, err := captureVpState(v)
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

	return restoreVpState(v, state.Data)
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
	v.mu.Unlock()

	if err := unix.Close(v.fd); err != nil {
		return &hv.VcpuError{Index: v.index, Op: "close", Err: err}
	}
	return nil
}

var _ hv.Vcpu = &virtualCPU{}
