package hv

import "fmt"

// VmExitReason is the normalized reason a Vcpu.Run call returned.
type VmExitReason int

const (
	// VmExitUnknown carries an exit code this layer does not recognize.
	// The raw backend code is preserved in VmExit.Raw for diagnostics.
	VmExitUnknown VmExitReason = iota
	// VmExitIo is an x86 port I/O access; see VmExit.Io.
	VmExitIo
	// VmExitMmio is a memory-mapped I/O access; see VmExit.Mmio.
	VmExitMmio
	// VmExitHalt means the guest executed a halt instruction.
	VmExitHalt
	// VmExitShutdown means the guest requested to shut down, or entered a
	// state the backend treats as fatal (e.g. triple fault).
	VmExitShutdown
	// VmExitReset means the guest requested a platform reset.
	VmExitReset
	// VmExitIrqWindowOpen means the guest can now accept an interrupt.
	VmExitIrqWindowOpen
	// VmExitHypercall is an explicit guest call into the hypervisor.
	VmExitHypercall
	// VmExitDebug is a single-step or breakpoint trap.
	VmExitDebug
	// VmExitInterrupted means Run was interrupted from the host side
	// (Kick, Pause, or context cancellation) before a guest-visible exit.
	VmExitInterrupted
)

func (r VmExitReason) String() string {
	switch r {
	case VmExitUnknown:
		return "unknown"
	case VmExitIo:
		return "io"
	case VmExitMmio:
		return "mmio"
	case VmExitHalt:
		return "halt"
	case VmExitShutdown:
		return "shutdown"
	case VmExitReset:
		return "reset"
	case VmExitIrqWindowOpen:
		return "irq-window-open"
	case VmExitHypercall:
		return "hypercall"
	case VmExitDebug:
		return "debug"
	case VmExitInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("VmExitReason(%d)", int(r))
	}
}

// IoDirection is the direction of a port I/O access, from the guest's
// point of view.
type IoDirection uint8

const (
	IoIn  IoDirection = iota // guest reads; the monitor fills Data
	IoOut                    // guest writes; Data holds the written bytes
)

// IoExit is the payload of a VmExitIo. Data references the backend's run
// page and is valid until the next Run call on the same Vcpu; for IoIn the
// monitor must write the guest-visible bytes into Data before re-entering
// the guest.
type IoExit struct {
	Port      uint16
	Direction IoDirection
	Data      []byte
}

// MmioExit is the payload of a VmExitMmio. The same Data lifetime and
// fill-before-reentry rules as IoExit apply, with IsWrite in place of
// Direction.
type MmioExit struct {
	Addr    uint64
	Data    []byte
	IsWrite bool
}

// VmExit is the normalized outcome of one Vcpu.Run call. Exactly the
// payload named by Reason is non-nil.
type VmExit struct {
	Reason VmExitReason

	Io   *IoExit
	Mmio *MmioExit

	// Raw is the backend's exit code, populated for VmExitUnknown.
	Raw uint32
}

func (e VmExit) String() string {
	switch e.Reason {
	case VmExitIo:
		dir := "out"
		if e.Io.Direction == IoIn {
			dir = "in"
		}
		return fmt.Sprintf("io %s port=0x%04x len=%d", dir, e.Io.Port, len(e.Io.Data))
	case VmExitMmio:
		op := "read"
		if e.Mmio.IsWrite {
			op = "write"
		}
		return fmt.Sprintf("mmio %s addr=0x%016x len=%d", op, e.Mmio.Addr, len(e.Mmio.Data))
	case VmExitUnknown:
		return fmt.Sprintf("unknown raw=%d", e.Raw)
	default:
		return e.Reason.String()
	}
}
