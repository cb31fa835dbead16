// Package hv defines the backend- and architecture-agnostic contract for
// driving hardware virtualization: the Hypervisor, Vm, Vcpu and Device
// capability interfaces plus the generic value types they exchange.
//
// Concrete implementations live in the backend packages (hv/kvm, hv/mshv);
// exactly one of them is compiled into a process, selected by hv/factory.
package hv

import (
	"context"
	"io"
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// BackendKind identifies the kernel control interface an object belongs to.
type BackendKind string

const (
	BackendInvalid BackendKind = "invalid"
	BackendKVM     BackendKind = "kvm"
	BackendMSHV    BackendKind = "mshv"
)

// IrqChipModel names an in-kernel interrupt controller model a backend can
// provide.
type IrqChipModel string

const (
	IrqChipIOAPIC IrqChipModel = "ioapic"
	IrqChipGICv2  IrqChipModel = "gicv2"
	IrqChipGICv3  IrqChipModel = "gicv3"
)

// Capabilities is the fixed feature set reported by a Hypervisor. It is
// queried once after construction and never changes for the life of the
// process.
type Capabilities struct {
	MaxVcpus     int
	MaxMemslots  int
	IrqChips     []IrqChipModel
	IoEventFd    bool
	IrqFd        bool
	SignalMsi    bool
	DirtyLogging bool
}

// Hypervisor is the process-wide handle to the compiled-in backend. It is
// constructed once by hv/factory.New, shared by reference, and closed at
// process exit after every Vm derived from it has been closed.
type Hypervisor interface {
	io.Closer

	Backend() BackendKind
	Architecture() CpuArchitecture
	Capabilities() Capabilities

	CreateVm() (Vm, error)
}

// Vm is one virtual machine. All methods other than the ones inherited by
// its Vcpus are safe for concurrent use, but structural mutation (memory
// regions, IRQ routing) concurrent with a running Vcpu is undefined with
// respect to what the guest observes: pause first, mutate, resume.
//
// Close destroys the Vm and releases its kernel resources. Vcpus and
// Devices must be closed before their Vm, and the Vm before its
// Hypervisor. Close is idempotent; every other method on a closed Vm
// returns ErrVmDestroyed.
type Vm interface {
	io.Closer

	Hypervisor() Hypervisor
	State() VmState

	CreateVcpu(index int) (Vcpu, error)
	CreateDevice(cfg CreateDevice) (Device, error)

	SetUserMemoryRegion(region UserMemoryRegion) error
	RemoveUserMemoryRegion(region UserMemoryRegion) error
	MemoryRegions() []UserMemoryRegion
	GetDirtyLog(region UserMemoryRegion) ([]uint64, error)

	SetIrqRouting(entries []IrqRoutingEntry) error
	IrqRouting() []IrqRoutingEntry

	RegisterIoEvent(addr IoEventAddress, match DataMatch, eventFd int) error
	UnregisterIoEvent(addr IoEventAddress, match DataMatch, eventFd int) error
	RegisterIrqFd(eventFd int, gsi uint32) error
	UnregisterIrqFd(eventFd int, gsi uint32) error
	SignalMsi(msi MsiIrqSourceConfig) error
	SetIrqLine(irq uint32, level bool) error

	Pause() error
	Resume() error
	Save() (*VmSnapshot, error)
	Restore(snap *VmSnapshot) error
}

// Vcpu is one virtual processor of a Vm, identified by a zero-based index
// unique within the Vm.
//
// Run blocks the calling thread until the guest exits; exactly one thread
// may drive a given Vcpu at a time, and a concurrent Run on the same Vcpu
// returns ErrVcpuBusy. All other methods must not be called while Run is
// in flight, except Kick, which interrupts an in-flight Run from another
// thread.
type Vcpu interface {
	io.Closer

	Vm() Vm
	Index() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) (VmExit, error)
	Kick() error

	State() (*CpuState, error)
	SetState(state *CpuState) error
}

// Device is an in-kernel or passthrough device instance owned by a Vm. It
// is a passive attribute surface: interrupt delivery is wired through the
// Vm's routing table and ioevent/irqfd facilities, not through the Device
// itself.
//
// Attribute values are raw bytes of the size the attribute defines; the
// SetDeviceAttrUint32/64 helpers cover the common scalar cases.
type Device interface {
	io.Closer

	Kind() DeviceKind

	GetAttr(attr DeviceAttr, value []byte) error
	SetAttr(attr DeviceAttr, value []byte) error
	HasAttr(attr DeviceAttr) bool
}
