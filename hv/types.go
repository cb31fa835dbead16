package hv

import "fmt"

// MemoryRegionFlags control how a guest memory region is mapped.
type MemoryRegionFlags uint32

const (
	MemoryRegionReadOnly MemoryRegionFlags = 1 << iota
	MemoryRegionLogDirtyPages
)

// UserMemoryRegion describes one guest-physical memory region backed by
// host memory. Regions are immutable once registered: changing a mapping
// means removing the old region and adding a new one.
type UserMemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserspaceAddr uint64
	Flags         MemoryRegionFlags
}

func (r UserMemoryRegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) -> 0x%x flags=%#x",
		r.GuestPhysAddr, r.GuestPhysAddr+r.Size, r.UserspaceAddr, uint32(r.Flags))
}

// overlaps reports whether two regions intersect in guest-physical space.
func (r UserMemoryRegion) overlaps(other UserMemoryRegion) bool {
	return r.GuestPhysAddr < other.GuestPhysAddr+other.Size &&
		other.GuestPhysAddr < r.GuestPhysAddr+r.Size
}

// IoEventKind selects the guest address space an ioevent watches.
type IoEventKind int

const (
	IoEventPio IoEventKind = iota
	IoEventMmio
)

// IoEventAddress is a guest I/O address an ioevent is bound to.
type IoEventAddress struct {
	Kind IoEventKind
	Addr uint64
}

// DataMatch optionally restricts an ioevent to writes of one value.
// Length is the width of the guest access in bytes (2, 4 or 8); zero means
// any write to the address triggers the event.
type DataMatch struct {
	Value  uint64
	Length uint32
}

// DeviceKind names a kind of in-kernel or passthrough device. Backends
// translate kinds to their own device-type encodings and reject kinds they
// cannot provide.
type DeviceKind string

const (
	DeviceVfio      DeviceKind = "vfio"
	DeviceArmVgicV2 DeviceKind = "arm-vgic-v2"
	DeviceArmVgicV3 DeviceKind = "arm-vgic-v3"
)

// CreateDevice describes a device to be created by a Vm's device factory.
type CreateDevice struct {
	Kind  DeviceKind
	Flags uint32
}

// DeviceAttr addresses one attribute of a Device as a (group, attr) pair.
type DeviceAttr struct {
	Group uint32
	Attr  uint64
}

// VmState is the lifecycle state of a Vm.
type VmState int

const (
	VmStateCreated VmState = iota
	VmStateRunning
	VmStatePaused
	VmStateSaved
	VmStateDestroyed
)

func (s VmState) String() string {
	switch s {
	case VmStateCreated:
		return "created"
	case VmStateRunning:
		return "running"
	case VmStatePaused:
		return "paused"
	case VmStateSaved:
		return "saved"
	case VmStateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("VmState(%d)", int(s))
	}
}

// InterruptSourceConfig is the tagged configuration of one interrupt
// source: either a legacy irqchip pin or a message-signaled interrupt.
type InterruptSourceConfig interface {
	isInterruptSourceConfig()
}

// LegacyIrqSourceConfig routes a GSI to a pin of an in-kernel interrupt
// controller.
type LegacyIrqSourceConfig struct {
	IrqChip uint32
	Pin     uint32
}

func (LegacyIrqSourceConfig) isInterruptSourceConfig() {}

// MsiIrqSourceConfig routes a GSI to a message-signaled interrupt.
type MsiIrqSourceConfig struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	DeviceId  uint32
}

func (MsiIrqSourceConfig) isInterruptSourceConfig() {}

// IrqRoutingEntry maps one global system interrupt to an interrupt source.
type IrqRoutingEntry struct {
	Gsi    uint32
	Config InterruptSourceConfig
}
