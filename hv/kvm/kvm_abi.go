//go:build linux

package kvm

// Structures matching the kernel's KVM ABI. Field layout and padding follow
// linux/kvm.h exactly; names are Go-cased but never reordered.

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const syncRegsSizeBytes = 2048

type kvmRunData struct {
	request_interrupt_window      uint8
	immediate_exit                uint8
	padding1                      [6]uint8
	exit_reason                   uint32
	ready_for_interrupt_injection uint8
	if_flag                       uint8
	flags                         uint16
	cr8                           uint64
	apic_base                     uint64
	anon0                         [256]byte
	kvm_valid_regs                uint64
	kvm_dirty_regs                uint64
	s                             struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type kvmDirtyLog struct {
	Slot   uint32
	Pad    uint32
	Bitmap uint64
}

type kvmIoeventfdData struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	Pad       [36]uint8
}

type kvmIrqfdData struct {
	Fd         uint32
	Gsi        uint32
	Flags      uint32
	ResampleFd uint32
	Pad        [16]uint8
}

type kvmMSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	Devid     uint32
	Pad       [12]uint8
}

// kvmIrqRoutingEntry is 48 bytes: 16 bytes of header followed by a 32-byte
// union. The union is kept as raw bytes; writers overlay the per-type
// payload structs.
type kvmIrqRoutingEntry struct {
	Gsi   uint32
	Type  uint32
	Flags uint32
	Pad   uint32
	U     [32]byte
}

type kvmIrqRoutingIrqchip struct {
	Irqchip uint32
	Pin     uint32
}

type kvmIrqRoutingMsi struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Devid     uint32
}

// kvmIrqRoutingHeader is the fixed prefix of the KVM_SET_GSI_ROUTING
// argument; NR entries follow it inline.
type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

type kvmClockData struct {
	Clock    uint64
	Flags    uint32
	Pad0     uint32
	Realtime uint64
	HostTSC  uint64
	Pad      [4]uint32
}

type kvmCreateDeviceData struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// KVM_CREATE_DEVICE flag: validate only, do not create.
const kvmCreateDeviceTest = 1

type kvmDeviceAttrData struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}
