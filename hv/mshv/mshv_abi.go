//go:build linux && amd64

package mshv

// Kernel ABI structs for the /dev/mshv driver. Layouts follow
// include/uapi/linux/mshv.h and the Hyper-V TLFS; field order and padding
// must not change.

type mshvCreatePartitionData struct {
	Flags     uint64
	Isolation uint64
}

type mshvCreateVpData struct {
	VpIndex uint32
}

type mshvUserMemRegion struct {
	Size          uint64
	GuestPfn      uint64
	UserspaceAddr uint64
	Flags         uint8
	_             [7]uint8
}

type mshvIrqfdData struct {
	Fd         int32
	ResampleFd int32
	Gsi        uint32
	Flags      uint32
}

type mshvIoeventfdData struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [4]uint8
}

// mshvMsiRoutingHeader is the fixed prefix of mshv_user_irq_table; the
// entries follow it in memory as a flexible array.
type mshvMsiRoutingHeader struct {
	Nr uint32
	_  uint32
}

type mshvMsiRoutingEntry struct {
	Gsi       uint32
	AddressLo uint32
	AddressHi uint32
	Data      uint32
}

type mshvAssertInterruptData struct {
	Control  uint64
	DestAddr uint64
	Vector   uint32
	_        uint32
}

// mshvVpRegisters points at an array of hv_register_assoc records.
type mshvVpRegisters struct {
	Count   uint32
	_       uint32
	RegsPtr uint64
}

// hvRegisterAssoc is one (name, value) pair; the value is a 128-bit union
// accessed through the typed views below.
type hvRegisterAssoc struct {
	Name  uint32
	_     uint32
	_     uint64
	Value [16]byte
}

// hvX64SegmentRegister is the 16-byte segment layout inside a register
// value. Attribute bits: type 0:3, s 4, dpl 5:6, p 7, avl 8, l 9, db 10,
// g 11.
type hvX64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// hvX64TableRegister is the descriptor-table layout inside a register
// value; the limit sits at offset 6 after three pad words.
type hvX64TableRegister struct {
	_     [3]uint16
	Limit uint16
	Base  uint64
}

type hvMessageHeader struct {
	MessageType hvMessageType
	PayloadSize uint8
	Flags       uint8
	_           uint16
	Sender      uint64
}

// hvMessage is the 256-byte run message MSHV_RUN_VP fills on every exit.
type hvMessage struct {
	Header  hvMessageHeader
	Payload [240]byte
}

// hvX64InterceptMessageHeader prefixes every x86 intercept payload.
type hvX64InterceptMessageHeader struct {
	VpIndex           uint32
	InstructionLength uint8 // bits 0:3 length, 4:7 cr8
	InterceptAccess   uint8
	ExecutionState    uint16
	CsSegment         hvX64SegmentRegister
	Rip               uint64
	Rflags            uint64
}

type hvX64IoPortInterceptMessage struct {
	Header               hvX64InterceptMessageHeader
	PortNumber           uint16
	AccessInfo           uint8 // bits 0:2 access size
	InstructionByteCount uint8
	_                    uint32
	Rax                  uint64
	InstructionBytes     [16]byte
}

type hvX64MemoryInterceptMessage struct {
	Header               hvX64InterceptMessageHeader
	CacheType            uint32
	InstructionByteCount uint8
	MemoryAccessInfo     uint8
	TprPriority          uint8
	_                    uint8
	GuestVirtualAddress  uint64
	GuestPhysicalAddress uint64
	InstructionBytes     [16]byte
}
