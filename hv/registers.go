package hv

// RegisterValue is a tagged value for one architectural register. Plain
// 64-bit registers use Register64; x86_64 segment and descriptor-table
// registers carry structured values.
type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// SegmentValue is the state of one x86_64 segment register.
type SegmentValue struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
}

func (s SegmentValue) isRegisterValue() {}

// TableValue is the state of a descriptor-table register (GDTR/IDTR).
type TableValue struct {
	Base  uint64
	Limit uint16
}

func (t TableValue) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// x86_64 general-purpose registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// x86_64 control and special registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer
	RegisterAMD64ApicBase

	// x86_64 segment and table registers
	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
	RegisterAMD64Tr
	RegisterAMD64Ldt
	RegisterAMD64Gdt
	RegisterAMD64Idt

	// ARM64 general-purpose registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate

	// ARM64 EL1 system registers
	RegisterARM64Vbar
	RegisterARM64SctlrEl1
	RegisterARM64TcrEl1
	RegisterARM64Ttbr0El1
	RegisterARM64Ttbr1El1
	RegisterARM64MairEl1
	RegisterARM64ElrEl1
	RegisterARM64SpsrEl1
	RegisterARM64EsrEl1
	RegisterARM64FarEl1
	RegisterARM64SpEl0
	RegisterARM64SpEl1
	RegisterARM64CntkctlEl1
	RegisterARM64CntvCtlEl0
	RegisterARM64CntvCvalEl0
	RegisterARM64CpacrEl1
	RegisterARM64ContextidrEl1
	RegisterARM64TpidrEl0
	RegisterARM64TpidrEl1
	RegisterARM64TpidrroEl0
	RegisterARM64ParEl1
	RegisterARM64Afsr0El1
	RegisterARM64Afsr1El1
	RegisterARM64AmairEl1
)
