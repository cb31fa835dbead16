//go:build linux && amd64

package mshv

import "unsafe"

// The /dev/mshv driver encodes its ioctl numbers with the standard Linux
// _IO macros over magic 0xb8. Unlike KVM's stable literal numbers, the
// argument sizes here are struct-dependent, so the requests are computed
// from the ABI structs below.
const mshvIoctlMagic = 0xb8

const (
	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocWrite = 1
	iocRead  = 2
)

func mshvIO(nr uintptr) uintptr {
	return mshvIoctlMagic<<iocTypeShift | nr<<iocNrShift
}

func mshvIOW(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | size<<iocSizeShift | mshvIO(nr)
}

func mshvIOR(nr, size uintptr) uintptr {
	return iocRead<<iocDirShift | size<<iocSizeShift | mshvIO(nr)
}

func mshvIOWR(nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<iocDirShift | size<<iocSizeShift | mshvIO(nr)
}

var (
	// /dev/mshv
	mshvCheckExtension  = mshvIOW(0x00, unsafe.Sizeof(uint32(0)))
	mshvCreatePartition = mshvIOW(0x01, unsafe.Sizeof(mshvCreatePartitionData{}))

	// partition fd
	mshvInitializePartition = mshvIO(0x02)
	mshvCreateVp            = mshvIOW(0x03, unsafe.Sizeof(mshvCreateVpData{}))
	mshvMapGuestMemory      = mshvIOW(0x04, unsafe.Sizeof(mshvUserMemRegion{}))
	mshvUnmapGuestMemory    = mshvIOW(0x05, unsafe.Sizeof(mshvUserMemRegion{}))
	mshvSetMsiRouting       = mshvIOW(0x11, unsafe.Sizeof(mshvMsiRoutingHeader{}))
	mshvAssertInterrupt     = mshvIOW(0x12, unsafe.Sizeof(mshvAssertInterruptData{}))
	mshvIrqfdIoctl          = mshvIOW(0xe0, unsafe.Sizeof(mshvIrqfdData{}))
	mshvIoeventfdIoctl      = mshvIOW(0xf0, unsafe.Sizeof(mshvIoeventfdData{}))

	// vp fd
	mshvRunVp          = mshvIOR(0x06, unsafe.Sizeof(hvMessage{}))
	mshvGetVpRegisters = mshvIOWR(0x07, unsafe.Sizeof(mshvVpRegisters{}))
	mshvSetVpRegisters = mshvIOW(0x08, unsafe.Sizeof(mshvVpRegisters{}))
)

// MSHV_CHECK_EXTENSION capabilities.
const (
	mshvCapCoreApiStable = 0x0
)

// Partition creation flags.
const (
	mshvPartitionLapicEnabled  = 1 << 0
	mshvPartitionX2ApicCapable = 1 << 1
)

// mshv_user_mem_region flags.
const (
	mshvSetMemWritable   = 1 << 0
	mshvSetMemExecutable = 1 << 1
)

// mshv_user_irqfd flags.
const (
	mshvIrqfdFlagDeassign = 1 << 0
)

// mshv_user_ioeventfd flags.
const (
	mshvIoeventfdFlagDatamatch = 1 << 0
	mshvIoeventfdFlagPio       = 1 << 1
	mshvIoeventfdFlagDeassign  = 1 << 2
)

// Hyper-V TLFS register names, as used in hv_register_assoc records.
const (
	hvX64RegisterRax    = 0x00020000
	hvX64RegisterRcx    = 0x00020001
	hvX64RegisterRdx    = 0x00020002
	hvX64RegisterRbx    = 0x00020003
	hvX64RegisterRsp    = 0x00020004
	hvX64RegisterRbp    = 0x00020005
	hvX64RegisterRsi    = 0x00020006
	hvX64RegisterRdi    = 0x00020007
	hvX64RegisterR8     = 0x00020008
	hvX64RegisterR9     = 0x00020009
	hvX64RegisterR10    = 0x0002000a
	hvX64RegisterR11    = 0x0002000b
	hvX64RegisterR12    = 0x0002000c
	hvX64RegisterR13    = 0x0002000d
	hvX64RegisterR14    = 0x0002000e
	hvX64RegisterR15    = 0x0002000f
	hvX64RegisterRip    = 0x00020010
	hvX64RegisterRflags = 0x00020011

	hvX64RegisterXmm0             = 0x00030000
	hvX64RegisterFpMmx0           = 0x00030010
	hvX64RegisterFpControlStatus  = 0x00030018
	hvX64RegisterXmmControlStatus = 0x00030019

	hvX64RegisterCr0  = 0x00040000
	hvX64RegisterCr2  = 0x00040001
	hvX64RegisterCr3  = 0x00040002
	hvX64RegisterCr4  = 0x00040003
	hvX64RegisterCr8  = 0x00040004
	hvX64RegisterXfem = 0x00040005

	hvX64RegisterEs   = 0x00060000
	hvX64RegisterCs   = 0x00060001
	hvX64RegisterSs   = 0x00060002
	hvX64RegisterDs   = 0x00060003
	hvX64RegisterFs   = 0x00060004
	hvX64RegisterGs   = 0x00060005
	hvX64RegisterLdtr = 0x00060006
	hvX64RegisterTr   = 0x00060007

	hvX64RegisterIdtr = 0x00070000
	hvX64RegisterGdtr = 0x00070001

	hvX64RegisterTsc          = 0x00080000
	hvX64RegisterEfer         = 0x00080001
	hvX64RegisterKernelGsBase = 0x00080002
	hvX64RegisterApicBase     = 0x00080003
	hvX64RegisterPat          = 0x00080004
	hvX64RegisterSysenterCs   = 0x00080005
	hvX64RegisterSysenterEip  = 0x00080006
	hvX64RegisterSysenterEsp  = 0x00080007
	hvX64RegisterStar         = 0x00080008
	hvX64RegisterLstar        = 0x00080009
	hvX64RegisterCstar        = 0x0008000a
	hvX64RegisterSfmask       = 0x0008000b
	hvX64RegisterTscAux       = 0x0008007b
)

// hv_message message types delivered by MSHV_RUN_VP.
type hvMessageType uint32

const (
	hvMessageTypeNone hvMessageType = 0x0

	hvMessageTypeUnmappedGpa            hvMessageType = 0x80000000
	hvMessageTypeGpaIntercept           hvMessageType = 0x80000001
	hvMessageTypeUnrecoverableException hvMessageType = 0x80000005
	hvMessageTypeHypercallIntercept     hvMessageType = 0x80000050

	hvMessageTypeX64IoPortIntercept       hvMessageType = 0x80010000
	hvMessageTypeX64MsrIntercept          hvMessageType = 0x80010001
	hvMessageTypeX64CpuidIntercept        hvMessageType = 0x80010002
	hvMessageTypeX64ExceptionIntercept    hvMessageType = 0x80010003
	hvMessageTypeX64Halt                  hvMessageType = 0x80010006
	hvMessageTypeX64InterruptionWindow    hvMessageType = 0x80010007
	hvMessageTypeX64InterruptionDelivered hvMessageType = 0x80010008
)

// Intercept access types in hv_x64_intercept_message_header.
const (
	hvInterceptAccessRead    = 0
	hvInterceptAccessWrite   = 1
	hvInterceptAccessExecute = 2
)
