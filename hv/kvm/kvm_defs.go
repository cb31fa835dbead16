//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetMsrIndexList     = 0xc004ae02
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmSetGsiRouting       = 0x4008ae6a
	kvmIrqfd               = 0x4020ae76
	kvmCreatePit2          = 0x4040ae77
	kvmIoeventfd           = 0x4040ae79
	kvmSetClock            = 0x4030ae7b
	kvmGetClock            = 0x8030ae7c
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetMsrs             = 0xc008ae88
	kvmSetMsrs             = 0x4008ae89
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmGetLapic            = 0x8400ae8e
	kvmSetLapic            = 0x4400ae8f
	kvmSetCpuid2           = 0x4008ae90
	kvmSignalMsi           = 0x4020aea5
	kvmGetXcrs             = 0x8188aea6
	kvmSetXcrs             = 0x4188aea7
	kvmGetOneReg           = 0x4010aeab
	kvmSetOneReg           = 0x4010aeac
	kvmArmVcpuInitIoctl    = 0x4020aeae
	kvmArmPreferredTarget  = 0x8020aeaf
	kvmCreateDevice        = 0xc00caee0
	kvmSetDeviceAttr       = 0x4018aee1
	kvmGetDeviceAttr       = 0x4018aee2
	kvmHasDeviceAttr       = 0x4018aee3
)

// Capability numbers probed through KVM_CHECK_EXTENSION.
const (
	kvmCapIrqchip       = 0
	kvmCapNrMemslots    = 10
	kvmCapIrqRouting    = 25
	kvmCapIrqfd         = 32
	kvmCapIoeventfd     = 36
	kvmCapMaxVcpus      = 66
	kvmCapSignalMsi     = 77
	kvmCapArmVmIpaSize  = 165
	kvmCapDeviceCtrl    = 134
	kvmCapOneReg        = 70
	kvmCapArmPsci02     = 102
	kvmCapMultiAddressSpace = 118
)

// Memory region flags from the kernel ABI.
const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)

// Device types for KVM_CREATE_DEVICE.
const (
	kvmDevTypeVfio      = 4
	kvmDevTypeArmVgicV2 = 5
	kvmDevTypeArmVgicV3 = 7
)

// vGIC device attribute groups.
const (
	kvmDevArmVgicGrpAddr     = 0
	kvmDevArmVgicGrpDistRegs = 1
	kvmDevArmVgicGrpNrIrqs   = 3
	kvmDevArmVgicGrpCtrl     = 4
)

const kvmDevArmVgicCtrlInit = 0

const (
	kvmVgicV2AddrTypeDist = 0
	kvmVgicV2AddrTypeCpu  = 1

	kvmVgicV3AddrTypeDist   = 2
	kvmVgicV3AddrTypeRedist = 3
)

// IRQ routing entry types.
const (
	kvmIrqRoutingTypeIrqchip = 1
	kvmIrqRoutingTypeMsi     = 2
)

// Entry flag marking the devid field of an MSI route as meaningful, as a
// GICv3 ITS requires.
const kvmMsiValidDevid = 1 << 0

const irqChipIOAPIC = 2

// Ioeventfd flags.
const (
	kvmIoeventfdFlagDatamatch = 1 << 0
	kvmIoeventfdFlagPio       = 1 << 1
	kvmIoeventfdFlagDeassign  = 1 << 2
)

// Irqfd flags.
const kvmIrqfdFlagDeassign = 1 << 0

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

// System event subtypes for KVM_EXIT_SYSTEM_EVENT.
const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
)
