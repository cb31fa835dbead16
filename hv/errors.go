package hv

import (
	"errors"
	"fmt"
)

var (
	ErrHypervisorUnsupported = errors.New("hv: no hypervisor backend supported on this platform")

	ErrVmDestroyed = errors.New("hv: virtual machine destroyed")
	ErrVcpuBusy    = errors.New("hv: vcpu is already running on another thread")

	ErrRegionMisaligned = errors.New("hv: memory region is not page-aligned")
	ErrRegionOverlap    = errors.New("hv: memory region overlaps a registered region")
	ErrRegionNotFound   = errors.New("hv: memory region is not registered")
	ErrNoFreeMemslot    = errors.New("hv: no free memory slot")

	ErrVcpuIndexInUse   = errors.New("hv: vcpu index already in use")
	ErrVcpuOverCapacity = errors.New("hv: vcpu index exceeds the backend vcpu limit")

	ErrDeviceKindUnsupported = errors.New("hv: device kind not supported by this backend")
	ErrAttrUnsupported       = errors.New("hv: device attribute not supported")

	ErrRoutingUnsupported = errors.New("hv: interrupt source kind not supported by this backend")

	ErrStateMismatch = errors.New("hv: state blob does not match the live backend/architecture")
)

// HypervisorError wraps a failure of a Hypervisor-level operation. Err
// preserves the originating kernel error code where one exists.
type HypervisorError struct {
	Op  string
	Err error
}

func (e *HypervisorError) Error() string { return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err) }
func (e *HypervisorError) Unwrap() error { return e.Err }

// VmError wraps a failure of a Vm-level operation.
type VmError struct {
	Op  string
	Err error
}

func (e *VmError) Error() string { return fmt.Sprintf("vm: %s: %v", e.Op, e.Err) }
func (e *VmError) Unwrap() error { return e.Err }

// VcpuError wraps a failure of a Vcpu-level operation.
type VcpuError struct {
	Index int
	Op    string
	Err   error
}

func (e *VcpuError) Error() string { return fmt.Sprintf("vcpu %d: %s: %v", e.Index, e.Op, e.Err) }
func (e *VcpuError) Unwrap() error { return e.Err }

// DeviceError wraps a failure of a Device-level operation.
type DeviceError struct {
	Kind DeviceKind
	Op   string
	Err  error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("device %s: %s: %v", e.Kind, e.Op, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// RoutingEntryError reports the first invalid entry of a rejected IRQ
// routing table. The previously-installed table remains in effect.
type RoutingEntryError struct {
	Index int
	Gsi   uint32
	Err   error
}

func (e *RoutingEntryError) Error() string {
	return fmt.Sprintf("irq routing entry %d (gsi %d): %v", e.Index, e.Gsi, e.Err)
}

func (e *RoutingEntryError) Unwrap() error { return e.Err }
