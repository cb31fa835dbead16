//go:build linux && amd64

package mshv

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type virtualMachine struct {
	hv *hypervisor
	fd int

	mu     sync.Mutex
	state  hv.VmState
	vcpus  map[int]*virtualCPU
	paused atomic.Bool

	regions *hv.RegionSet
	routing hv.RoutingTable
}

func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) State() hv.VmState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *virtualMachine) destroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state == hv.VmStateDestroyed
}

func (v *virtualMachine) markRunning() {
	v.mu.Lock()
	if v.state == hv.VmStateCreated || v.state == hv.VmStatePaused {
		v.state = hv.VmStateRunning
	}
	v.mu.Unlock()
}

func (v *virtualMachine) CreateVcpu(index int) (hv.Vcpu, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "create vcpu", Err: hv.ErrVmDestroyed}
	}
	if index < 0 || index >= v.hv.caps.MaxVcpus {
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: hv.ErrVcpuOverCapacity}
	}

	v.mu.Lock()
	if _, exists := v.vcpus[index]; exists {
		v.mu.Unlock()
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: hv.ErrVcpuIndexInUse}
	}
	v.mu.Unlock()

	vpFd, err := createVp(v.fd, index)
	if err != nil {
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: err}
	}

	vcpu := &virtualCPU{
		vm:    v,
		index: index,
		fd:    vpFd,
	}
	vcpu.cond = sync.NewCond(&vcpu.mu)

	v.mu.Lock()
	// Re-check under the lock; a racing CreateVcpu may have won.
	if _, exists := v.vcpus[index]; exists {
		v.mu.Unlock()
		unix.Close(vpFd)
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: hv.ErrVcpuIndexInUse}
	}
	v.vcpus[index] = vcpu
	v.mu.Unlock()

	return vcpu, nil
}

// CreateDevice always fails: the mshv driver has no device fd facility;
// VFIO and the GIC models belong to other backends.
func (v *virtualMachine) CreateDevice(cfg hv.CreateDevice) (hv.Device, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "create device", Err: hv.ErrVmDestroyed}
	}
	return nil, &hv.DeviceError{Kind: cfg.Kind, Op: "create", Err: hv.ErrDeviceKindUnsupported}
}

func (v *virtualMachine) SetUserMemoryRegion(region hv.UserMemoryRegion) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set user memory region", Err: hv.ErrVmDestroyed}
	}

	slot, err := v.regions.Add(region)
	if err != nil {
		return &hv.VmError{Op: "set user memory region", Err: err}
	}

	if err := mapGuestMemory(v.fd, regionToKernel(region)); err != nil {
		v.regions.Drop(slot)
		return &hv.VmError{Op: "set user memory region", Err: err}
	}

	return nil
}

func (v *virtualMachine) RemoveUserMemoryRegion(region hv.UserMemoryRegion) error {
	if v.destroyed() {
		return &hv.VmError{Op: "remove user memory region", Err: hv.ErrVmDestroyed}
	}

	slot, err := v.regions.Remove(region)
	if err != nil {
		return &hv.VmError{Op: "remove user memory region", Err: err}
	}

	if err := unmapGuestMemory(v.fd, regionToKernel(region)); err != nil {
		v.regions.Restore(slot, region)
		return &hv.VmError{Op: "remove user memory region", Err: err}
	}

	return nil
}

func (v *virtualMachine) MemoryRegions() []hv.UserMemoryRegion {
	return v.regions.Regions()
}

// GetDirtyLog is not available on this backend; Capabilities.DirtyLogging
// reports false.
func (v *virtualMachine) GetDirtyLog(region hv.UserMemoryRegion) ([]uint64, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "get dirty log", Err: hv.ErrVmDestroyed}
	}
	return nil, &hv.VmError{Op: "get dirty log", Err: unix.EOPNOTSUPP}
}

// SetIrqRouting installs an MSI routing table. The partition has no
// emulated legacy interrupt controller, so legacy pin entries are rejected
// with their index.
func (v *virtualMachine) SetIrqRouting(entries []hv.IrqRoutingEntry) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set irq routing", Err: hv.ErrVmDestroyed}
	}

	if err := hv.ValidateRouting(entries); err != nil {
		return &hv.VmError{Op: "set irq routing", Err: err}
	}

	kernelEntries := make([]mshvMsiRoutingEntry, len(entries))
	for i, entry := range entries {
		msi, ok := entry.Config.(hv.MsiIrqSourceConfig)
		if !ok {
			return &hv.VmError{
				Op:  "set irq routing",
				Err: &hv.RoutingEntryError{Index: i, Gsi: entry.Gsi, Err: hv.ErrRoutingUnsupported},
			}
		}
		kernelEntries[i] = mshvMsiRoutingEntry{
			Gsi:       entry.Gsi,
			AddressLo: msi.AddressLo,
			AddressHi: msi.AddressHi,
			Data:      msi.Data,
		}
	}

	if err := setMsiRouting(v.fd, kernelEntries); err != nil {
		return &hv.VmError{Op: "set irq routing", Err: err}
	}

	v.routing.Replace(entries)
	return nil
}

func (v *virtualMachine) IrqRouting() []hv.IrqRoutingEntry {
	return v.routing.Entries()
}

func (v *virtualMachine) RegisterIoEvent(addr hv.IoEventAddress, match hv.DataMatch, eventFd int) error {
	return v.ioEvent("register ioevent", addr, match, eventFd, 0)
}

func (v *virtualMachine) UnregisterIoEvent(addr hv.IoEventAddress, match hv.DataMatch, eventFd int) error {
	return v.ioEvent("unregister ioevent", addr, match, eventFd, mshvIoeventfdFlagDeassign)
}

func (v *virtualMachine) ioEvent(op string, addr hv.IoEventAddress, match hv.DataMatch, eventFd int, flags uint32) error {
	if v.destroyed() {
		return &hv.VmError{Op: op, Err: hv.ErrVmDestroyed}
	}

	if addr.Kind == hv.IoEventPio {
		flags |= mshvIoeventfdFlagPio
	}
	if match.Length > 0 {
		flags |= mshvIoeventfdFlagDatamatch
	}

	args := mshvIoeventfdData{
		Datamatch: match.Value,
		Addr:      addr.Addr,
		Len:       match.Length,
		Fd:        int32(eventFd),
		Flags:     flags,
	}
	if err := ioeventfd(v.fd, &args); err != nil {
		return &hv.VmError{Op: op, Err: err}
	}

	return nil
}

func (v *virtualMachine) RegisterIrqFd(eventFd int, gsi uint32) error {
	return v.irqFd("register irqfd", eventFd, gsi, 0)
}

func (v *virtualMachine) UnregisterIrqFd(eventFd int, gsi uint32) error {
	return v.irqFd("unregister irqfd", eventFd, gsi, mshvIrqfdFlagDeassign)
}

func (v *virtualMachine) irqFd(op string, eventFd int, gsi uint32, flags uint32) error {
	if v.destroyed() {
		return &hv.VmError{Op: op, Err: hv.ErrVmDestroyed}
	}

	args := mshvIrqfdData{
		Fd:    int32(eventFd),
		Gsi:   gsi,
		Flags: flags,
	}
	if err := irqfd(v.fd, &args); err != nil {
		return &hv.VmError{Op: op, Err: err}
	}

	return nil
}

// SignalMsi unpacks the x86 MSI address/data encoding into a direct
// interrupt assertion: destination APIC ID from address bits 12:19, vector
// from data bits 0:7, trigger and destination modes from their flag bits.
func (v *virtualMachine) SignalMsi(msi hv.MsiIrqSourceConfig) error {
	if v.destroyed() {
		return &hv.VmError{Op: "signal msi", Err: hv.ErrVmDestroyed}
	}

	var control uint64 // hv_interrupt_control, type fixed
	if msi.Data&(1<<15) != 0 {
		control |= 1 << 32 // level triggered
	}
	if msi.AddressLo&(1<<2) != 0 {
		control |= 1 << 33 // logical destination mode
	}

	args := mshvAssertInterruptData{
		Control:  control,
		DestAddr: uint64(msi.AddressLo>>12) & 0xff,
		Vector:   msi.Data & 0xff,
	}
	if err := assertInterrupt(v.fd, &args); err != nil {
		return &hv.VmError{Op: "signal msi", Err: err}
	}

	return nil
}

// SetIrqLine is not available on this backend: the partition has no
// emulated legacy interrupt controller to assert a pin of.
func (v *virtualMachine) SetIrqLine(irq uint32, level bool) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set irq line", Err: hv.ErrVmDestroyed}
	}
	return &hv.VmError{Op: "set irq line", Err: unix.EOPNOTSUPP}
}

// Pause kicks every in-flight Vcpu out of the guest and waits until all of
// them have left Run. New Run calls return VmExitInterrupted without
// entering the guest until Resume.
func (v *virtualMachine) Pause() error {
	if v.destroyed() {
		return &hv.VmError{Op: "pause", Err: hv.ErrVmDestroyed}
	}

	v.paused.Store(true)

	v.mu.Lock()
	vcpus := make([]*virtualCPU, 0, len(v.vcpus))
	for _, vcpu := range v.vcpus {
		vcpus = append(vcpus, vcpu)
	}
	v.state = hv.VmStatePaused
	v.mu.Unlock()

	var g errgroup.Group
	for _, vcpu := range vcpus {
		vcpu := vcpu
		g.Go(func() error {
			if err := vcpu.Kick(); err != nil {
				return err
			}
			vcpu.waitIdle()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &hv.VmError{Op: "pause", Err: err}
	}

	return nil
}

func (v *virtualMachine) Resume() error {
	if v.destroyed() {
		return &hv.VmError{Op: "resume", Err: hv.ErrVmDestroyed}
	}

	v.mu.Lock()
	if v.state == hv.VmStatePaused || v.state == hv.VmStateSaved {
		v.state = hv.VmStateCreated
	}
	v.mu.Unlock()

	v.paused.Store(false)
	return nil
}

// Save pauses the Vm if it is not already paused and captures its complete
// state. The Vm stays paused afterwards; call Resume to continue it.
func (v *virtualMachine) Save() (*hv.VmSnapshot, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "save", Err: hv.ErrVmDestroyed}
	}

	if err := v.Pause(); err != nil {
		return nil, err
	}

	snap := &hv.VmSnapshot{
		Backend: v.hv.Backend(),
		Arch:    v.hv.Architecture(),
		Regions: v.regions.Regions(),
		Routing: v.routing.Entries(),
		Vcpus:   make(map[int]*hv.CpuState),
	}

	v.mu.Lock()
	vcpus := make(map[int]*virtualCPU, len(v.vcpus))
	for index, vcpu := range v.vcpus {
		vcpus[index] = vcpu
	}
	v.mu.Unlock()

	for index, vcpu := range vcpus {
		state, err := vcpu.State()
		if err != nil {
			return nil, err
		}
		snap.Vcpus[index] = state
	}

	v.mu.Lock()
	v.state = hv.VmStateSaved
	v.mu.Unlock()

	return snap, nil
}

// Restore applies a snapshot to a Vm whose Vcpus have already been created
// with the same indices the snapshot carries. The Vm is left paused.
func (v *virtualMachine) Restore(snap *hv.VmSnapshot) error {
	if v.destroyed() {
		return &hv.VmError{Op: "restore", Err: hv.ErrVmDestroyed}
	}

	if err := snap.Matches(v.hv.Backend(), v.hv.Architecture()); err != nil {
		return &hv.VmError{Op: "restore", Err: err}
	}
	// Snapshots taken here never carry clock or interrupt controller
	// blobs; their presence means the blob was not produced by this
	// backend.
	if snap.Clock != nil || snap.Gic != nil {
		return &hv.VmError{Op: "restore", Err: hv.ErrStateMismatch}
	}

	v.paused.Store(true)

	for _, region := range snap.Regions {
		if _, ok := v.regions.Slot(region); ok {
			continue
		}
		if err := v.SetUserMemoryRegion(region); err != nil {
			return err
		}
	}

	if len(snap.Routing) > 0 {
		if err := v.SetIrqRouting(snap.Routing); err != nil {
			return err
		}
	}

	v.mu.Lock()
	vcpus := make(map[int]*virtualCPU, len(v.vcpus))
	for index, vcpu := range v.vcpus {
		vcpus[index] = vcpu
	}
	v.mu.Unlock()

	for index, state := range snap.Vcpus {
		vcpu, ok := vcpus[index]
		if !ok {
			return &hv.VmError{
				Op:  "restore",
				Err: &hv.VcpuError{Index: index, Op: "restore", Err: hv.ErrVcpuIndexInUse},
			}
		}
		if err := vcpu.SetState(state); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.state = hv.VmStatePaused
	v.mu.Unlock()

	return nil
}

func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.state == hv.VmStateDestroyed {
		v.mu.Unlock()
		return nil
	}
	v.state = hv.VmStateDestroyed
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	v.paused.Store(true)

	for _, vcpu := range vcpus {
		if err := vcpu.closeLocked(); err != nil {
			slog.Error("mshv: close vcpu", "index", vcpu.index, "error", err)
		}
	}

	if err := unix.Close(v.fd); err != nil {
		return &hv.VmError{Op: "close", Err: err}
	}

	return nil
}

func regionToKernel(region hv.UserMemoryRegion) *mshvUserMemRegion {
	flags := uint8(mshvSetMemExecutable)
	if region.Flags&hv.MemoryRegionReadOnly == 0 {
		flags |= mshvSetMemWritable
	}
	return &mshvUserMemRegion{
		Size:          region.Size,
		GuestPfn:      region.GuestPhysAddr >> 12,
		UserspaceAddr: region.UserspaceAddr,
		Flags:         flags,
	}
}

var _ hv.Vm = &virtualMachine{}
