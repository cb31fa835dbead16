//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hvlib/hv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type virtualMachine struct {
	hv *hypervisor
	fd int

	mu      sync.Mutex
	state   hv.VmState
	vcpus   map[int]*virtualCPU
	devices []*device
	paused  atomic.Bool

	regions *hv.RegionSet
	routing hv.RoutingTable

	// arm64 in-kernel interrupt controller, when one has been created
	// through CreateDevice. Tracked for snapshot capture.
	gic        *device
	gicNumIrqs uint32
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

// markRunning flips a freshly created or resumed Vm into the running state
// the first time one of its Vcpus enters the guest.
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

	vcpuFd, err := createVCPU(v.fd, index)
	if err != nil {
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: err}
	}

	mmapSize, err := getVcpuMmapSize(v.hv.fd)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, &hv.VcpuError{Index: index, Op: "get run mmap size", Err: err}
	}

	run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, &hv.VcpuError{Index: index, Op: "mmap run page", Err: err}
	}

	vcpu := &virtualCPU{
		vm:    v,
		index: index,
		fd:    vcpuFd,
		run:   run,
	}
	vcpu.cond = sync.NewCond(&vcpu.mu)

	if err := archVcpuInit(v, vcpu); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, err
	}

	v.mu.Lock()
	// Re-check under the lock; a racing CreateVcpu may have won.
	if _, exists := v.vcpus[index]; exists {
		v.mu.Unlock()
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, &hv.VcpuError{Index: index, Op: "create", Err: hv.ErrVcpuIndexInUse}
	}
	v.vcpus[index] = vcpu
	v.mu.Unlock()

	return vcpu, nil
}

func (v *virtualMachine) CreateDevice(cfg hv.CreateDevice) (hv.Device, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "create device", Err: hv.ErrVmDestroyed}
	}

	devType, ok := archDeviceType(cfg.Kind)
	if !ok {
		return nil, &hv.DeviceError{Kind: cfg.Kind, Op: "create", Err: hv.ErrDeviceKindUnsupported}
	}

	// Probe with the test flag first: a kernel without this device type
	// reports ENODEV without creating anything.
	probe := kvmCreateDeviceData{Type: devType, Flags: kvmCreateDeviceTest}
	if err := createDevice(v.fd, &probe); err != nil {
		if err == unix.ENODEV {
			err = hv.ErrDeviceKindUnsupported
		}
		return nil, &hv.DeviceError{Kind: cfg.Kind, Op: "create", Err: err}
	}

	args := kvmCreateDeviceData{Type: devType, Flags: cfg.Flags}
	if err := createDevice(v.fd, &args); err != nil {
		return nil, &hv.DeviceError{Kind: cfg.Kind, Op: "create", Err: err}
	}

	dev := &device{vm: v, fd: int(args.Fd), kind: cfg.Kind}

	v.mu.Lock()
	v.devices = append(v.devices, dev)
	if cfg.Kind == hv.DeviceArmVgicV2 || cfg.Kind == hv.DeviceArmVgicV3 {
		v.gic = dev
	}
	v.mu.Unlock()

	return dev, nil
}

func (v *virtualMachine) SetUserMemoryRegion(region hv.UserMemoryRegion) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set user memory region", Err: hv.ErrVmDestroyed}
	}

	slot, err := v.regions.Add(region)
	if err != nil {
		return &hv.VmError{Op: "set user memory region", Err: err}
	}

	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         regionFlags(region.Flags),
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
		UserspaceAddr: region.UserspaceAddr,
	}); err != nil {
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

	// A slot is deleted by registering it again with a zero size.
	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    0,
		UserspaceAddr: region.UserspaceAddr,
	}); err != nil {
		v.regions.Restore(slot, region)
		return &hv.VmError{Op: "remove user memory region", Err: err}
	}

	return nil
}

func (v *virtualMachine) MemoryRegions() []hv.UserMemoryRegion {
	return v.regions.Regions()
}

func (v *virtualMachine) GetDirtyLog(region hv.UserMemoryRegion) ([]uint64, error) {
	if v.destroyed() {
		return nil, &hv.VmError{Op: "get dirty log", Err: hv.ErrVmDestroyed}
	}

	slot, ok := v.regions.Slot(region)
	if !ok {
		return nil, &hv.VmError{Op: "get dirty log", Err: hv.ErrRegionNotFound}
	}

	// One bit per guest page, rounded up to whole words.
	pages := region.Size / 0x1000
	bitmap := make([]uint64, (pages+63)/64)

	log := kvmDirtyLog{
		Slot:   slot,
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	err := getDirtyLog(v.fd, &log)
	runtime.KeepAlive(bitmap)
	if err != nil {
		return nil, &hv.VmError{Op: "get dirty log", Err: err}
	}

	return bitmap, nil
}

func (v *virtualMachine) SetIrqRouting(entries []hv.IrqRoutingEntry) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set irq routing", Err: hv.ErrVmDestroyed}
	}

	if err := hv.ValidateRouting(entries); err != nil {
		return &hv.VmError{Op: "set irq routing", Err: err}
	}

	kernelEntries := make([]kvmIrqRoutingEntry, len(entries))
	for i, entry := range entries {
		encoded, err := encodeRoutingEntry(entry)
		if err != nil {
			return &hv.VmError{
				Op:  "set irq routing",
				Err: &hv.RoutingEntryError{Index: i, Gsi: entry.Gsi, Err: err},
			}
		}
		kernelEntries[i] = encoded
	}

	if err := setGsiRouting(v.fd, kernelEntries); err != nil {
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
	return v.ioEvent("unregister ioevent", addr, match, eventFd, kvmIoeventfdFlagDeassign)
}

func (v *virtualMachine) ioEvent(op string, addr hv.IoEventAddress, match hv.DataMatch, eventFd int, flags uint32) error {
	if v.destroyed() {
		return &hv.VmError{Op: op, Err: hv.ErrVmDestroyed}
	}

	if addr.Kind == hv.IoEventPio {
		flags |= kvmIoeventfdFlagPio
	}
	if match.Length > 0 {
		flags |= kvmIoeventfdFlagDatamatch
	}

	args := kvmIoeventfdData{
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
	return v.irqFd("unregister irqfd", eventFd, gsi, kvmIrqfdFlagDeassign)
}

func (v *virtualMachine) irqFd(op string, eventFd int, gsi uint32, flags uint32) error {
	if v.destroyed() {
		return &hv.VmError{Op: op, Err: hv.ErrVmDestroyed}
	}

	args := kvmIrqfdData{
		Fd:    uint32(eventFd),
		Gsi:   gsi,
		Flags: flags,
	}
	if err := irqfd(v.fd, &args); err != nil {
		return &hv.VmError{Op: op, Err: err}
	}

	return nil
}

func (v *virtualMachine) SignalMsi(msi hv.MsiIrqSourceConfig) error {
	if v.destroyed() {
		return &hv.VmError{Op: "signal msi", Err: hv.ErrVmDestroyed}
	}

	kernelMsi := kvmMSI{
		AddressLo: msi.AddressLo,
		AddressHi: msi.AddressHi,
		Data:      msi.Data,
		Flags:     msi.Flags,
		Devid:     msi.DeviceId,
	}
	if err := signalMsi(v.fd, &kernelMsi); err != nil {
		return &hv.VmError{Op: "signal msi", Err: err}
	}

	return nil
}

// SetIrqLine asserts or deasserts a line of the in-kernel interrupt
// controller. Level-triggered sources must deassert after the guest acks.
func (v *virtualMachine) SetIrqLine(irq uint32, level bool) error {
	if v.destroyed() {
		return &hv.VmError{Op: "set irq line", Err: hv.ErrVmDestroyed}
	}

	if err := irqLevel(v.fd, irq, level); err != nil {
		return &hv.VmError{Op: "set irq line", Err: err}
	}

	return nil
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

	clock, err := archCaptureClock(v)
	if err != nil {
		return nil, err
	}
	snap.Clock = clock

	gic, err := archCaptureGic(v)
	if err != nil {
		return nil, err
	}
	snap.Gic = gic

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

	if snap.Gic != nil {
		if err := archRestoreGic(v, snap.Gic); err != nil {
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

	if snap.Clock != nil {
		if err := archRestoreClock(v, snap.Clock); err != nil {
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
	devices := v.devices
	v.devices = nil
	v.mu.Unlock()

	v.paused.Store(true)

	for _, vcpu := range vcpus {
		if err := vcpu.closeLocked(); err != nil {
			slog.Error("kvm: close vcpu", "index", vcpu.index, "error", err)
		}
	}
	for _, dev := range devices {
		if err := dev.Close(); err != nil {
			slog.Error("kvm: close device", "kind", dev.kind, "error", err)
		}
	}

	if err := unix.Close(v.fd); err != nil {
		return &hv.VmError{Op: "close", Err: err}
	}

	return nil
}

func regionFlags(flags hv.MemoryRegionFlags) uint32 {
	var out uint32
	if flags&hv.MemoryRegionLogDirtyPages != 0 {
		out |= kvmMemLogDirtyPages
	}
	if flags&hv.MemoryRegionReadOnly != 0 {
		out |= kvmMemReadonly
	}
	return out
}

// encodeRoutingEntry translates a routing entry into the kernel's 48-byte
// representation, overlaying the per-type payload on the union bytes.
func encodeRoutingEntry(entry hv.IrqRoutingEntry) (kvmIrqRoutingEntry, error) {
	out := kvmIrqRoutingEntry{Gsi: entry.Gsi}

	switch cfg := entry.Config.(type) {
	case hv.LegacyIrqSourceConfig:
		out.Type = kvmIrqRoutingTypeIrqchip
		chip := (*kvmIrqRoutingIrqchip)(unsafe.Pointer(&out.U[0]))
		chip.Irqchip = cfg.IrqChip
		chip.Pin = cfg.Pin
	case hv.MsiIrqSourceConfig:
		out.Type = kvmIrqRoutingTypeMsi
		msi := (*kvmIrqRoutingMsi)(unsafe.Pointer(&out.U[0]))
		msi.AddressLo = cfg.AddressLo
		msi.AddressHi = cfg.AddressHi
		msi.Data = cfg.Data
		msi.Devid = cfg.DeviceId
		if cfg.DeviceId != 0 {
			out.Flags = kvmMsiValidDevid
		}
	default:
		return out, fmt.Errorf("unsupported interrupt source config %T", entry.Config)
	}

	return out, nil
}

var _ hv.Vm = &virtualMachine{}
