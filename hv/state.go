package hv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// State blob wire format constants. Every blob starts with
// {magic, version, backend, arch}; a blob whose backend/arch tags do not
// match the live Hypervisor is rejected with ErrStateMismatch rather than
// reinterpreted.
const (
	stateMagic   uint32 = 0x48565354 // "HVST"
	stateVersion uint32 = 1
)

const (
	wireBackendInvalid uint32 = 0
	wireBackendKVM     uint32 = 1
	wireBackendMSHV    uint32 = 2
)

const (
	wireArchInvalid uint32 = 0
	wireArchX86_64  uint32 = 1
	wireArchARM64   uint32 = 2
)

func backendToWire(b BackendKind) uint32 {
	switch b {
	case BackendKVM:
		return wireBackendKVM
	case BackendMSHV:
		return wireBackendMSHV
	default:
		return wireBackendInvalid
	}
}

func wireToBackend(w uint32) BackendKind {
	switch w {
	case wireBackendKVM:
		return BackendKVM
	case wireBackendMSHV:
		return BackendMSHV
	default:
		return BackendInvalid
	}
}

func archToWire(a CpuArchitecture) uint32 {
	switch a {
	case ArchitectureX86_64:
		return wireArchX86_64
	case ArchitectureARM64:
		return wireArchARM64
	default:
		return wireArchInvalid
	}
}

func wireToArch(w uint32) CpuArchitecture {
	switch w {
	case wireArchX86_64:
		return ArchitectureX86_64
	case wireArchARM64:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

func writeStateHeader(w io.Writer, backend BackendKind, arch CpuArchitecture) error {
	for _, v := range []uint32{stateMagic, stateVersion, backendToWire(backend), archToWire(arch)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readStateHeader(r io.Reader) (BackendKind, CpuArchitecture, error) {
	var magic, version, backend, arch uint32
	for _, p := range []*uint32{&magic, &version, &backend, &arch} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return BackendInvalid, ArchitectureInvalid, err
		}
	}

	if magic != stateMagic {
		return BackendInvalid, ArchitectureInvalid,
			fmt.Errorf("invalid state magic: expected %#x, got %#x", stateMagic, magic)
	}
	if version != stateVersion {
		return BackendInvalid, ArchitectureInvalid,
			fmt.Errorf("unsupported state version %d", version)
	}

	return wireToBackend(backend), wireToArch(arch), nil
}

// CpuState is the complete execution state of one Vcpu as captured by its
// backend: every register and control field the backend needs to resume
// bit-identically. The payload layout is owned by the backend that wrote
// it; the monitor treats the blob as opaque.
type CpuState struct {
	Backend BackendKind
	Arch    CpuArchitecture
	Data    []byte
}

// Matches reports ErrStateMismatch unless the blob was produced by the
// given backend/architecture combination.
func (s *CpuState) Matches(backend BackendKind, arch CpuArchitecture) error {
	if s.Backend != backend || s.Arch != arch {
		return fmt.Errorf("%w: blob is %s/%s, live is %s/%s",
			ErrStateMismatch, s.Backend, s.Arch, backend, arch)
	}
	return nil
}

func (s *CpuState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeStateHeader(&buf, s.Backend, s.Arch); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, s.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *CpuState) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	backend, arch, err := readStateHeader(r)
	if err != nil {
		return err
	}

	payload, err := readBytes(r)
	if err != nil {
		return err
	}

	s.Backend = backend
	s.Arch = arch
	s.Data = payload
	return nil
}

// GicRegister is one saved register of an in-kernel GIC.
type GicRegister struct {
	Offset uint32
	Value  uint32
}

// GicState is a snapshot of an in-kernel ARM interrupt controller, used
// only for save/restore.
type GicState struct {
	Backend BackendKind
	Arch    CpuArchitecture
	Model   IrqChipModel
	NumIrqs uint32
	Dist    []GicRegister
}

func (s *GicState) Matches(backend BackendKind, arch CpuArchitecture) error {
	if s.Backend != backend || s.Arch != arch {
		return fmt.Errorf("%w: blob is %s/%s, live is %s/%s",
			ErrStateMismatch, s.Backend, s.Arch, backend, arch)
	}
	return nil
}

func (s *GicState) writeTo(w io.Writer) error {
	if err := writeStateHeader(w, s.Backend, s.Arch); err != nil {
		return err
	}
	if err := writeBytes(w, []byte(s.Model)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.NumIrqs); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.Dist))); err != nil {
		return err
	}
	for _, reg := range s.Dist {
		if err := binary.Write(w, binary.LittleEndian, reg); err != nil {
			return err
		}
	}
	return nil
}

func readGicState(r *bytes.Reader) (*GicState, error) {
	backend, arch, err := readStateHeader(r)
	if err != nil {
		return nil, err
	}

	model, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	s := &GicState{
		Backend: backend,
		Arch:    arch,
		Model:   IrqChipModel(model),
	}

	if err := binary.Read(r, binary.LittleEndian, &s.NumIrqs); err != nil {
		return nil, err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if err := checkedCount(r, count, 8); err != nil {
		return nil, err
	}
	s.Dist = make([]GicRegister, count)
	for i := range s.Dist {
		if err := binary.Read(r, binary.LittleEndian, &s.Dist[i]); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// ClockData is a snapshot of the guest clock, used only for save/restore.
type ClockData struct {
	Backend  BackendKind
	Arch     CpuArchitecture
	Clock    uint64
	Flags    uint32
	Realtime uint64
	HostTsc  uint64
}

func (c *ClockData) Matches(backend BackendKind, arch CpuArchitecture) error {
	if c.Backend != backend || c.Arch != arch {
		return fmt.Errorf("%w: blob is %s/%s, live is %s/%s",
			ErrStateMismatch, c.Backend, c.Arch, backend, arch)
	}
	return nil
}

func (c *ClockData) writeTo(w io.Writer) error {
	if err := writeStateHeader(w, c.Backend, c.Arch); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.Clock); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.Flags); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, c.Realtime); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, c.HostTsc)
}

func readClockData(r io.Reader) (*ClockData, error) {
	backend, arch, err := readStateHeader(r)
	if err != nil {
		return nil, err
	}

	c := &ClockData{Backend: backend, Arch: arch}
	if err := binary.Read(r, binary.LittleEndian, &c.Clock); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Flags); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Realtime); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.HostTsc); err != nil {
		return nil, err
	}
	return c, nil
}

// VmSnapshot is the whole-VM state blob produced by Vm.Save: the memory
// region set, the IRQ routing table, every Vcpu's CpuState, and the clock
// and interrupt-controller state where the backend/architecture has them.
// Guest memory contents are not included; the host backing memory belongs
// to the monitor.
type VmSnapshot struct {
	Backend BackendKind
	Arch    CpuArchitecture

	Regions []UserMemoryRegion
	Routing []IrqRoutingEntry
	Vcpus   map[int]*CpuState
	Clock   *ClockData
	Gic     *GicState
}

// Matches reports ErrStateMismatch unless the snapshot was produced by the
// given backend/architecture combination.
func (s *VmSnapshot) Matches(backend BackendKind, arch CpuArchitecture) error {
	if s.Backend != backend || s.Arch != arch {
		return fmt.Errorf("%w: snapshot is %s/%s, live is %s/%s",
			ErrStateMismatch, s.Backend, s.Arch, backend, arch)
	}
	return nil
}

func (s *VmSnapshot) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeStateHeader(&buf, s.Backend, s.Arch); err != nil {
		return nil, err
	}

	// Memory regions
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(s.Regions))); err != nil {
		return nil, err
	}
	for _, region := range s.Regions {
		if err := binary.Write(&buf, binary.LittleEndian, region.GuestPhysAddr); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, region.Size); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, region.UserspaceAddr); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(region.Flags)); err != nil {
			return nil, err
		}
	}

	// IRQ routing table
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(s.Routing))); err != nil {
		return nil, err
	}
	for _, entry := range s.Routing {
		if err := writeRoutingEntry(&buf, entry); err != nil {
			return nil, err
		}
	}

	// vCPU states in index order
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(s.Vcpus))); err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(s.Vcpus))
	for index := range s.Vcpus {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	for _, index := range indices {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(index)); err != nil {
			return nil, err
		}
		state, err := s.Vcpus[index].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal vcpu %d state: %w", index, err)
		}
		if err := writeBytes(&buf, state); err != nil {
			return nil, err
		}
	}

	// Optional clock data
	if err := writePresence(&buf, s.Clock != nil); err != nil {
		return nil, err
	}
	if s.Clock != nil {
		if err := s.Clock.writeTo(&buf); err != nil {
			return nil, err
		}
	}

	// Optional GIC state
	if err := writePresence(&buf, s.Gic != nil); err != nil {
		return nil, err
	}
	if s.Gic != nil {
		if err := s.Gic.writeTo(&buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (s *VmSnapshot) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	backend, arch, err := readStateHeader(r)
	if err != nil {
		return err
	}
	s.Backend = backend
	s.Arch = arch

	var regionCount uint32
	if err := binary.Read(r, binary.LittleEndian, &regionCount); err != nil {
		return err
	}
	if err := checkedCount(r, regionCount, 28); err != nil {
		return err
	}
	s.Regions = make([]UserMemoryRegion, regionCount)
	for i := range s.Regions {
		var flags uint32
		if err := binary.Read(r, binary.LittleEndian, &s.Regions[i].GuestPhysAddr); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.Regions[i].Size); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &s.Regions[i].UserspaceAddr); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return err
		}
		s.Regions[i].Flags = MemoryRegionFlags(flags)
	}

	var routingCount uint32
	if err := binary.Read(r, binary.LittleEndian, &routingCount); err != nil {
		return err
	}
	// Shortest encoded entry: a 4-byte GSI, a kind byte and a legacy
	// chip/pin pair.
	if err := checkedCount(r, routingCount, 13); err != nil {
		return err
	}
	s.Routing = make([]IrqRoutingEntry, routingCount)
	for i := range s.Routing {
		entry, err := readRoutingEntry(r)
		if err != nil {
			return err
		}
		s.Routing[i] = entry
	}

	var vcpuCount uint32
	if err := binary.Read(r, binary.LittleEndian, &vcpuCount); err != nil {
		return err
	}
	s.Vcpus = make(map[int]*CpuState, vcpuCount)
	for i := uint32(0); i < vcpuCount; i++ {
		var index uint32
		if err := binary.Read(r, binary.LittleEndian, &index); err != nil {
			return err
		}
		blob, err := readBytes(r)
		if err != nil {
			return err
		}
		state := &CpuState{}
		if err := state.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("unmarshal vcpu %d state: %w", index, err)
		}
		s.Vcpus[int(index)] = state
	}

	present, err := readPresence(r)
	if err != nil {
		return err
	}
	if present {
		if s.Clock, err = readClockData(r); err != nil {
			return err
		}
	} else {
		s.Clock = nil
	}

	present, err = readPresence(r)
	if err != nil {
		return err
	}
	if present {
		if s.Gic, err = readGicState(r); err != nil {
			return err
		}
	} else {
		s.Gic = nil
	}

	return nil
}

const (
	wireIrqSourceLegacy uint8 = 1
	wireIrqSourceMsi    uint8 = 2
)

func writeRoutingEntry(w io.Writer, entry IrqRoutingEntry) error {
	if err := binary.Write(w, binary.LittleEndian, entry.Gsi); err != nil {
		return err
	}

	switch cfg := entry.Config.(type) {
	case LegacyIrqSourceConfig:
		if err := binary.Write(w, binary.LittleEndian, wireIrqSourceLegacy); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cfg.IrqChip); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, cfg.Pin)
	case MsiIrqSourceConfig:
		if err := binary.Write(w, binary.LittleEndian, wireIrqSourceMsi); err != nil {
			return err
		}
		for _, v := range []uint32{cfg.AddressLo, cfg.AddressHi, cfg.Data, cfg.Flags, cfg.DeviceId} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported interrupt source config %T", entry.Config)
	}
}

func readRoutingEntry(r io.Reader) (IrqRoutingEntry, error) {
	var entry IrqRoutingEntry
	if err := binary.Read(r, binary.LittleEndian, &entry.Gsi); err != nil {
		return entry, err
	}

	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return entry, err
	}

	switch kind {
	case wireIrqSourceLegacy:
		var cfg LegacyIrqSourceConfig
		if err := binary.Read(r, binary.LittleEndian, &cfg.IrqChip); err != nil {
			return entry, err
		}
		if err := binary.Read(r, binary.LittleEndian, &cfg.Pin); err != nil {
			return entry, err
		}
		entry.Config = cfg
	case wireIrqSourceMsi:
		var cfg MsiIrqSourceConfig
		for _, p := range []*uint32{&cfg.AddressLo, &cfg.AddressHi, &cfg.Data, &cfg.Flags, &cfg.DeviceId} {
			if err := binary.Read(r, binary.LittleEndian, p); err != nil {
				return entry, err
			}
		}
		entry.Config = cfg
	default:
		return entry, fmt.Errorf("unknown interrupt source kind %d", kind)
	}

	return entry, nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if err := checkedCount(r, length, 1); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkedCount bounds a count prefix read from an untrusted blob: count
// elements of at least elemSize encoded bytes each must still fit in the
// reader. Checking before allocating keeps a corrupt prefix from driving
// a huge allocation.
func checkedCount(r *bytes.Reader, count uint32, elemSize int) error {
	if int64(count)*int64(elemSize) > int64(r.Len()) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func writePresence(w io.Writer, present bool) error {
	var b uint8
	if present {
		b = 1
	}
	return binary.Write(w, binary.LittleEndian, b)
}

func readPresence(r io.Reader) (bool, error) {
	var b uint8
	if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
		return false, err
	}
	return b != 0, nil
}
