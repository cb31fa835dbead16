package hv

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCpuStateRoundTrip(t *testing.T) {
	state := &CpuState{
		Backend: BackendKVM,
		Arch:    ArchitectureX86_64,
		Data:    []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
	}

	blob, err := state.MarshalBinary()
	require.NoError(t, err)

	var restored CpuState
	require.NoError(t, restored.UnmarshalBinary(blob))
	assert.Equal(t, state.Backend, restored.Backend)
	assert.Equal(t, state.Arch, restored.Arch)
	assert.Equal(t, state.Data, restored.Data)
}

func TestCpuStateMatches(t *testing.T) {
	state := &CpuState{Backend: BackendKVM, Arch: ArchitectureARM64}

	assert.NoError(t, state.Matches(BackendKVM, ArchitectureARM64))
	assert.ErrorIs(t, state.Matches(BackendMSHV, ArchitectureARM64), ErrStateMismatch)
	assert.ErrorIs(t, state.Matches(BackendKVM, ArchitectureX86_64), ErrStateMismatch)
}

func TestCpuStateRejectsBadMagic(t *testing.T) {
	state := &CpuState{Backend: BackendKVM, Arch: ArchitectureX86_64, Data: []byte{1}}
	blob, err := state.MarshalBinary()
	require.NoError(t, err)

	blob[0] ^= 0xff

	var restored CpuState
	assert.Error(t, restored.UnmarshalBinary(blob))
}

func TestCpuStateRejectsTruncated(t *testing.T) {
	state := &CpuState{Backend: BackendKVM, Arch: ArchitectureX86_64, Data: make([]byte, 64)}
	blob, err := state.MarshalBinary()
	require.NoError(t, err)

	var restored CpuState
	assert.Error(t, restored.UnmarshalBinary(blob[:len(blob)-8]))
}

func TestCpuStateRejectsOversizedLength(t *testing.T) {
	state := &CpuState{Backend: BackendKVM, Arch: ArchitectureX86_64, Data: []byte{1, 2, 3}}
	blob, err := state.MarshalBinary()
	require.NoError(t, err)

	// The payload length prefix sits after the 16-byte header. A length
	// far past the end of the blob must fail before anything is allocated
	// for it.
	binary.LittleEndian.PutUint32(blob[16:], 0xfffffff0)

	var restored CpuState
	assert.Error(t, restored.UnmarshalBinary(blob))
}

func TestVmSnapshotRejectsOversizedCounts(t *testing.T) {
	snapshot := &VmSnapshot{
		Backend: BackendKVM,
		Arch:    ArchitectureX86_64,
		Regions: []UserMemoryRegion{{Size: 0x10000, UserspaceAddr: 0x7f0000000000}},
		Routing: []IrqRoutingEntry{{Gsi: 0, Config: LegacyIrqSourceConfig{Pin: 0}}},
	}
	blob, err := snapshot.MarshalBinary()
	require.NoError(t, err)

	// Region count follows the header, routing count follows the one
	// 28-byte region record.
	for _, offset := range []int{16, 16 + 4 + 28} {
		corrupt := append([]byte(nil), blob...)
		binary.LittleEndian.PutUint32(corrupt[offset:], 0xfffffff0)

		var restored VmSnapshot
		assert.Error(t, restored.UnmarshalBinary(corrupt), "count at offset %d", offset)
	}
}

func TestVmSnapshotRoundTrip(t *testing.T) {
	snapshot := &VmSnapshot{
		Backend: BackendKVM,
		Arch:    ArchitectureX86_64,
		Regions: []UserMemoryRegion{
			{GuestPhysAddr: 0x0, Size: 0x10000, UserspaceAddr: 0x7f0000000000},
			{GuestPhysAddr: 0x100000, Size: 0x200000, UserspaceAddr: 0x7f0000100000,
				Flags: MemoryRegionLogDirtyPages},
		},
		Routing: []IrqRoutingEntry{
			{Gsi: 0, Config: LegacyIrqSourceConfig{IrqChip: 0, Pin: 0}},
			{Gsi: 24, Config: MsiIrqSourceConfig{
				AddressLo: 0xfee00000, AddressHi: 0, Data: 0x4021, DeviceId: 7,
			}},
		},
		Vcpus: map[int]*CpuState{
			0: {Backend: BackendKVM, Arch: ArchitectureX86_64, Data: []byte{1, 2, 3}},
			1: {Backend: BackendKVM, Arch: ArchitectureX86_64, Data: []byte{4, 5}},
		},
		Clock: &ClockData{
			Backend: BackendKVM,
			Arch:    ArchitectureX86_64,
			Clock:   123456789,
			Flags:   1,
		},
	}

	blob, err := snapshot.MarshalBinary()
	require.NoError(t, err)

	var restored VmSnapshot
	require.NoError(t, restored.UnmarshalBinary(blob))

	assert.Equal(t, snapshot.Backend, restored.Backend)
	assert.Equal(t, snapshot.Arch, restored.Arch)
	assert.Equal(t, snapshot.Regions, restored.Regions)
	assert.Equal(t, snapshot.Routing, restored.Routing)
	assert.Equal(t, snapshot.Vcpus, restored.Vcpus)
	assert.Equal(t, snapshot.Clock, restored.Clock)
	assert.Nil(t, restored.Gic)
}

func TestVmSnapshotRoundTripWithGic(t *testing.T) {
	snapshot := &VmSnapshot{
		Backend: BackendKVM,
		Arch:    ArchitectureARM64,
		Vcpus: map[int]*CpuState{
			0: {Backend: BackendKVM, Arch: ArchitectureARM64, Data: []byte{9}},
		},
		Gic: &GicState{
			Backend: BackendKVM,
			Arch:    ArchitectureARM64,
			Model:   IrqChipGICv3,
			NumIrqs: 96,
			Dist: []GicRegister{
				{Offset: 0x0, Value: 0x10},
				{Offset: 0x4, Value: 0x20},
			},
		},
	}

	blob, err := snapshot.MarshalBinary()
	require.NoError(t, err)

	var restored VmSnapshot
	require.NoError(t, restored.UnmarshalBinary(blob))

	require.NotNil(t, restored.Gic)
	assert.Equal(t, snapshot.Gic, restored.Gic)
	assert.Nil(t, restored.Clock)
}

func TestVmSnapshotMatches(t *testing.T) {
	snapshot := &VmSnapshot{Backend: BackendMSHV, Arch: ArchitectureX86_64}

	assert.NoError(t, snapshot.Matches(BackendMSHV, ArchitectureX86_64))

	err := snapshot.Matches(BackendKVM, ArchitectureX86_64)
	assert.ErrorIs(t, err, ErrStateMismatch)

	err = snapshot.Matches(BackendMSHV, ArchitectureARM64)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestVmSnapshotEmpty(t *testing.T) {
	snapshot := &VmSnapshot{Backend: BackendKVM, Arch: ArchitectureX86_64}

	blob, err := snapshot.MarshalBinary()
	require.NoError(t, err)

	var restored VmSnapshot
	require.NoError(t, restored.UnmarshalBinary(blob))
	assert.Empty(t, restored.Regions)
	assert.Empty(t, restored.Routing)
	assert.Empty(t, restored.Vcpus)
}
