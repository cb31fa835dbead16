package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func region(gpa, size uint64) UserMemoryRegion {
	return UserMemoryRegion{GuestPhysAddr: gpa, Size: size, UserspaceAddr: 0x7f0000000000 + gpa}
}

func TestRegionSetAddAssignsLowestFreeSlot(t *testing.T) {
	set := NewRegionSet(8)

	slot0, err := set.Add(region(0x0, 0x1000))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot0)

	slot1, err := set.Add(region(0x10000, 0x1000))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), slot1)

	// Freeing the low slot makes it the next one handed out.
	_, err = set.Remove(region(0x0, 0x1000))
	require.NoError(t, err)

	slot, err := set.Add(region(0x20000, 0x1000))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), slot)
}

func TestRegionSetRejectsMisaligned(t *testing.T) {
	set := NewRegionSet(8)

	_, err := set.Add(region(0x123, 0x1000))
	assert.ErrorIs(t, err, ErrRegionMisaligned)

	_, err = set.Add(region(0x1000, 0x123))
	assert.ErrorIs(t, err, ErrRegionMisaligned)

	_, err = set.Add(UserMemoryRegion{GuestPhysAddr: 0x1000, Size: 0x1000, UserspaceAddr: 0x7})
	assert.ErrorIs(t, err, ErrRegionMisaligned)

	assert.Equal(t, 0, set.Len())
}

func TestRegionSetRejectsOverlap(t *testing.T) {
	set := NewRegionSet(8)

	_, err := set.Add(region(0x10000, 0x4000))
	require.NoError(t, err)

	for _, candidate := range []UserMemoryRegion{
		region(0x10000, 0x4000), // identical
		region(0x11000, 0x1000), // contained
		region(0xf000, 0x2000),  // straddles the start
		region(0x13000, 0x2000), // straddles the end
	} {
		_, err := set.Add(candidate)
		assert.ErrorIs(t, err, ErrRegionOverlap, "candidate %s", candidate)
	}

	// Touching regions do not overlap.
	_, err = set.Add(region(0x14000, 0x1000))
	assert.NoError(t, err)
	_, err = set.Add(region(0xe000, 0x2000))
	assert.NoError(t, err)
}

func TestRegionSetSlotExhaustion(t *testing.T) {
	set := NewRegionSet(2)

	_, err := set.Add(region(0x0, 0x1000))
	require.NoError(t, err)
	_, err = set.Add(region(0x2000, 0x1000))
	require.NoError(t, err)

	_, err = set.Add(region(0x4000, 0x1000))
	assert.ErrorIs(t, err, ErrNoFreeMemslot)
	assert.Equal(t, 2, set.Len())
}

func TestRegionSetRemoveRequiresExactMatch(t *testing.T) {
	set := NewRegionSet(8)

	_, err := set.Add(region(0x10000, 0x2000))
	require.NoError(t, err)

	_, err = set.Remove(region(0x10000, 0x1000))
	assert.ErrorIs(t, err, ErrRegionNotFound)

	_, err = set.Remove(region(0x10000, 0x2000))
	assert.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestRegionSetDropAndRestore(t *testing.T) {
	set := NewRegionSet(8)

	r := region(0x10000, 0x1000)
	slot, err := set.Add(r)
	require.NoError(t, err)

	// A failed kernel registration rolls the bookkeeping back.
	set.Drop(slot)
	assert.Equal(t, 0, set.Len())

	slot, err = set.Add(r)
	require.NoError(t, err)
	removed, err := set.Remove(r)
	require.NoError(t, err)
	require.Equal(t, slot, removed)

	// A failed kernel removal puts the region back under its old slot.
	set.Restore(slot, r)
	got, ok := set.Slot(r)
	require.True(t, ok)
	assert.Equal(t, slot, got)
}

func TestRegionSetRegionsSortedByAddress(t *testing.T) {
	set := NewRegionSet(8)

	for _, r := range []UserMemoryRegion{
		region(0x30000, 0x1000),
		region(0x10000, 0x1000),
		region(0x20000, 0x1000),
	} {
		_, err := set.Add(r)
		require.NoError(t, err)
	}

	regions := set.Regions()
	require.Len(t, regions, 3)
	assert.Equal(t, uint64(0x10000), regions[0].GuestPhysAddr)
	assert.Equal(t, uint64(0x20000), regions[1].GuestPhysAddr)
	assert.Equal(t, uint64(0x30000), regions[2].GuestPhysAddr)
}
