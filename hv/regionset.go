package hv

import (
	"sort"
	"sync"
)

const pageSize = 0x1000

// RegionSet tracks the guest memory regions registered with a Vm and
// assigns each one a backend memory slot. It enforces the non-overlap and
// page-alignment invariants before any kernel call is made, so a rejected
// region never mutates the set.
//
// Backends own a RegionSet per Vm; they reserve a slot with Add, issue the
// kernel call, and roll back with Drop if the call fails.
type RegionSet struct {
	mu       sync.Mutex
	maxSlots int
	regions  map[uint32]UserMemoryRegion
}

// NewRegionSet creates a RegionSet bounded by the backend's memory slot
// capability.
func NewRegionSet(maxSlots int) *RegionSet {
	return &RegionSet{
		maxSlots: maxSlots,
		regions:  make(map[uint32]UserMemoryRegion),
	}
}

// Add validates region and inserts it, returning the slot assigned to it.
// On any error the set is unchanged.
func (s *RegionSet) Add(region UserMemoryRegion) (uint32, error) {
	if region.GuestPhysAddr%pageSize != 0 || region.Size == 0 || region.Size%pageSize != 0 ||
		region.UserspaceAddr%pageSize != 0 {
		return 0, ErrRegionMisaligned
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.regions {
		if region.overlaps(existing) {
			return 0, ErrRegionOverlap
		}
	}

	slot, ok := s.freeSlot()
	if !ok {
		return 0, ErrNoFreeMemslot
	}

	s.regions[slot] = region
	return slot, nil
}

// Remove deletes the region matching the given descriptor exactly and
// returns the slot it occupied.
func (s *RegionSet) Remove(region UserMemoryRegion) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, existing := range s.regions {
		if existing == region {
			delete(s.regions, slot)
			return slot, nil
		}
	}

	return 0, ErrRegionNotFound
}

// Slot returns the slot assigned to a registered region.
func (s *RegionSet) Slot(region UserMemoryRegion) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, existing := range s.regions {
		if existing == region {
			return slot, true
		}
	}

	return 0, false
}

// Drop removes the region in slot without validation. Used to roll back a
// reservation after a failed kernel call.
func (s *RegionSet) Drop(slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, slot)
}

// Restore re-inserts a region into a specific slot, rolling back a failed
// removal.
func (s *RegionSet) Restore(slot uint32, region UserMemoryRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[slot] = region
}

// Regions returns the registered regions ordered by guest-physical start
// address.
func (s *RegionSet) Regions() []UserMemoryRegion {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UserMemoryRegion, 0, len(s.regions))
	for _, region := range s.regions {
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GuestPhysAddr < out[j].GuestPhysAddr
	})

	return out
}

// Len returns the number of registered regions.
func (s *RegionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

// freeSlot returns the lowest unused slot number. Caller holds s.mu.
func (s *RegionSet) freeSlot() (uint32, bool) {
	for slot := uint32(0); int(slot) < s.maxSlots; slot++ {
		if _, used := s.regions[slot]; !used {
			return slot, true
		}
	}
	return 0, false
}
