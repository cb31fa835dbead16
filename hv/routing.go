package hv

import (
	"errors"
	"sync"
)

var (
	errRoutingNilConfig    = errors.New("nil interrupt source config")
	errRoutingDuplicateGsi = errors.New("duplicate gsi")
)

// ValidateRouting checks a candidate routing table for structural errors
// common to all backends: nil source configs and duplicate GSIs. Backends
// layer their own constraints (supported source kinds, chip/pin ranges) on
// top, reporting failures with the same RoutingEntryError shape.
func ValidateRouting(entries []IrqRoutingEntry) error {
	seen := make(map[uint32]struct{}, len(entries))

	for i, entry := range entries {
		if entry.Config == nil {
			return &RoutingEntryError{Index: i, Gsi: entry.Gsi, Err: errRoutingNilConfig}
		}
		if _, dup := seen[entry.Gsi]; dup {
			return &RoutingEntryError{Index: i, Gsi: entry.Gsi, Err: errRoutingDuplicateGsi}
		}
		seen[entry.Gsi] = struct{}{}
	}

	return nil
}

// RoutingTable holds the IRQ routing table currently installed in the
// backend. Replace is called only after the kernel accepted the new table,
// so a failed SetIrqRouting leaves the previous table visible.
type RoutingTable struct {
	mu      sync.Mutex
	entries []IrqRoutingEntry
}

// Replace installs a copy of entries as the current table.
func (t *RoutingTable) Replace(entries []IrqRoutingEntry) {
	copied := make([]IrqRoutingEntry, len(entries))
	copy(copied, entries)

	t.mu.Lock()
	t.entries = copied
	t.mu.Unlock()
}

// Entries returns a copy of the current table.
func (t *RoutingTable) Entries() []IrqRoutingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]IrqRoutingEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
