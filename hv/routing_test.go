package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRouting(t *testing.T) {
	err := ValidateRouting([]IrqRoutingEntry{
		{Gsi: 0, Config: LegacyIrqSourceConfig{IrqChip: 0, Pin: 0}},
		{Gsi: 24, Config: MsiIrqSourceConfig{AddressLo: 0xfee00000, Data: 0x20}},
	})
	assert.NoError(t, err)

	err = ValidateRouting([]IrqRoutingEntry{
		{Gsi: 1, Config: LegacyIrqSourceConfig{Pin: 1}},
		{Gsi: 2, Config: nil},
	})
	var entryErr *RoutingEntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, 1, entryErr.Index)
	assert.Equal(t, uint32(2), entryErr.Gsi)

	err = ValidateRouting([]IrqRoutingEntry{
		{Gsi: 5, Config: LegacyIrqSourceConfig{Pin: 5}},
		{Gsi: 5, Config: MsiIrqSourceConfig{Data: 0x21}},
	})
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, uint32(5), entryErr.Gsi)
}

func TestRoutingTableReplaceIsAtomic(t *testing.T) {
	var table RoutingTable

	first := []IrqRoutingEntry{
		{Gsi: 0, Config: LegacyIrqSourceConfig{Pin: 0}},
	}
	table.Replace(first)

	// Mutating the caller's slice after Replace must not leak into the
	// installed table.
	first[0].Gsi = 99
	got := table.Entries()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].Gsi)

	table.Replace([]IrqRoutingEntry{
		{Gsi: 1, Config: LegacyIrqSourceConfig{Pin: 1}},
		{Gsi: 2, Config: MsiIrqSourceConfig{Data: 0x30}},
	})
	got = table.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].Gsi)

	// Entries hands out a copy.
	got[0].Gsi = 77
	again := table.Entries()
	assert.Equal(t, uint32(1), again[0].Gsi)
}
