package volume

import "github.com/hn4fs/hn4/errs"

// preflight bit positions, matching the order spec §4.5 lists its four
// refusal conditions in: read_only, volume PANIC, anchor TOMBSTONE, anchor
// IMMUTABLE.
const (
	pfReadOnly   = 1 << 0
	pfPanic      = 1 << 1
	pfTombstone  = 1 << 2
	pfImmutable  = 1 << 3
)

// preflightTable is the 16-entry fused lookup the spec calls for: one
// table probe in place of four sequential branches, grounded on the same
// OR'd-lookup-table style as package policy's device/profile tables.
var preflightTable [16]errs.Code

func init() {
	for i := range preflightTable {
		switch {
		case i&pfPanic != 0:
			preflightTable[i] = errs.VolumeLocked
		case i&pfTombstone != 0:
			preflightTable[i] = errs.Tombstone
		case i&pfImmutable != 0:
			preflightTable[i] = errs.Immutable
		case i&pfReadOnly != 0:
			preflightTable[i] = errs.AccessDenied
		default:
			preflightTable[i] = errs.Success
		}
	}
}

// writePreflight fuses the four write-refusal conditions into a single
// table probe (spec §4.5 "Preflight (single 4-bit lookup)").
func writePreflight(readOnly, volumePanic, tombstone, immutable bool) errs.Code {
	idx := 0
	if readOnly {
		idx |= pfReadOnly
	}
	if volumePanic {
		idx |= pfPanic
	}
	if tombstone {
		idx |= pfTombstone
	}
	if immutable {
		idx |= pfImmutable
	}
	return preflightTable[idx]
}
