// Package deltatable implements the Delta Table (spec §4.6.6): a small,
// in-RAM, open-addressed hash table that redirects readers to a block's new
// physical location while a medic migration (osteoplasty) or evacuation is
// in flight. Entries are keyed by (old_lba, seed_hash) to disambiguate
// collisions between unrelated files that happen to share an old physical
// block number across generations. Probing style (quadratic, fixed
// capacity, tombstone-aware) follows the teacher's open-addressed
// directory-entry lookups (filesystem/ext4/directory.go).
package deltatable

import (
	"sync/atomic"

	"github.com/hn4fs/hn4/errs"
)

// Capacity is the fixed slot count of the table.
const Capacity = 1024

// ProbeLimit is the maximum number of quadratic probes before giving up.
const ProbeLimit = 32

type slotState uint32

const (
	slotEmpty slotState = iota
	slotOccupied
	slotTombstone
)

// entry is one Delta Table slot. Every field is its own atomic, read and
// written without any lock, matching the spec's description of "atomic
// per-field access" for a narrow, low-contention structure.
type entry struct {
	state    atomic.Uint32
	oldLBA   atomic.Uint64
	newLBA   atomic.Uint64
	seedHash atomic.Uint64
	version  atomic.Uint32
}

// Table is the Delta Table for one volume.
type Table struct {
	slots [Capacity]entry
}

// New builds an empty Delta Table.
func New() *Table {
	return &Table{}
}

func hashKey(oldLBA, seedHash uint64) uint64 {
	h := oldLBA*0x9E3779B97F4A7C15 ^ seedHash
	return h
}

func probe(base uint64, i int) uint64 {
	return (base + uint64(i*i)) % Capacity
}

// Register inserts or overwrites a redirect (old_lba, seed_hash) ->
// (new_lba, version). It returns errs.ENOSPC if the probe sequence is
// exhausted without finding a usable slot.
func (t *Table) Register(oldLBA, seedHash, newLBA uint64, version uint32) error {
	base := hashKey(oldLBA, seedHash) % Capacity
	firstTombstone := -1
	for i := 0; i < ProbeLimit; i++ {
		idx := probe(base, i)
		s := &t.slots[idx]
		switch slotState(s.state.Load()) {
		case slotEmpty:
			targetIdx := idx
			if firstTombstone >= 0 {
				targetIdx = uint64(firstTombstone)
			}
			t.fill(targetIdx, oldLBA, seedHash, newLBA, version)
			return nil
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = int(idx)
			}
		case slotOccupied:
			if s.oldLBA.Load() == oldLBA && s.seedHash.Load() == seedHash {
				s.newLBA.Store(newLBA)
				s.version.Store(version)
				return nil
			}
		}
	}
	if firstTombstone >= 0 {
		t.fill(uint64(firstTombstone), oldLBA, seedHash, newLBA, version)
		return nil
	}
	return errs.New(errs.ENOSPC, "delta table probe sequence exhausted")
}

func (t *Table) fill(idx uint64, oldLBA, seedHash, newLBA uint64, version uint32) {
	s := &t.slots[idx]
	s.oldLBA.Store(oldLBA)
	s.seedHash.Store(seedHash)
	s.newLBA.Store(newLBA)
	s.version.Store(version)
	s.state.Store(uint32(slotOccupied))
}

// Lookup returns (new_lba, version, true) if a redirect exists for
// (old_lba, seed_hash).
func (t *Table) Lookup(oldLBA, seedHash uint64) (newLBA uint64, version uint32, found bool) {
	base := hashKey(oldLBA, seedHash) % Capacity
	for i := 0; i < ProbeLimit; i++ {
		idx := probe(base, i)
		s := &t.slots[idx]
		switch slotState(s.state.Load()) {
		case slotEmpty:
			return 0, 0, false
		case slotOccupied:
			if s.oldLBA.Load() == oldLBA && s.seedHash.Load() == seedHash {
				return s.newLBA.Load(), s.version.Load(), true
			}
		}
	}
	return 0, 0, false
}

// Clear removes a redirect after its migration has been committed and the
// old block reclaimed.
func (t *Table) Clear(oldLBA, seedHash uint64) {
	base := hashKey(oldLBA, seedHash) % Capacity
	for i := 0; i < ProbeLimit; i++ {
		idx := probe(base, i)
		s := &t.slots[idx]
		switch slotState(s.state.Load()) {
		case slotEmpty:
			return
		case slotOccupied:
			if s.oldLBA.Load() == oldLBA && s.seedHash.Load() == seedHash {
				s.state.Store(uint32(slotTombstone))
				return
			}
		}
	}
}
