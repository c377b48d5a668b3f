// Package scavenger implements the five cooperative background passes
// (spec §4.6): Reaper (tombstone reclamation), Medic (osteoplasty), the ZNS
// Evacuator, the Stitcher (stream skip-list maintenance), and the Auditor
// (leak detection). Every pass is pulse-bounded and yields rather than
// blocking foreground writers, grounded on the teacher's background GC
// pass structure (filesystem/ext4/gc.go): small fixed-size work windows
// per invocation, cooperative rather than preemptive.
package scavenger

import (
	"context"
	"time"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/deltatable"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/seedhash"
)

// ReaperWindow is how many Cortex anchors one Reaper pulse scans.
const ReaperWindow = 64

// TombstoneGrace is the minimum idle time before a tombstoned anchor is
// bleached and its blocks reclaimed.
const TombstoneGrace = 24 * time.Hour

// Reaper reclaims tombstoned anchors whose grace period has elapsed.
type Reaper struct {
	cortex      *anchor.Cortex
	bitmap      *bitmap.Bitmap
	delta       *deltatable.Table
	hasher      *seedhash.Hasher
	dev         hal.Device
	picoNoBatch bool
	blockSize   int
	cortexStart uint64
}

// NewReaper builds a Reaper over the given Cortex/bitmap/delta table.
func NewReaper(cortex *anchor.Cortex, bm *bitmap.Bitmap, delta *deltatable.Table, hasher *seedhash.Hasher, dev hal.Device, blockSize int, cortexStart uint64, picoNoBatch bool) *Reaper {
	return &Reaper{cortex: cortex, bitmap: bm, delta: delta, hasher: hasher, dev: dev, blockSize: blockSize, cortexStart: cortexStart, picoNoBatch: picoNoBatch}
}

// BlockEnumerator enumerates a bleached anchor's blocks for discard. The
// caller supplies it, bound to the anchor's snapshot physics, because a
// file's total block count lives in the caller's volume-level accounting.
type BlockEnumerator func(snapshot anchor.Record) []uint64

// Pulse scans up to ReaperWindow anchors for TOMBSTONE|VALID anchors past
// their grace period, bleaching and reclaiming each one found (spec
// §4.6.1).
func (r *Reaper) Pulse(ctx context.Context, nowNS int64, enumerate BlockEnumerator) (reclaimed int) {
	var batch []anchor.Record
	scanned := 0

	r.cortex.Range(func(l *anchor.Live) bool {
		if scanned >= ReaperWindow {
			return false
		}
		scanned++

		dc := l.DataClass()
		if !dc.Has(anchor.FlagTombstone) || !dc.Has(anchor.FlagValid) {
			return true
		}
		age := time.Duration(nowNS-l.ModClock()) * time.Nanosecond
		if age < TombstoneGrace {
			return true
		}

		snapshot := l.Snapshot()
		writeGenBefore := l.WriteGen()

		bleached := snapshot
		bleached.Mass = 0
		bleached.GravityCtr = 0
		bleached.InlineName = [32]byte{}
		bleached.DataClass = anchor.FlagTombstone | anchor.FlagValid

		if err := anchor.Persist(ctx, r.dev, r.cortexStart, l.SlotIndex(), r.blockSize, &bleached); err != nil {
			return true // media write failed: leave the anchor alone, retry next pulse
		}
		if l.WriteGen() != writeGenBefore {
			return true // generation skew: abort this anchor, move on
		}
		bleachedLive := anchor.NewLive(&bleached)
		bleachedLive.SetSlotIndex(l.SlotIndex())
		r.cortex.ReplaceUnderL2(snapshot.SeedID, bleachedLive)

		if r.picoNoBatch {
			r.freeBlocks(ctx, snapshot, enumerate(snapshot))
			reclaimed++
		} else {
			batch = append(batch, snapshot)
		}
		return true
	})

	if !r.picoNoBatch {
		for _, snap := range batch {
			r.freeBlocks(ctx, snap, enumerate(snap))
			reclaimed++
		}
	}
	return reclaimed
}

// freeBlocks verifies ownership of each candidate block, skips anything
// still referenced via the Delta Table, and frees the rest: barrier before
// clearing the bitmap, never the reverse (spec: "Free-before-barrier is
// forbidden").
func (r *Reaper) freeBlocks(ctx context.Context, snapshot anchor.Record, blocks []uint64) {
	seedHash := r.hasher.Of(snapshot.SeedID)
	var toFree []uint64
	for _, lba := range blocks {
		if _, _, found := r.delta.Lookup(lba, seedHash); found {
			continue // in-flight migration owns this block
		}
		buf := make([]byte, r.blockSize)
		req := hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}
		if err := r.dev.SyncIO(ctx, req); err != nil {
			continue
		}
		h, err := block.DecodeHeader(buf)
		if err != nil || h.WellID != snapshot.SeedID {
			continue
		}
		toFree = append(toFree, lba)
	}
	if len(toFree) == 0 {
		return
	}
	shred := snapshot.DataClass.Has(anchor.FlagShred)
	for _, lba := range toFree {
		if shred {
			zeros := make([]byte, r.blockSize)
			_ = r.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpWrite, LBA: lba, Buf: zeros, Sectors: 1})
		}
		_ = r.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpDiscard, LBA: lba, Sectors: 1})
	}
	_ = r.dev.Barrier(ctx)
	for _, lba := range toFree {
		_ = r.bitmap.Clear(lba)
	}
}
