package scavenger

import (
	"context"

	"github.com/bits-and-blooms/bitset"
	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/deltatable"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/seedhash"
)

// AuditorPeriod is how many scavenger pulses elapse between Auditor runs.
const AuditorPeriod = 100

// AuditorWindowGiB is the size of the rolling audit window in GiB, a fixed
// 1 GiB regardless of block size (spec §4.6.5).
const AuditorWindowGiB = 1

// Auditor detects leaked blocks: bits set in the real bitmap that no live
// anchor's placement projection claims, and that aren't an in-flight Delta
// Table migration.
type Auditor struct {
	cortex    *anchor.Cortex
	bitmap    *bitmap.Bitmap
	delta     *deltatable.Table
	hasher    *seedhash.Hasher
	dev       hal.Device
	blockSize int
	fluxStart uint64
	phi       uint64
	nonLinear bool
	cursor    uint64
}

// NewAuditor builds an Auditor for one volume.
func NewAuditor(cortex *anchor.Cortex, bm *bitmap.Bitmap, delta *deltatable.Table, hasher *seedhash.Hasher, dev hal.Device, blockSize int, fluxStart, phi uint64, nonLinear bool) *Auditor {
	return &Auditor{cortex: cortex, bitmap: bm, delta: delta, hasher: hasher, dev: dev, blockSize: blockSize, fluxStart: fluxStart, phi: phi, nonLinear: nonLinear}
}

func (a *Auditor) windowBlocks() uint64 {
	giB := uint64(AuditorWindowGiB) << 30
	return giB / uint64(a.blockSize)
}

// LeakReport is one candidate leak the Auditor found safe to reclaim.
type LeakReport struct {
	LBA uint64
}

// Pulse scans the next rolling window, returning blocks it judges safe to
// free. Duplicate-ownership detections are logged by the caller (surfaced
// via the returned duplicate count) rather than reclaimed. blockCount
// reports a file's total logical block count (the volume layer owns
// mass/block_size bookkeeping).
func (a *Auditor) Pulse(ctx context.Context, blockCount TotalBlocksFn) (leaks []LeakReport, duplicates int) {
	windowSize := a.windowBlocks()
	if windowSize == 0 {
		return nil, 0
	}
	start := a.cursor
	a.cursor += windowSize

	shadow := bitset.New(uint(windowSize))
	claimedBy := make(map[uint64]anchor.Record, windowSize)

	a.cortex.Range(func(l *anchor.Live) bool {
		snapshot := l.Snapshot()
		for n := uint64(0); n < blockCount(snapshot); n++ {
			r := placement.Trajectory(placement.Input{
				G: snapshot.GravityCtr, V: snapshot.OrbitVector, N: n, M: snapshot.FractalScale,
				FluxStartAligned: a.fluxStart, Phi: a.phi, NonLinearMedia: a.nonLinear, NonSystemProfile: true,
			})
			if r.Overflow || r.BlockIndex < start || r.BlockIndex >= start+windowSize {
				continue
			}
			idx := uint(r.BlockIndex - start)
			if shadow.Test(idx) {
				duplicates++
			}
			shadow.Set(idx)
			claimedBy[r.BlockIndex] = snapshot
		}
		return true
	})

	for off := uint64(0); off < windowSize; off++ {
		lba := start + off
		if a.bitmap.L2RegionEmpty(lba) {
			// Whole 512-block region holds nothing; jump past it instead
			// of testing every bit inside it.
			off = (lba/bitmap.L2RegionBlocks+1)*bitmap.L2RegionBlocks - 1 - start
			continue
		}
		used, _ := a.bitmap.Test(lba)
		if !used || shadow.Test(uint(off)) {
			continue
		}
		if a.isLeak(ctx, lba, claimedBy) {
			leaks = append(leaks, LeakReport{LBA: lba})
		}
	}
	return leaks, duplicates
}

func (a *Auditor) isLeak(ctx context.Context, lba uint64, claimedBy map[uint64]anchor.Record) bool {
	buf := make([]byte, a.blockSize)
	if err := a.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}); err != nil {
		return false
	}
	h, err := block.DecodeHeader(buf)
	if err != nil {
		return true // wrong magic: safe to free
	}
	owner := a.cortex.Lookup(h.WellID)
	if owner == nil {
		return true // claimed owner missing: safe to free
	}
	if h.Generation < owner.WriteGen() {
		if _, _, found := a.delta.Lookup(lba, a.hasher.Of(owner.SeedID())); found {
			return false // in-flight migration, never reclaim
		}
		return true // orphan from a crashed write
	}
	return false
}
