package scavenger

import (
	"context"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
)

// EvacuatorPeriod is how many scavenger pulses elapse between Evacuator
// runs (ZNS devices only).
const EvacuatorPeriod = 100

// Evacuator packs live blocks out of a victim ZNS zone before it is
// reset, round-robining across zones and skipping metadata zones (spec
// §4.6.3).
type Evacuator struct {
	cortex       *anchor.Cortex
	bitmap       *bitmap.Bitmap
	dev          hal.Device
	blockSize    int
	zoneSize     uint64 // in blocks
	zoneCount    uint64
	metadataZone func(zone uint64) bool
	cursor       uint64

	relocate func(ctx context.Context, seedID anchor.Record, lba uint64) (newLBA uint64, ok bool)
}

// NewEvacuator builds an Evacuator. relocate copies one live block out of
// the victim zone and reports its new LBA. The volume's relocateToHorizon
// reads the block, writes it to a Horizon slot and registers a Delta Table
// redirect from the old LBA; it does not run the Atomic Write Pipeline and
// sets no HINT_HORIZON flag on the anchor.
func NewEvacuator(cortex *anchor.Cortex, bm *bitmap.Bitmap, dev hal.Device, blockSize int, zoneSize, zoneCount uint64, metadataZone func(uint64) bool, relocate func(context.Context, anchor.Record, uint64) (uint64, bool)) *Evacuator {
	return &Evacuator{cortex: cortex, bitmap: bm, dev: dev, blockSize: blockSize, zoneSize: zoneSize, zoneCount: zoneCount, metadataZone: metadataZone, relocate: relocate}
}

// Pulse evacuates one victim zone, resetting it once every live block has
// been relocated.
func (e *Evacuator) Pulse(ctx context.Context) error {
	if e.zoneCount == 0 {
		return nil
	}
	var zone uint64
	found := false
	for i := uint64(0); i < e.zoneCount; i++ {
		candidate := (e.cursor + i) % e.zoneCount
		if !e.metadataZone(candidate) {
			zone = candidate
			e.cursor = candidate + 1
			found = true
			break
		}
	}
	if !found {
		return nil // every zone is a metadata zone
	}

	start := zone * e.zoneSize
	mustMove := 0
	moved := 0

	for off := uint64(0); off < e.zoneSize; off++ {
		lba := start + off
		used, _ := e.bitmap.Test(lba)
		if !used {
			continue
		}
		buf := make([]byte, e.blockSize)
		if err := e.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}); err != nil {
			continue
		}
		h, err := block.DecodeHeader(buf)
		if err != nil {
			continue
		}
		live := e.cortex.Lookup(h.WellID)
		if live == nil || h.Generation != live.WriteGen() {
			continue // stale, not must-move
		}
		mustMove++
		if _, ok := e.relocate(ctx, live.Snapshot(), lba); ok {
			moved++
		}
	}

	if mustMove > 0 && moved == mustMove {
		if err := e.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpZoneReset, LBA: start, Sectors: int(e.zoneSize)}); err != nil {
			return errs.New(errs.HWIO, "zone reset failed")
		}
		if err := e.dev.Barrier(ctx); err != nil {
			return errs.New(errs.InternalFault, "barrier after zone reset failed, volume must panic")
		}
		for off := uint64(0); off < e.zoneSize; off++ {
			_ = e.bitmap.Clear(start + off)
		}
	}
	return nil
}
