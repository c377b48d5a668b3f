package scavenger

import (
	"context"
	"os"
	"testing"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/internal/simhal"
	"github.com/hn4fs/hn4/spinlock"
	uuid "github.com/satori/go.uuid"
)

func TestEvacuatorRelocatesLiveBlocksThenResetsZone(t *testing.T) {
	const blockSize = 512
	const zoneSize = 4
	const zoneCount = 2

	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: zoneSize * zoneCount, Zoned: true, ZoneSizeBytes: zoneSize * blockSize, Seed: 5})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(zoneSize * zoneCount)
	cortex := anchor.NewCortex(&spinlock.Spin{})

	rec := &anchor.Record{SeedID: uuid.NewV4(), WriteGen: 1, DataClass: anchor.FlagValid}
	live := anchor.NewLive(rec)
	cortex.Insert(live)

	const victimLBA = uint64(1) // inside zone 0
	if err := bm.Set(victimLBA); err != nil {
		t.Fatalf("Set(victimLBA): %v", err)
	}
	buf := make([]byte, blockSize)
	h := &block.Header{WellID: rec.SeedID, SeqIndex: 0, Generation: 1}
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := dev.SyncIO(context.Background(), hal.IORequest{Op: hal.OpWrite, LBA: victimLBA, Buf: buf, Sectors: 1}); err != nil {
		t.Fatalf("write victim block: %v", err)
	}

	var relocatedTo uint64 = 20 // outside the victim zone, never actually written in this test
	relocate := func(ctx context.Context, snapshot anchor.Record, lba uint64) (uint64, bool) {
		return relocatedTo, true
	}
	noMetadataZones := func(zone uint64) bool { return false }

	evac := NewEvacuator(cortex, bm, dev, blockSize, zoneSize, zoneCount, noMetadataZones, relocate)
	if err := evac.Pulse(context.Background()); err != nil {
		t.Fatalf("Pulse: %v", err)
	}

	used, err := bm.Test(victimLBA)
	if err != nil {
		t.Fatalf("Test(victimLBA): %v", err)
	}
	if used {
		t.Fatalf("expected victim zone's block to be cleared after a fully-relocated zone reset")
	}
}

func TestEvacuatorSkipsMetadataZones(t *testing.T) {
	const blockSize = 512
	const zoneSize = 4
	const zoneCount = 2

	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: zoneSize * zoneCount, Zoned: true, ZoneSizeBytes: zoneSize * blockSize, Seed: 6})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(zoneSize * zoneCount)
	cortex := anchor.NewCortex(&spinlock.Spin{})

	allMetadata := func(zone uint64) bool { return true }
	relocate := func(ctx context.Context, snapshot anchor.Record, lba uint64) (uint64, bool) { return 0, false }

	evac := NewEvacuator(cortex, bm, dev, blockSize, zoneSize, zoneCount, allMetadata, relocate)
	if err := evac.Pulse(context.Background()); err != nil {
		t.Fatalf("Pulse should be a no-op when every zone is metadata, got %v", err)
	}
}
