package scavenger

import (
	"context"
	"os"
	"testing"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/deltatable"
	"github.com/hn4fs/hn4/internal/simhal"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/seedhash"
	"github.com/hn4fs/hn4/spinlock"
)

func TestAuditorFlagsUnclaimedUsedBlockAsLeak(t *testing.T) {
	const blockSize = 4096
	windowSize := (uint64(1) << 30) / blockSize

	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 8, Seed: 3})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(windowSize)
	if err := bm.Set(5); err != nil {
		t.Fatalf("Set(5): %v", err)
	}

	cortex := anchor.NewCortex(&spinlock.Spin{}) // empty: nobody claims block 5
	var key [seedhash.KeySize]byte
	hasher := seedhash.NewHasher(key)
	auditor := NewAuditor(cortex, bm, deltatable.New(), hasher, dev, blockSize, 0, windowSize, false)

	totalBlocks := func(snapshot anchor.Record) uint64 { return 0 }
	leaks, duplicates := auditor.Pulse(context.Background(), totalBlocks)
	if duplicates != 0 {
		t.Fatalf("expected no duplicates, got %d", duplicates)
	}
	found := false
	for _, l := range leaks {
		if l.LBA == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected block 5 to be reported as a leak, got %+v", leaks)
	}
}

func TestAuditorDoesNotFlagClaimedBlocks(t *testing.T) {
	const blockSize = 4096
	windowSize := (uint64(1) << 30) / blockSize

	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 8, Seed: 3})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(windowSize)
	rec := &anchor.Record{OrbitVector: 1, FractalScale: 0}
	live := anchor.NewLive(rec)
	cortex := anchor.NewCortex(&spinlock.Spin{})
	cortex.Insert(live)

	r := placement.Trajectory(placement.Input{
		G: rec.GravityCtr, V: rec.OrbitVector, N: 0, M: rec.FractalScale,
		FluxStartAligned: 0, Phi: windowSize,
	})
	if r.Overflow {
		t.Fatalf("setup: trajectory overflowed")
	}
	cand := r.BlockIndex
	if err := bm.Set(cand); err != nil {
		t.Fatalf("Set(cand): %v", err)
	}

	var key [seedhash.KeySize]byte
	hasher := seedhash.NewHasher(key)
	auditor := NewAuditor(cortex, bm, deltatable.New(), hasher, dev, blockSize, 0, windowSize, false)
	totalBlocks := func(snapshot anchor.Record) uint64 { return 1 }

	leaks, _ := auditor.Pulse(context.Background(), totalBlocks)
	for _, l := range leaks {
		if l.LBA == cand {
			t.Fatalf("claimed block %d must not be reported as a leak", cand)
		}
	}
}
