package allocator

import (
	"math/rand"
	"testing"

	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/policy"
	"github.com/hn4fs/hn4/qualitymask"
)

func newTestAllocator(t *testing.T, totalBlocks uint64) *Allocator {
	t.Helper()
	// The bitmap and quality mask cover the Flux region plus the 64-block
	// Horizon ring that follows it.
	bm := bitmap.New(totalBlocks + 64)
	qm := qualitymask.New(int(totalBlocks + 64))
	return New(Config{
		Bitmap:           bm,
		Quality:          qm,
		Device:           policy.DeviceSSD,
		Profile:          policy.ProfileDefault,
		FluxStartAligned: 0,
		Phi:              totalBlocks,
		HorizonStart:     totalBlocks,
		HorizonCapacity:  64,
	})
}

func randSrc(seed int64) func() uint64 {
	r := rand.New(rand.NewSource(seed))
	return func() uint64 { return r.Uint64() }
}

func TestGenesisProducesUsablePlacement(t *testing.T) {
	a := newTestAllocator(t, 4096)
	g, v, err := a.Genesis(randSrc(1), 0, IntentDefault, hal.NoGPU)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	if v&1 == 0 {
		t.Fatalf("orbit vector %d should be odd", v)
	}
	_ = g
	if !a.Dirty() {
		t.Fatalf("expected allocator to be marked dirty after Genesis")
	}
}

func TestAllocateWalksCollisionShells(t *testing.T) {
	a := newTestAllocator(t, 4096)
	g, v, err := a.Genesis(randSrc(2), 0, IntentDefault, hal.NoGPU)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	seen := map[uint64]bool{}
	for n := uint64(1); n <= 20; n++ {
		phys, _, err := a.Allocate(g, v, 0, n, IntentDefault)
		if err != nil {
			t.Fatalf("Allocate(n=%d): %v", n, err)
		}
		if seen[phys] {
			t.Fatalf("Allocate returned a block %d already allocated", phys)
		}
		seen[phys] = true
	}
}

func TestHorizonAllocateRefusesSystemIntentUnlessPanicked(t *testing.T) {
	a := newTestAllocator(t, 128)
	if _, err := a.HorizonAllocate(IntentSystem, false); !errs.Is(err, errs.EventHorizon) {
		t.Fatalf("expected EventHorizon refusal for system intent, got %v", err)
	}
	if _, err := a.HorizonAllocate(IntentSystem, true); err != nil {
		t.Fatalf("expected system intent to succeed once volume is panicked, got %v", err)
	}
}

func TestHorizonAllocateWrapsRing(t *testing.T) {
	a := newTestAllocator(t, 128)
	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		lba, err := a.HorizonAllocate(IntentDefault, false)
		if err != nil {
			t.Fatalf("HorizonAllocate attempt %d: %v", i, err)
		}
		if lba < 128 {
			t.Fatalf("horizon lba %d should land at or past HorizonStart 128", lba)
		}
		seen[lba] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct horizon slots, got %d", len(seen))
	}
}

func TestFreeReleasesBlock(t *testing.T) {
	a := newTestAllocator(t, 64)
	g, v, err := a.Genesis(randSrc(3), 0, IntentDefault, hal.NoGPU)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	phys, _, err := a.Allocate(g, v, 0, 1, IntentDefault)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Free(phys); err != nil {
		t.Fatalf("Free: %v", err)
	}
	used, _ := a.bm.Test(phys)
	if used {
		t.Fatalf("block %d should be free after Free", phys)
	}
}

func TestGenesisAppliesHDDGoldenRatioDrift(t *testing.T) {
	bm := bitmap.New(4096)
	qm := qualitymask.New(4096)
	a := New(Config{
		Bitmap: bm, Quality: qm, Device: policy.DeviceHDD, Profile: policy.ProfileDefault,
		FluxStartAligned: 0, Phi: 4096, HorizonStart: 4096, HorizonCapacity: 64,
	})

	g1, _, err := a.Genesis(randSrc(10), 0, IntentDefault, hal.NoGPU)
	if err != nil {
		t.Fatalf("first Genesis: %v", err)
	}
	if a.lastAllocG.Load() != g1 {
		t.Fatalf("lastAllocG = %d after first Genesis, want %d", a.lastAllocG.Load(), g1)
	}

	wantG2 := (g1 + goldenRatioDrift) % a.phi
	g2, _, err := a.Genesis(randSrc(11), 0, IntentDefault, hal.NoGPU)
	if err != nil {
		t.Fatalf("second Genesis: %v", err)
	}
	if g2 != wantG2 {
		t.Fatalf("second Genesis gravity center = %d, want drift-derived %d", g2, wantG2)
	}
}

func TestCheckQualityRejectsToxicAndBronzeForGatedIntent(t *testing.T) {
	a := newTestAllocator(t, 64)
	a.quality.Set(5, qualitymask.Toxic)
	if a.checkQuality(IntentDefault, 5) {
		t.Fatalf("toxic block must never be allocatable")
	}
	a.quality.Set(6, qualitymask.Bronze)
	if a.checkQuality(IntentSystem, 6) {
		t.Fatalf("bronze block must be rejected for system intent")
	}
	if !a.checkQuality(IntentDefault, 6) {
		t.Fatalf("bronze block should still be eligible for default intent")
	}
}

func TestSaturationGateRefusesGenesisAndHysteresisClears(t *testing.T) {
	a := newTestAllocator(t, 1000)
	usable := a.usableBlocks() // 1011: 1064 raw blocks minus 5%
	for i := uint64(0); i < mulDivU64(usable, 90, 100); i++ {
		if err := a.bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if !a.Saturated() {
		t.Fatalf("expected saturation flag set at >=90%% usable capacity")
	}
	if _, _, err := a.Genesis(randSrc(20), 0, IntentDefault, hal.NoGPU); !errs.Is(err, errs.ENOSPC) {
		t.Fatalf("expected Genesis to refuse once saturated, got %v", err)
	}

	// Free down into the hysteresis dead zone (between 85% and 90%): the
	// flag must still read saturated.
	for i := uint64(0); i < mulDivU64(usable, 90, 100)-mulDivU64(usable, 86, 100); i++ {
		if err := a.bm.Clear(i); err != nil {
			t.Fatalf("Clear(%d): %v", i, err)
		}
	}
	if !a.Saturated() {
		t.Fatalf("saturation flag must hold set through the hysteresis dead zone")
	}

	// Free below 85% usable: the flag must clear.
	for i := uint64(0); i < usable; i++ {
		_ = a.bm.Clear(i)
	}
	if a.Saturated() {
		t.Fatalf("expected saturation flag to clear once usage dropped below 85%%")
	}
	if _, _, err := a.Genesis(randSrc(21), 0, IntentDefault, hal.NoGPU); err != nil {
		t.Fatalf("expected Genesis to succeed once saturation flag cleared, got %v", err)
	}
}

func TestAllocateRefusesAtHardWall(t *testing.T) {
	a := newTestAllocator(t, 1000)
	usable := a.usableBlocks()
	for i := uint64(0); i < mulDivU64(usable, 95, 100); i++ {
		if err := a.bm.Set(i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if _, _, err := a.Allocate(0, 1, 0, 1, IntentDefault); !errs.Is(err, errs.ENOSPC) {
		t.Fatalf("expected Allocate to refuse at the 95%% hard wall, got %v", err)
	}
}

func TestGenesisAIAffinityStaysWithinGPUWindow(t *testing.T) {
	a := newTestAllocator(t, 4096)
	const gpuID = 3
	lo, hi := a.affinityWindow(gpuID)

	g, v, err := a.Genesis(randSrc(30), 0, IntentAI, gpuID)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	for n := uint64(1); n < HN4MaxTrajectoryK; n++ {
		phys, _, err := a.Allocate(g, v, 0, n, IntentAI)
		if err != nil {
			continue // collision shell exhaustion is fine, window is what's under test
		}
		if !withinWindow(lo, hi, phys) {
			t.Fatalf("block %d fell outside affinity window [%d, %d)", phys, lo, hi)
		}
	}
}
