package anchor

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/hn4fs/hn4/spinlock"
	uuid "github.com/satori/go.uuid"
)

func sampleRecord() *Record {
	return &Record{
		SeedID:       uuid.NewV4(),
		PublicID:     uuid.NewV4(),
		GravityCtr:   4096,
		OrbitVector:  0x1357,
		FractalScale: 2,
		Mass:         8192,
		DataClass:    FlagValid,
		Permissions:  PermRead | PermWrite,
		WriteGen:     1,
		ModClock:     1000,
		CreateClock:  1000,
	}
}

func TestRecordRoundtrip(t *testing.T) {
	r := sampleRecord()
	b, err := r.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	if len(b) != Size {
		t.Fatalf("ToBytes produced %d bytes, want %d", len(b), Size)
	}
	got, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if got.OrbitVector&1 == 0 {
		t.Fatalf("orbit vector must always decode as odd, got %d", got.OrbitVector)
	}
	if diff := deep.Equal(r, got); diff != nil {
		t.Fatalf("record changed across a ToBytes/FromBytes roundtrip: %v", diff)
	}
}

func TestFromBytesRejectsTamperedChecksum(t *testing.T) {
	r := sampleRecord()
	b, err := r.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := FromBytes(b); err == nil {
		t.Fatalf("expected tampered record to fail checksum verification")
	}
}

func TestToBytesRejectsOversizedFractalScale(t *testing.T) {
	r := sampleRecord()
	r.FractalScale = MaxFractalScale + 1
	if _, err := r.ToBytes(); err == nil {
		t.Fatalf("expected fractal_scale %d to be rejected", r.FractalScale)
	}
}

func TestNextGenerationWrapsPastZero(t *testing.T) {
	if got := NextGeneration(0xFFFFFFFF); got != 1 {
		t.Fatalf("NextGeneration(max) = %d, want 1", got)
	}
	if got := NextGeneration(5); got != 6 {
		t.Fatalf("NextGeneration(5) = %d, want 6", got)
	}
}

func TestCortexInsertLookupRemove(t *testing.T) {
	c := NewCortex(&spinlock.Spin{})
	r := sampleRecord()
	live := NewLive(r)
	c.Insert(live)

	got := c.Lookup(r.SeedID)
	if got == nil {
		t.Fatalf("expected anchor to be found after Insert")
	}
	if got.SeedID() != r.SeedID {
		t.Fatalf("looked-up anchor has wrong seed_id")
	}

	c.Remove(r.SeedID)
	if c.Lookup(r.SeedID) != nil {
		t.Fatalf("expected anchor to be gone after Remove")
	}
}

func TestLiveGrowMassOnlyGrows(t *testing.T) {
	live := NewLive(sampleRecord())
	live.GrowMass(20000)
	if live.Mass() != 20000 {
		t.Fatalf("GrowMass(20000) should raise mass, got %d", live.Mass())
	}
	live.GrowMass(100)
	if live.Mass() != 20000 {
		t.Fatalf("GrowMass(100) should not shrink mass, got %d", live.Mass())
	}
}

func TestLiveDataClassFlagSetClear(t *testing.T) {
	live := NewLive(sampleRecord())
	live.SetDataClassFlag(FlagTombstone)
	if !live.DataClass().Has(FlagTombstone) {
		t.Fatalf("expected FlagTombstone to be set")
	}
	live.ClearDataClassFlag(FlagTombstone)
	if live.DataClass().Has(FlagTombstone) {
		t.Fatalf("expected FlagTombstone to be cleared")
	}
}

func TestLiveCASWriteGen(t *testing.T) {
	live := NewLive(sampleRecord())
	if !live.CASWriteGen(1, 2) {
		t.Fatalf("CASWriteGen(1,2) should succeed from initial generation 1")
	}
	if live.WriteGen() != 2 {
		t.Fatalf("WriteGen() = %d, want 2", live.WriteGen())
	}
	if live.CASWriteGen(1, 3) {
		t.Fatalf("CASWriteGen(1,3) should fail, current generation is 2")
	}
}

func TestLiveSnapshotReflectsMutations(t *testing.T) {
	live := NewLive(sampleRecord())
	live.GrowMass(500)
	live.SetModClock(42)
	snap := live.Snapshot()
	if snap.Mass != 500 || snap.ModClock != 42 {
		t.Fatalf("Snapshot did not reflect mutations: %+v", snap)
	}
}
