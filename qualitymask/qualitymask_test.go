package qualitymask

import "testing"

func TestNewDefaultsToGold(t *testing.T) {
	m := New(100)
	for i := 0; i < 100; i++ {
		if m.Get(i) != Gold {
			t.Fatalf("block %d default tier = %v, want Gold", i, m.Get(i))
		}
	}
}

func TestSetGetRoundtrip(t *testing.T) {
	m := New(100)
	m.Set(42, Bronze)
	if got := m.Get(42); got != Bronze {
		t.Fatalf("Get(42) = %v, want Bronze", got)
	}
	// Neighboring entries in the same packed word must be untouched.
	if got := m.Get(41); got != Gold {
		t.Fatalf("Get(41) = %v, want Gold (neighbor of a Set call)", got)
	}
	if got := m.Get(43); got != Gold {
		t.Fatalf("Get(43) = %v, want Gold (neighbor of a Set call)", got)
	}
}

func TestDegradeStepsThroughTiersAndStopsAtToxic(t *testing.T) {
	m := New(10)
	if got := m.Degrade(0); got != Silver {
		t.Fatalf("first Degrade from Gold = %v, want Silver", got)
	}
	if got := m.Degrade(0); got != Bronze {
		t.Fatalf("second Degrade = %v, want Bronze", got)
	}
	if got := m.Degrade(0); got != Toxic {
		t.Fatalf("third Degrade = %v, want Toxic", got)
	}
	if got := m.Degrade(0); got != Toxic {
		t.Fatalf("Degrade past Toxic must stay Toxic, got %v", got)
	}
}

func TestAllocatableExcludesOnlyToxic(t *testing.T) {
	m := New(10)
	m.Set(1, Bronze)
	m.Set(2, Toxic)
	if !m.Allocatable(1) {
		t.Fatalf("Bronze block should remain allocatable")
	}
	if m.Allocatable(2) {
		t.Fatalf("Toxic block must never be allocatable")
	}
}
