package deltatable

import "testing"

func TestRegisterLookupRoundtrip(t *testing.T) {
	tb := New()
	if err := tb.Register(100, 0xABCD, 200, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	newLBA, version, found := tb.Lookup(100, 0xABCD)
	if !found {
		t.Fatalf("expected a redirect to be found")
	}
	if newLBA != 200 || version != 1 {
		t.Fatalf("Lookup = (%d, %d), want (200, 1)", newLBA, version)
	}
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	tb := New()
	if _, _, found := tb.Lookup(1, 2); found {
		t.Fatalf("expected no redirect in an empty table")
	}
}

func TestRegisterOverwritesSameKey(t *testing.T) {
	tb := New()
	if err := tb.Register(5, 9, 50, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tb.Register(5, 9, 60, 2); err != nil {
		t.Fatalf("Register overwrite: %v", err)
	}
	newLBA, version, found := tb.Lookup(5, 9)
	if !found || newLBA != 60 || version != 2 {
		t.Fatalf("Lookup after overwrite = (%d, %d, %v), want (60, 2, true)", newLBA, version, found)
	}
}

func TestDifferentSeedHashSameOldLBADoNotCollide(t *testing.T) {
	tb := New()
	if err := tb.Register(10, 1, 101, 1); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := tb.Register(10, 2, 102, 1); err != nil {
		t.Fatalf("Register second: %v", err)
	}
	n1, _, found1 := tb.Lookup(10, 1)
	n2, _, found2 := tb.Lookup(10, 2)
	if !found1 || !found2 {
		t.Fatalf("expected both distinct-seed_hash entries to resolve")
	}
	if n1 == n2 {
		t.Fatalf("expected distinct new_lba for distinct seed_hash entries, got %d for both", n1)
	}
}

func TestClearThenLookupMisses(t *testing.T) {
	tb := New()
	if err := tb.Register(7, 7, 77, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tb.Clear(7, 7)
	if _, _, found := tb.Lookup(7, 7); found {
		t.Fatalf("expected redirect to be gone after Clear")
	}
}

func TestTombstoneSlotIsReusedByRegister(t *testing.T) {
	tb := New()
	if err := tb.Register(1, 1, 11, 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tb.Clear(1, 1)
	if err := tb.Register(2, 2, 22, 1); err != nil {
		t.Fatalf("Register after tombstone: %v", err)
	}
	newLBA, _, found := tb.Lookup(2, 2)
	if !found || newLBA != 22 {
		t.Fatalf("expected new entry to resolve after reusing a tombstoned slot, got found=%v newLBA=%d", found, newLBA)
	}
}
