package region

import (
	"sync"
	"testing"
)

func TestInsertLookupRemove(t *testing.T) {
	tb := NewTable()
	var rec *Record
	tb.WithLock(func() {
		if got := tb.Lookup(42); got != nil {
			t.Fatalf("expected no record before insert, got %v", got)
		}
		rec = tb.Insert(42, 0, CountRequested)
	})
	if rec.Regnum != 42 {
		t.Fatalf("regnum = %d, want 42", rec.Regnum)
	}
	if rec.Count() != CountRequested {
		t.Fatalf("count = %d, want %d", rec.Count(), CountRequested)
	}
	tb.WithLock(func() {
		if got := tb.Lookup(42); got != rec {
			t.Fatalf("lookup did not return the same record")
		}
	})
	if tb.Len() != 1 {
		t.Fatalf("len = %d, want 1", tb.Len())
	}
	tb.WithLock(func() { tb.Remove(rec) })
	if tb.Len() != 0 {
		t.Fatalf("len after remove = %d, want 0", tb.Len())
	}
	tb.WithLock(func() {
		if got := tb.Lookup(42); got != nil {
			t.Fatalf("expected no record after remove, got %v", got)
		}
	})
}

func TestInsertIsIdempotentUnderLock(t *testing.T) {
	tb := NewTable()
	var a, b *Record
	tb.WithLock(func() {
		a = tb.Insert(7, 0, CountRequested)
		b = tb.Insert(7, 0, CountRequested)
	})
	if a != b {
		t.Fatalf("second Insert of an existing regnum should return the same record")
	}
	if tb.Len() != 1 {
		t.Fatalf("len = %d, want 1", tb.Len())
	}
}

func TestSpareDisciplineReplenishes(t *testing.T) {
	tb := NewTable()
	firstSpareID := tb.spare.ID
	tb.WithLock(func() {
		tb.Insert(1, 0, CountRequested)
	})
	if tb.spare.ID == firstSpareID && firstSpareID != "" {
		t.Fatalf("spare should have been replenished with a fresh record")
	}
	// the replenished spare must be usable for the next insert without
	// ever allocating under the lock (can't directly observe that here,
	// but at minimum the next insert must succeed and be independent).
	tb.WithLock(func() {
		tb.Insert(2, 0, CountRequested)
	})
	if tb.Len() != 2 {
		t.Fatalf("len = %d, want 2", tb.Len())
	}
}

func TestHighwater(t *testing.T) {
	tb := NewTable()
	if tb.Highwater() != 0 {
		t.Fatalf("default highwater should be 0")
	}
	tb.SetHighwater(100)
	if tb.Highwater() != 100 {
		t.Fatalf("highwater = %d, want 100", tb.Highwater())
	}
}

func TestMaybeDesyncedAdvisory(t *testing.T) {
	tb := NewTable()
	if tb.MaybeDesynced(5) {
		t.Fatalf("empty filter should report no regions desynced")
	}
	tb.WithLock(func() {
		tb.Insert(5, Desync, CountCached)
	})
	if !tb.MaybeDesynced(5) {
		t.Fatalf("filter should report region 5 as possibly desynced after insert with Desync flag")
	}
}

func TestCountSentinelsAndFlags(t *testing.T) {
	tb := NewTable()
	var rec *Record
	tb.WithLock(func() {
		rec = tb.Insert(9, Desync, CountCached)
	})
	if !rec.HasFlag(Desync) {
		t.Fatalf("expected Desync flag set")
	}
	if rec.HasFlag(Drain) {
		t.Fatalf("expected Drain flag unset")
	}
	if rec.Count() != CountCached {
		t.Fatalf("count = %d, want %d", rec.Count(), CountCached)
	}
}

func TestMarkDesyncCreatesCachedRecord(t *testing.T) {
	tb := NewTable()
	rec := tb.MarkDesync(3)
	if rec == nil || !rec.HasFlag(Desync) {
		t.Fatalf("expected a new record with Desync set")
	}
	if rec.Count() != CountCached {
		t.Fatalf("count = %d, want %d", rec.Count(), CountCached)
	}
	if !tb.MaybeDesynced(3) {
		t.Fatalf("advisory filter should report regnum 3 as possibly desynced")
	}
}

func TestMarkDesyncOnExistingRecordIsIdempotent(t *testing.T) {
	tb := NewTable()
	var rec *Record
	tb.WithLock(func() { rec = tb.Insert(4, 0, 0) })
	got := tb.MarkDesync(4)
	if got != rec {
		t.Fatalf("MarkDesync should operate on the existing record, not create a new one")
	}
	if !rec.HasFlag(Desync) {
		t.Fatalf("expected Desync flag set on the existing record")
	}
	if rec.Count() != 0 {
		t.Fatalf("MarkDesync must not disturb an existing record's count, got %d", rec.Count())
	}
}

func TestClearDesync(t *testing.T) {
	tb := NewTable()
	tb.MarkDesync(6)
	tb.ClearDesync(6)
	tb.WithLock(func() {
		rec := tb.Lookup(6)
		if rec.HasFlag(Desync) {
			t.Fatalf("expected Desync flag cleared")
		}
	})
}

func TestClearDesyncOnUnknownRegionIsNoop(t *testing.T) {
	tb := NewTable()
	tb.ClearDesync(999) // must not panic
}

// TestConcurrentInsertDoesNotAliasSpare exercises the race the dispatcher
// and the inbound reader's resolveGrant create in production: two
// goroutines calling Insert for distinct regnums close enough together
// that one can land in the other's spare-replenishment window. Insert
// must never let two goroutines reset the same *Record for different
// regnums.
func TestConcurrentInsertDoesNotAliasSpare(t *testing.T) {
	tb := NewTable()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		regnum := uint64(i)
		go func() {
			defer wg.Done()
			tb.WithLock(func() {
				tb.Insert(regnum, 0, CountRequested)
			})
		}()
	}
	wg.Wait()

	if got := tb.Len(); got != n {
		t.Fatalf("len = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		regnum := uint64(i)
		tb.WithLock(func() {
			rec := tb.Lookup(regnum)
			if rec == nil {
				t.Fatalf("regnum %d missing after concurrent insert", regnum)
			}
			if rec.Regnum != regnum {
				t.Fatalf("record for regnum %d reports Regnum=%d (aliased by another insert)", regnum, rec.Regnum)
			}
		})
	}
}

func TestRangeVisitsAll(t *testing.T) {
	tb := NewTable()
	tb.WithLock(func() {
		tb.Insert(1, 0, CountRequested)
		tb.Insert(2, 0, CountRequested)
		tb.Insert(3, 0, CountRequested)
	})
	seen := map[uint64]bool{}
	tb.Range(func(r *Record) { seen[r.Regnum] = true })
	for _, want := range []uint64{1, 2, 3} {
		if !seen[want] {
			t.Fatalf("Range did not visit regnum %d", want)
		}
	}
}
