// Package region implements the region table: the indexed set of
// per-region records tracking grant state, desync/drain flags, in-flight
// count, and deferred-request waiters (spec.md §3, §4.2).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package region

import "github.com/NVIDIA/ddraid/cmn/atomic"

// Count sentinels (spec.md §3).
const (
	CountRequested = int32(-1) // grant requested, waiting for server reply
	CountCached    = int32(-2) // no grant, region known desynced, cached for readers
)

type Flags uint32

const (
	Desync Flags = 1 << iota // server reports region dirty/unsynced
	Drain                    // server asked us to release once in-flight drains
)

// Waiter is a deferred request parked on a region's wait list. Resume is
// invoked with the region lock already released, once a grant for the
// region arrives (GRANT_SYNCED or GRANT_UNSYNCED).
type Waiter interface {
	Resume()
}

// Record is a single region's tracked state. Regnum and ID never change
// after Insert; count, flags, and wait are owned by the Table's lock
// except for count decrements, which spec.md §5 permits lock-free (only
// the 1->0 transition is externally visible, and exactly one decrementer
// ever observes it).
type Record struct {
	Regnum uint64
	ID     string // diagnostic id, assigned at Insert (teris-io/shortid)

	count atomic.Int32
	flags Flags
	wait  []Waiter

	// Release is cleared when the record is reset and is not otherwise
	// set by this module: delayed-release timers are created per arm by
	// completion.Handler.armRelease and are not stored on the record.
	Release any
}

func (r *Record) Count() int32 { return r.count.Load() }

// DecCount is the lock-free decrement path (spec.md §5 "Non-locked
// atomics"): completions call this without the table lock. It returns the
// count after decrementing, so the caller can detect the 1->0 transition.
func (r *Record) DecCount() int32 { return r.count.Dec() }

func (r *Record) Flags() Flags { return r.flags }

func (r *Record) HasFlag(f Flags) bool { return r.flags&f != 0 }

// SetFlag/ClearFlag must be called with the table lock held.
func (r *Record) SetFlag(f Flags)   { r.flags |= f }
func (r *Record) ClearFlag(f Flags) { r.flags &^= f }

// SetCount/IncCount must be called with the table lock held (spec.md §5:
// "Increments occur only under the region lock").
func (r *Record) SetCount(n int32) { r.count.Store(n) }
func (r *Record) IncCount() int32  { return r.count.Inc() }

// AddWaiter appends to the deferred-request list; must be called with
// the table lock held.
func (r *Record) AddWaiter(w Waiter) { r.wait = append(r.wait, w) }

// TakeWaiters atomically empties and returns the wait list; must be
// called with the table lock held.
func (r *Record) TakeWaiters() []Waiter {
	w := r.wait
	r.wait = nil
	return w
}

// Wait returns the current deferred-request list; callers must hold the
// table lock (Table.WithLock) while reading it for anything beyond a
// length check, since append can reallocate.
func (r *Record) Wait() []Waiter { return r.wait }

func (r *Record) reset(regnum uint64, id string, initFlags Flags, initCount int32) {
	r.Regnum = regnum
	r.ID = id
	r.flags = initFlags
	r.count.Store(initCount)
	r.wait = r.wait[:0]
	r.Release = nil
}
