package region

import (
	"encoding/binary"
	"sync"

	"github.com/NVIDIA/ddraid/cmn/nlog"
	"github.com/NVIDIA/ddraid/stats"
	xxhash "github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"
)

const numBuckets = 256 // power of two; hashed index via xxhash

// Table is the single hash table of tracked regions, guarded by one
// non-reentrant lock (spec.md §4.2): "All operations hold a single
// non-reentrant lock that is never nested under any other lock.
// Interrupt-context code must not acquire it."
type Table struct {
	mu      sync.Mutex
	buckets [numBuckets][]*Record
	n       int

	// spare is a pre-allocated record consumed by Insert so allocation
	// never happens while mu is held (spec.md §4.2 "spare record").
	spare *Record

	// desync is an advisory cuckoo filter: "might this regnum be
	// desynced" answered without taking mu, used by the dispatcher's hot
	// read path (spec.md §4.3 step 3) to skip the lock in the common
	// case. It is rebuilt lazily on Insert/Remove touching Desync and is
	// never authoritative — a false positive just costs one extra locked
	// Lookup, a false negative is prevented by always rebuilding on the
	// transitions that matter (ADD_UNSYNCED/DEL_UNSYNCED, GRANT_UNSYNCED).
	desync *cuckoo.Filter

	highwater uint64 // regnum boundary; guarded by mu, see Highwater/SetHighwater
}

func NewTable() *Table {
	t := &Table{
		desync: cuckoo.NewFilter(4096),
	}
	t.spare = t.allocRecord()
	return t
}

func (t *Table) allocRecord() *Record {
	id, err := shortid.Generate()
	if err != nil {
		id = "" // diagnostics-only; never fatal
	}
	return &Record{ID: id}
}

func bucketOf(regnum uint64) int {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], regnum)
	return int(xxhash.Checksum64(key[:]) % numBuckets)
}

func desyncKey(regnum uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], regnum)
	return key[:]
}

// WithLock runs fn with the table lock held; used by callers (dispatcher,
// outbound worker, inbound reader) that need to look up and then mutate a
// record atomically with respect to other table operations. fn must not
// sleep, allocate, or submit I/O (spec.md §5).
func (t *Table) WithLock(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// Lookup finds the record for regnum, or nil. Must be called with the
// lock held (via WithLock) when the result will be mutated; a lock-free
// variant isn't offered because every real caller needs to act on what it
// finds under the same lock (insert-if-absent, drain wait list, etc.).
func (t *Table) Lookup(regnum uint64) *Record {
	b := t.buckets[bucketOf(regnum)]
	for _, r := range b {
		if r.Regnum == regnum {
			return r
		}
	}
	return nil
}

// MaybeDesynced is the lock-free advisory fast path: false means "you may
// treat this region as synced without taking the lock"; true means "take
// the lock and check properly" (may be a false positive).
func (t *Table) MaybeDesynced(regnum uint64) bool {
	return t.desync.Lookup(desyncKey(regnum))
}

// Insert installs a new record for regnum using the spare-record
// discipline (spec.md §4.2): lock, check again, consume the spare without
// allocating under the lock, then replenish the spare outside the lock.
// Must be called with the lock already held (from a WithLock block that
// first did a failed Lookup), matching the "take lock; if lookup
// succeeds, use existing record; otherwise consume the spare" protocol.
//
// t.spare is cleared the instant it's consumed, before the lock is ever
// dropped to replenish it. A second Insert landing in that window (two
// independent regnums really do race here: the foreground dispatcher and
// the inbound reader's resolveGrant both call Insert, per spec.md §5's
// scheduling model) finds spare == nil and allocates its own record
// rather than reusing the pointer this call is still linking into its
// bucket — reusing it there would let two goroutines reset the same
// *Record for two different regnums concurrently.
func (t *Table) Insert(regnum uint64, initFlags Flags, initCount int32) *Record {
	if r := t.Lookup(regnum); r != nil {
		return r
	}
	r := t.spare
	t.spare = nil
	if r == nil {
		r = t.allocRecord()
	}
	r.reset(regnum, r.ID, initFlags, initCount)
	bi := bucketOf(regnum)
	t.buckets[bi] = append(t.buckets[bi], r)
	t.n++
	if initFlags&Desync != 0 {
		t.insertDesyncFilterLocked(regnum)
	}
	t.publishStatsLocked()

	// Replenishing the spare is the only part that allocates, so it's the
	// only part that drops the lock. Another Insert may have already
	// replenished t.spare by the time we reacquire it; in that case fresh
	// is simply discarded.
	t.mu.Unlock()
	fresh := t.allocRecord()
	t.mu.Lock()
	if t.spare == nil {
		t.spare = fresh
	}

	return r
}

// insertDesyncFilterLocked adds regnum to the advisory desync filter.
// Must be called with the lock held.
func (t *Table) insertDesyncFilterLocked(regnum uint64) {
	if !t.desync.InsertUnique(desyncKey(regnum)) {
		nlog.Warningf("region %d: desync filter at capacity, dropping advisory entry", regnum)
	}
}

// MarkDesyncFilter adds regnum to the advisory desync filter without
// touching a record's flags or count. Callers that already hold the lock
// while reacting to a desync transition they track themselves — notably
// protocol.Engine.resolveGrant on a GRANT_UNSYNCED reply — call this
// directly instead of nesting through WithLock/MarkDesync.
func (t *Table) MarkDesyncFilter(regnum uint64) {
	t.insertDesyncFilterLocked(regnum)
}

// publishStatsLocked recomputes the region-count gauges from the current
// table contents. Called from Insert/Remove, the two places the table's
// bucket membership actually changes; SetCount transitions in between
// (grant landing, cache eviction) are reflected on the next structural
// mutation, which is an acceptable lag for a gauge that only backs
// dashboards (spec.md §9 "observability"). Must be called with the lock
// held.
func (t *Table) publishStatsLocked() {
	var owned, requested, cached int
	for _, b := range t.buckets {
		for _, r := range b {
			switch c := r.Count(); {
			case c == CountRequested:
				requested++
			case c == CountCached:
				cached++
			default:
				owned++
			}
		}
	}
	stats.SetRegionCounts(owned, requested, cached)
}

// Remove deletes rec from the table. Must be called with the lock held.
func (t *Table) Remove(rec *Record) {
	bi := bucketOf(rec.Regnum)
	b := t.buckets[bi]
	for i, r := range b {
		if r == rec {
			t.buckets[bi] = append(b[:i], b[i+1:]...)
			t.n--
			break
		}
	}
	if rec.flags&Desync != 0 {
		// best-effort: a stale false positive just costs one extra
		// locked re-check on the next lookup, which is always safe.
		t.desync.Delete(desyncKey(rec.Regnum))
	}
	t.publishStatsLocked()
}

// MarkDesync sets the Desync flag for regnum (creating a cached record if
// none is tracked yet) and keeps the advisory filter in sync. Used by the
// inbound reader on ADD_UNSYNCED (spec.md §4.5); a GRANT_UNSYNCED reply
// sets the flag itself and calls MarkDesyncFilter instead.
func (t *Table) MarkDesync(regnum uint64) *Record {
	var rec *Record
	t.WithLock(func() {
		rec = t.Lookup(regnum)
		if rec == nil {
			rec = t.Insert(regnum, Desync, CountCached)
			return
		}
		if rec.HasFlag(Desync) {
			return
		}
		rec.SetFlag(Desync)
		t.insertDesyncFilterLocked(regnum)
	})
	return rec
}

// ClearDesync clears the Desync flag, if a record is tracked at all
// (DEL_UNSYNCED, spec.md §4.5). The advisory filter is left alone: a
// stale positive only costs one extra locked re-check later, which is
// always safe.
func (t *Table) ClearDesync(regnum uint64) {
	t.WithLock(func() {
		if rec := t.Lookup(regnum); rec != nil {
			rec.ClearFlag(Desync)
		}
	})
}

// Highwater returns the currently published regnum boundary (spec.md §3).
func (t *Table) Highwater() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highwater
}

// SetHighwater installs a new highwater boundary (SET_HIGHWATER, §4.5).
func (t *Table) SetHighwater(regnum uint64) {
	t.mu.Lock()
	t.highwater = regnum
	t.mu.Unlock()
}

// Range iterates every tracked record for diagnostics (spec.md §4.2
// "iteration for diagnostics"). fn must not mutate the table.
func (t *Table) Range(fn func(*Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		for _, r := range b {
			fn(r)
		}
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
