// Package iop holds the shared request/child-request/hook types threaded
// between the dispatcher and the completion path (spec.md §3 "Request",
// "Child request", "Hook"). Kept as plain data with no behavior beyond
// the refcount primitive, so both dispatch and completion can depend on
// it without a cycle between them.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package iop

import "github.com/NVIDIA/ddraid/cmn/atomic"

// RegionCounter is the subset of region.Record's API the completion path
// needs. Declared here (rather than importing region) so iop stays a leaf
// package with no dependency on region's hash-table machinery.
type RegionCounter interface {
	DecCount() int32
}

type Direction int

const (
	Read Direction = iota
	Write
)

// Request is a single incoming logical I/O spanning exactly one region
// (spec.md §3: "the external caller is responsible for splitting").
type Request struct {
	Dir    Direction
	Sector uint64
	Buf    []byte // the caller's page vector, flattened to one buffer
	Regnum uint64

	// OnDone is the completion hook back into the host block layer
	// (out of scope per spec.md §1; represented here as a callback so the
	// completion path has somewhere to signal without depending on a
	// kernel block-layer type).
	OnDone func(error)

	Hook *Hook

	refc atomic.Int32 // shared counter, reaches zero on the last sibling
	err  atomic.Int32 // CAS latch: 0 until the first sibling error is recorded
	firstErr error
}

// InitRefc sets the shared counter to the number of children actually
// submitted (N - dead_count, spec.md §4.3 "Striping a write").
func (r *Request) InitRefc(n int32) { r.refc.Store(n) }

// DecRefc decrements the shared counter and returns the value after
// decrementing; the completion path arms its "last sibling" logic when
// this reaches zero (spec.md §4.4).
func (r *Request) DecRefc() int32 { return r.refc.Dec() }

// SetErr records the first non-nil error seen across siblings; later
// errors are dropped (spec.md §7: "the parent fails with the same
// status; no transparent retry at this layer").
func (r *Request) SetErr(err error) {
	if err != nil && r.err.CAS(0, 1) {
		r.firstErr = err
	}
}

func (r *Request) Err() error { return r.firstErr }

// ChildRequest is a per-member-device I/O carved from a parent.
type ChildRequest struct {
	Parent   *Request
	Member   int
	Offset   int // byte offset into the parent's buffer (write source / read target)
	Length   int
	Dir      Direction
	Buf      []byte // nil for plain reads/writes that alias Parent.Buf[Offset:Offset+Length]
	IsParity bool
}

// Hook is the per-parent completion context (spec.md §3 "Hook"): owning
// device, region back-reference, optional parity child, original
// sector/length for diagnostics.
type Hook struct {
	Regnum        uint64
	ParityChild   *ChildRequest // kept so its pages can be freed on completion
	OrigSector    uint64
	OrigLen       int
	Degraded      bool
	MissingMember int // -1 if not degraded

	// Rec is the write's region record, captured once while the table
	// lock was held so the completion path can decrement the region count
	// lock-free (spec.md §5 "Non-locked atomics"): nil for reads.
	Rec RegionCounter

	// ReadChildren holds the child requests for a non-degraded,
	// multi-fragment read whose members were gathered into separate
	// per-member buffers (Buf != nil); completion scatters them back into
	// the parent's buffer. Children that alias the parent buffer directly
	// (single-block reads, Buf == nil) need no scatter and are omitted.
	ReadChildren []*ChildRequest

	ParityBuf     []byte
	DataFragments [][]byte // per-member buffers gathered for degraded-read reconstruction
}
