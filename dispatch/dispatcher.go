// Package dispatch implements the I/O dispatcher: the entry point from
// the host block layer, spec.md §4.3. Map classifies a request, resolves
// or requests a region grant, stripes writes across member devices, and
// issues (possibly degraded) reads.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"sync"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/cmn/atomic"
	"github.com/NVIDIA/ddraid/cmn/debug"
	"github.com/NVIDIA/ddraid/cmn/nlog"
	"github.com/NVIDIA/ddraid/codec"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/member"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/stats"
)

// GrantRequester enqueues a grant query on the outbound worker
// (spec.md §4.5 "Requests queue"). Implemented by protocol.Engine; kept
// as an interface here so dispatch never imports protocol.
type GrantRequester interface {
	RequestGrant(regnum uint64)
}

// Submitter issues one child request to its member device and invokes cb
// once the I/O completes (spec.md: "invoked in an asynchronous completion
// context"). Implemented by member.Set in production, faked in tests.
type Submitter interface {
	Submit(child *iop.ChildRequest, cb func(*iop.ChildRequest, error))
}

type Dispatcher struct {
	Table   *region.Table
	Members *member.Set
	Sub     Submitter
	Codec   *codec.Codec
	Grants  GrantRequester

	// OnChildDone is wired by volume.Open to completion.Handler.HandleChildDone.
	// Kept as a settable func field so this package never imports completion.
	OnChildDone func(*iop.ChildRequest, error)

	handshakeReady atomic.Bool
	balance        atomic.Int32 // mirror round-robin counter

	bogusMu sync.Mutex
	bogus   []*iop.Request // pre-handshake deferred requests
}

func New(tbl *region.Table, mem *member.Set, sub Submitter, gr GrantRequester) *Dispatcher {
	return &Dispatcher{
		Table:   tbl,
		Members: mem,
		Sub:     sub,
		Codec:   codec.New(mem.Stripe, mem.FragSize),
		Grants:  gr,
	}
}

// SetHandshakeReady marks the region size as known (REPLY_IDENTIFY
// received) and drains the pre-handshake bogus list (spec.md §4.3 step 1).
func (d *Dispatcher) SetHandshakeReady() {
	d.handshakeReady.Store(true)
	d.bogusMu.Lock()
	pending := d.bogus
	d.bogus = nil
	d.bogusMu.Unlock()
	for _, req := range pending {
		d.Map(req)
	}
}

// Map is the entry point from the host block layer (spec.md §4.3).
func (d *Dispatcher) Map(req *iop.Request) bool {
	if !d.handshakeReady.Load() {
		d.bogusMu.Lock()
		d.bogus = append(d.bogus, req)
		d.bogusMu.Unlock()
		return true
	}

	if req.Dir == iop.Read && len(req.Buf) < d.Members.BlockSize {
		return d.bounceRead(req)
	}
	if req.Dir == iop.Write && len(req.Buf)%d.Members.BlockSize != 0 {
		req.OnDone(cmn.ErrAlignment)
		return false
	}

	if req.Dir == iop.Read {
		return d.mapRead(req)
	}
	return d.mapWrite(req)
}

// synced answers spec.md §4.3 step 3: "not cached, or cached without
// DESYNC, provided regnum < highwater". Above highwater the state is
// unknown and treated as not-synced (conservative: full striped read).
func (d *Dispatcher) synced(regnum uint64) bool {
	hw := d.Table.Highwater()
	if regnum >= hw {
		return false
	}
	if !d.Table.MaybeDesynced(regnum) {
		return true // advisory fast path: definitely not cached-desynced
	}
	var synced bool
	d.Table.WithLock(func() {
		rec := d.Table.Lookup(regnum)
		synced = rec == nil || !rec.HasFlag(region.Desync)
	})
	return synced
}

func (d *Dispatcher) mapRead(req *iop.Request) bool {
	dead := d.Members.DeadDataMember()
	if dead < 0 {
		return d.mapReadNormal(req)
	}
	return d.mapReadDegraded(req, dead)
}

func (d *Dispatcher) mapReadNormal(req *iop.Request) bool {
	n := len(d.Members.Members)
	if n == 2 && d.synced(req.Regnum) {
		idx := int(d.balance.Inc()) % 2
		return d.submitSingleMemberRead(req, idx)
	}

	hook := &iop.Hook{Regnum: req.Regnum, OrigSector: req.Sector, OrigLen: len(req.Buf), MissingMember: -1}
	req.Hook = hook
	children := d.buildDataReadChildren(req)
	if len(req.Buf)/d.Members.BlockSize > 1 {
		// multi-block: each child's Buf is a separate gathered buffer that
		// completion must scatter back into req.Buf (see gather/scatter).
		hook.ReadChildren = children
	}
	req.InitRefc(int32(len(children)))
	for _, c := range children {
		d.Sub.Submit(c, d.onChildDone)
	}
	return true
}

// mapReadDegraded issues N-1 data reads (skipping `dead`) plus the parity
// fragment, then reconstructs on completion (spec.md §4.3 step 4).
func (d *Dispatcher) mapReadDegraded(req *iop.Request, dead int) bool {
	if d.Members.ParityDead() {
		req.OnDone(cmn.ErrDegradedNoParity)
		return false
	}
	hook := &iop.Hook{
		Regnum:        req.Regnum,
		OrigSector:    req.Sector,
		OrigLen:       len(req.Buf),
		Degraded:      true,
		MissingMember: dead,
	}
	req.Hook = hook

	var children []*iop.ChildRequest
	nBlocks := len(req.Buf) / d.Members.BlockSize
	fragSize := d.Members.FragSize
	hook.DataFragments = make([][]byte, d.Members.Stripe)
	for m := 0; m < d.Members.Stripe; m++ {
		if m == dead {
			hook.DataFragments[m] = make([]byte, nBlocks*fragSize) // filled by reconstruction
			continue
		}
		buf := make([]byte, nBlocks*fragSize)
		hook.DataFragments[m] = buf
		children = append(children, &iop.ChildRequest{Parent: req, Member: m, Length: len(buf), Buf: buf, Dir: iop.Read})
	}
	hook.ParityBuf = make([]byte, nBlocks*fragSize)
	children = append(children, &iop.ChildRequest{
		Parent: req, Member: d.Members.ParityIndex(), Length: len(hook.ParityBuf), Buf: hook.ParityBuf,
		Dir: iop.Read, IsParity: true,
	})

	req.InitRefc(int32(len(children)))
	for _, c := range children {
		d.Sub.Submit(c, d.onChildDone)
	}
	return true
}

func (d *Dispatcher) buildDataReadChildren(req *iop.Request) []*iop.ChildRequest {
	nBlocks := len(req.Buf) / d.Members.BlockSize
	fragSize := d.Members.FragSize
	children := make([]*iop.ChildRequest, 0, d.Members.Stripe)
	for m := 0; m < d.Members.Stripe; m++ {
		if nBlocks == 1 {
			children = append(children, &iop.ChildRequest{
				Parent: req, Member: m, Offset: m * fragSize, Length: fragSize, Dir: iop.Read,
			})
			continue
		}
		buf := member.Gather(req.Buf, m, fragSize, d.Members.Stripe, nBlocks)
		children = append(children, &iop.ChildRequest{Parent: req, Member: m, Length: len(buf), Buf: buf, Dir: iop.Read})
	}
	return children
}

func (d *Dispatcher) submitSingleMemberRead(req *iop.Request, idx int) bool {
	hook := &iop.Hook{Regnum: req.Regnum, OrigSector: req.Sector, OrigLen: len(req.Buf), MissingMember: -1}
	req.Hook = hook
	req.InitRefc(1)
	child := &iop.ChildRequest{Parent: req, Member: idx, Offset: 0, Length: len(req.Buf), Dir: iop.Read}
	d.Sub.Submit(child, d.onChildDone)
	return true
}

func (d *Dispatcher) mapWrite(req *iop.Request) bool {
	var (
		submit     bool
		deferred   bool
		grantQuery bool
		rec        *region.Record
	)
	d.Table.WithLock(func() {
		rec = d.Table.Lookup(req.Regnum)
		switch {
		case rec != nil && rec.Count() >= 0 && !rec.HasFlag(region.Drain):
			rec.IncCount()
			submit = true
		case rec != nil && rec.Count() >= 0 && rec.HasFlag(region.Drain):
			// owned but draining: park only; the outbound worker
			// re-requests a grant once the drain's release completes
			// (spec.md §4.5 releases handling).
			rec.AddWaiter(newWaiter(d, req, rec))
			deferred = true
		default:
			if rec == nil {
				rec = d.Table.Insert(req.Regnum, 0, region.CountRequested)
				grantQuery = true
			} else if rec.Count() == region.CountCached {
				rec.SetCount(region.CountRequested)
				grantQuery = true
			}
			rec.AddWaiter(newWaiter(d, req, rec))
			deferred = true
		}
	})
	debug.Assert(submit != deferred || (!submit && !deferred))
	if grantQuery {
		d.Grants.RequestGrant(req.Regnum)
	}
	if submit {
		d.submitWrite(req, rec)
	}
	return submit || deferred
}

// submitWrite stripes req across member devices and submits each child.
// The caller is responsible for having already incremented the region's
// count under the table lock (either directly, for an already-granted
// region, or via the grant-drain atomicity rule in protocol/inbound.go).
// rec is captured onto the hook so the completion path can decrement the
// region count lock-free.
func (d *Dispatcher) submitWrite(req *iop.Request, rec *region.Record) {
	stats.IncInFlight()
	hook := &iop.Hook{Regnum: req.Regnum, OrigSector: req.Sector, OrigLen: len(req.Buf), MissingMember: -1, Rec: rec}
	req.Hook = hook

	nBlocks := len(req.Buf) / d.Members.BlockSize
	blockSize := d.Members.BlockSize
	fragSize := d.Members.FragSize
	dead := d.Members.DeadDataMember()

	// The codec operates on one block's worth of fragments at a time
	// (spec.md §4.1); a multi-block write's buffer is nBlocks concatenated
	// blocks, so parity is computed block by block.
	parity := make([]byte, nBlocks*fragSize)
	for b := 0; b < nBlocks; b++ {
		blockData := req.Buf[b*blockSize : (b+1)*blockSize]
		blockParity := parity[b*fragSize : (b+1)*fragSize]
		if dead >= 0 {
			d.Codec.ComputeDegraded(blockData, blockParity, dead)
		} else {
			d.Codec.Compute(blockData, blockParity)
		}
	}
	hook.ParityBuf = parity

	var children []*iop.ChildRequest
	for m := 0; m < d.Members.Stripe; m++ {
		if d.Members.Members[m].Dead {
			continue
		}
		if nBlocks == 1 {
			children = append(children, &iop.ChildRequest{
				Parent: req, Member: m, Offset: m * fragSize, Length: fragSize, Dir: iop.Write,
			})
			continue
		}
		children = append(children, &iop.ChildRequest{
			Parent: req, Member: m, Length: nBlocks * fragSize,
			Buf: member.Gather(req.Buf, m, fragSize, d.Members.Stripe, nBlocks), Dir: iop.Write,
		})
	}
	if !d.Members.ParityDead() {
		parityChild := &iop.ChildRequest{Parent: req, Member: d.Members.ParityIndex(), Length: len(parity), Buf: parity, Dir: iop.Write, IsParity: true}
		hook.ParityChild = parityChild
		children = append(children, parityChild)
	}

	req.InitRefc(int32(len(children)))
	if cmn.Rom.FastV(5, "dispatch") {
		nlog.Infof("region %d: striping write across %d children (dead=%d)", req.Regnum, len(children), dead)
	}
	for _, c := range children {
		d.Sub.Submit(c, d.onChildDone)
	}
}

func (d *Dispatcher) onChildDone(child *iop.ChildRequest, err error) {
	if d.OnChildDone != nil {
		d.OnChildDone(child, err)
	}
}
