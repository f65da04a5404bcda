// Package completion implements the completion path: spec.md §4.4,
// invoked in an asynchronous completion context that may not acquire
// sleeping locks and may not allocate except from an emergency pool. It
// reference-counts child completions, triggers degraded-read
// reconstruction, and arms delayed release on the last write in a region.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package completion

import (
	"sync"
	"time"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/cmn/nlog"
	"github.com/NVIDIA/ddraid/codec"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/member"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/stats"
)

// RetireEnqueuer hands a region off to the outbound worker's release
// queue once its delayed-release timer fires (spec.md §4.4 "enqueue a
// retire record ... and signal it"). Implemented by protocol.Engine; kept
// as an interface so completion never imports protocol.
type RetireEnqueuer interface {
	EnqueueRelease(regnum uint64)
}

// Handler runs the completion path for one volume.
type Handler struct {
	Table   *region.Table
	Members *member.Set
	Codec   *codec.Codec
	Retire  RetireEnqueuer

	// ReleaseDelay overrides cmn.GCO's configured delay; zero means "read
	// from config at arm time". Tests set this directly to avoid racing
	// the global config.
	ReleaseDelay time.Duration

	// hold is the destroy-hold: non-zero while at least one delayed
	// release is armed (spec.md §5 "gates the final teardown"). Quiesce
	// waits for it to drain.
	hold sync.WaitGroup
}

func New(tbl *region.Table, mem *member.Set, cod *codec.Codec, retire RetireEnqueuer) *Handler {
	return &Handler{Table: tbl, Members: mem, Codec: cod, Retire: retire}
}

// HandleChildDone is wired onto dispatch.Dispatcher.OnChildDone by
// volume.Open (through volume's wrapChildDone). Every sibling calls this exactly once; the last one to
// arrive (refc reaching zero) runs the read/write finish logic and
// signals the parent.
func (h *Handler) HandleChildDone(child *iop.ChildRequest, err error) {
	req := child.Parent
	req.SetErr(err)
	if req.DecRefc() != 0 {
		return
	}
	if req.Dir == iop.Write {
		h.finishWrite(req)
	} else {
		h.finishRead(req)
	}
	req.OnDone(req.Err())
}

// finishRead runs degraded-read reconstruction or scatters a gathered
// multi-block read back into the caller's buffer (spec.md §4.4
// "Read, degraded" / implicit non-degraded scatter).
func (h *Handler) finishRead(req *iop.Request) {
	hook := req.Hook
	req.Hook = nil
	if hook == nil || req.Err() != nil {
		return // a failed child: the parent surfaces the error as-is, no repair
	}
	if hook.Degraded {
		h.reconstruct(req, hook)
		return
	}
	if len(hook.ReadChildren) > 0 {
		h.scatter(req, hook)
	}
}

func (h *Handler) blockCount(hook *iop.Hook) int {
	n := hook.OrigLen / h.Members.BlockSize
	if n == 0 {
		n = 1
	}
	return n
}

// reconstruct runs the codec's reconstruction identity once per block
// (spec.md §4.1 "reconstruct"), then scatters every member's fragments —
// survivors and the reconstructed one alike — back into the caller's
// buffer.
func (h *Handler) reconstruct(req *iop.Request, hook *iop.Hook) {
	fragSize := h.Members.FragSize
	stripe := h.Members.Stripe
	nBlocks := h.blockCount(hook)

	frags := make([][]byte, stripe)
	for b := 0; b < nBlocks; b++ {
		for m := 0; m < stripe; m++ {
			frags[m] = hook.DataFragments[m][b*fragSize : (b+1)*fragSize]
		}
		parityBlock := hook.ParityBuf[b*fragSize : (b+1)*fragSize]
		h.Codec.ReconstructFragments(frags, parityBlock, hook.MissingMember)
	}
	for m := 0; m < stripe; m++ {
		member.Scatter(req.Buf, m, fragSize, stripe, nBlocks, hook.DataFragments[m])
	}
	if cmn.Rom.FastV(5, "completion") {
		nlog.Infof("region %d: reconstructed missing member %d", hook.Regnum, hook.MissingMember)
	}
}

// scatter reassembles a non-degraded multi-block read whose member
// fragments were gathered into separate buffers (dispatch.mapReadNormal).
func (h *Handler) scatter(req *iop.Request, hook *iop.Hook) {
	fragSize := h.Members.FragSize
	stripe := h.Members.Stripe
	nBlocks := h.blockCount(hook)
	for _, c := range hook.ReadChildren {
		if c.Buf == nil {
			continue // aliased straight into req.Buf already, nothing to scatter
		}
		member.Scatter(req.Buf, c.Member, fragSize, stripe, nBlocks, c.Buf)
	}
}

// finishWrite decrements the region count lock-free (spec.md §5) and, on
// the transition to zero, arms a delayed release (spec.md §4.4 "Write").
func (h *Handler) finishWrite(req *iop.Request) {
	stats.DecInFlight()
	hook := req.Hook
	req.Hook = nil
	if hook == nil || hook.Rec == nil {
		return
	}
	if hook.Rec.DecCount() != 0 {
		return
	}
	h.armRelease(hook.Regnum)
}

// ArmRelease starts the delayed-release timer for regnum from outside a
// request completion: the grant-drain atomicity rule in
// protocol/inbound.go drops its temporary pin with a final DecCount, and
// if that reaches zero (an empty wait list at grant time) it arms a
// release exactly as a write completion would.
func (h *Handler) ArmRelease(regnum uint64) {
	h.armRelease(regnum)
}

// armRelease starts the ~1s delayed-release timer (spec.md §4.4, §4.4
// rationale: "back-to-back writes to the same region are common"). The
// destroy-hold counter is incremented before the timer is scheduled and
// decremented once it fires, so teardown can wait for every pending
// release to be enqueued.
func (h *Handler) armRelease(regnum uint64) {
	delay := h.ReleaseDelay
	if delay == 0 {
		delay = cmn.GCO.Get().Timeout.ReleaseDelay
	}
	stats.IncDelayedRelease()
	h.hold.Add(1)
	time.AfterFunc(delay, func() {
		defer h.hold.Done()
		h.Retire.EnqueueRelease(regnum)
	})
}

// Quiesce blocks until every armed delayed release has been enqueued on
// the outbound worker (spec.md §5 "Cancellation and shutdown": "destroy
// waits until it reaches zero").
func (h *Handler) Quiesce() {
	h.hold.Wait()
}
