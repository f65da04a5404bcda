package protocol

import (
	"time"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/cmn/nlog"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/stats"
	"github.com/NVIDIA/ddraid/wire"
)

// handleMessage dispatches one inbound data-socket message (spec.md
// §4.5's message table).
func (e *Engine) handleMessage(code wire.Code, body []byte) error {
	switch code {
	case wire.CodeReplyIdentify:
		return e.handleReplyIdentify(body)
	case wire.CodeGrantSynced:
		return e.handleGrant(body, true)
	case wire.CodeGrantUnsynced:
		return e.handleGrant(body, false)
	case wire.CodeAddUnsynced:
		return e.handleAddUnsynced(body)
	case wire.CodeDelUnsynced:
		return e.handleDelUnsynced(body)
	case wire.CodeSetHighwater:
		return e.handleSetHighwater(body)
	case wire.CodeDrainRegion:
		return e.handleDrainRegion(body)
	case wire.CodePauseRequests:
		e.paused.Store(true)
	case wire.CodeResumeRequests:
		e.paused.Store(false)
		e.queues.wake()
	case wire.CodeBounceRequest:
		return e.handleBounce(body)
	default:
		nlog.Warningf("unrecognized message code %d", code)
	}
	return nil
}

// handleReplyIdentify records the region size, marks the dispatcher
// handshake-ready (draining its pre-handshake list), and acknowledges the
// handshake on the control channel (spec.md §4.5, §6). Outbound sends are not
// gated on the handshake; this handler does not change the outbound path.
func (e *Engine) handleReplyIdentify(body []byte) error {
	var b wire.ReplyIdentifyBody
	if err := b.UnmarshalMsg(body); err != nil {
		return err
	}
	cfg := *cmn.GCO.Get()
	cfg.RegionBits = uint(b.RegionBits)
	cmn.GCO.Put(&cfg)
	e.Handshake.SetHandshakeReady()
	if err := e.ack.Acknowledge(); err != nil {
		nlog.Errorf("acknowledge REPLY_CONNECT_SERVER: %v", err)
	}
	return nil
}

func (e *Engine) handleGrant(body []byte, synced bool) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	e.resolveGrant(regnum, synced)
	return nil
}

// resolveGrant implements the grant-drain atomicity rule (spec.md §4.5):
// the record takes a temporary count of one plus its waiter count before
// any waiter runs, so a completion racing the drain can never observe a
// premature zero; the pin is dropped with one final decrement once every
// waiter has been resumed. If that decrement reaches zero (an empty wait
// list, e.g. a stale duplicate grant), a release is armed immediately,
// matching invariant 4: a region at count zero always either frees,
// carries a pending release timer, or has just been re-armed.
func (e *Engine) resolveGrant(regnum uint64, synced bool) {
	if sent, ok := e.grantSentAt.LoadAndDelete(regnum); ok {
		stats.ObserveGrantRoundTrip(time.Since(sent.(time.Time)))
	}
	var waiters []region.Waiter
	var rec *region.Record
	e.Table.WithLock(func() {
		rec = e.Table.Lookup(regnum)
		if rec == nil {
			rec = e.Table.Insert(regnum, 0, 0)
		}
		hadDesync := rec.HasFlag(region.Desync)
		if synced {
			if hadDesync {
				nlog.Warningf("region %d: GRANT_SYNCED but our record was DESYNC", regnum)
			}
			rec.ClearFlag(region.Desync)
		} else if !hadDesync {
			rec.SetFlag(region.Desync)
			// Keep the advisory filter in step with GRANT_UNSYNCED the
			// same way MarkDesync does for ADD_UNSYNCED: otherwise
			// dispatch.synced's lock-free fast path would keep reporting
			// this region as synced after the server just said otherwise.
			e.Table.MarkDesyncFilter(regnum)
		}
		waiters = rec.TakeWaiters()
		rec.SetCount(1 + int32(len(waiters)))
	})
	for _, w := range waiters {
		w.Resume()
	}
	if rec.DecCount() == 0 {
		e.Releaser.ArmRelease(regnum)
	}
}

// handleAddUnsynced installs or updates a cached DESYNC record with no
// in-flight count (spec.md §4.5 ADD_UNSYNCED).
func (e *Engine) handleAddUnsynced(body []byte) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	e.Table.MarkDesync(regnum)
	return nil
}

// handleDelUnsynced clears DESYNC; a cached-only record (count==-2, no
// in-flight) is freed outright, otherwise it persists and writers
// continue against it (spec.md §4.5 DEL_UNSYNCED, §9 "server is
// authoritative").
func (e *Engine) handleDelUnsynced(body []byte) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	e.Table.WithLock(func() {
		rec := e.Table.Lookup(regnum)
		if rec == nil {
			return
		}
		rec.ClearFlag(region.Desync)
		if rec.Count() == region.CountCached {
			e.Table.Remove(rec)
		}
	})
	return nil
}

func (e *Engine) handleSetHighwater(body []byte) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	e.Table.SetHighwater(regnum)
	return nil
}

// handleDrainRegion sets DRAIN on an owned region so no further in-flight
// writes accrue; in-flight completions release it (spec.md §4.5).
func (e *Engine) handleDrainRegion(body []byte) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	e.Table.WithLock(func() {
		if rec := e.Table.Lookup(regnum); rec != nil && rec.Count() >= 0 {
			rec.SetFlag(region.Drain)
		}
	})
	return nil
}

func (e *Engine) handleBounce(body []byte) error {
	regnum, err := wire.ReadRegnum(body)
	if err != nil {
		return err
	}
	nlog.Warningf("region %d: BOUNCE_REQUEST, re-queuing grant query", regnum)
	e.RequestGrant(regnum)
	return nil
}
