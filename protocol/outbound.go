// Package protocol implements the protocol engine of spec.md §4.5, §6:
// the outbound worker, the inbound reader, and the control-socket handoff
// that together keep the region table in sync with the remote authority.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/wire"
	"golang.org/x/sync/semaphore"
)

// outboundQueues holds the two FIFOs the outbound worker drains (spec.md
// §4.5 "Requests queue" / "Releases queue"), woken by one semaphore so a
// single worker loop can service both instead of a channel per queue.
// Guarded by its own mutex: this is the "endio lock" of spec.md §5,
// distinct from the region lock and never held together with it.
type outboundQueues struct {
	mu       sync.Mutex
	requests []uint64
	releases []uint64
	sem      *semaphore.Weighted
}

func newOutboundQueues() *outboundQueues {
	// Start with every permit taken, so each push or wake releases one
	// permit and wait blocks until one is available.
	sem := semaphore.NewWeighted(1 << 30)
	sem.TryAcquire(1 << 30)
	return &outboundQueues{sem: sem}
}

func (q *outboundQueues) pushRequest(regnum uint64) {
	q.mu.Lock()
	q.requests = append(q.requests, regnum)
	q.mu.Unlock()
	q.sem.Release(1)
}

// pushRequestFront puts regnum back at the head of the queue: used when a
// send attempt failed partway, so the item isn't lost to the socket error.
func (q *outboundQueues) pushRequestFront(regnum uint64) {
	q.mu.Lock()
	q.requests = append([]uint64{regnum}, q.requests...)
	q.mu.Unlock()
	q.sem.Release(1)
}

func (q *outboundQueues) popRequest() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) == 0 {
		return 0, false
	}
	r := q.requests[0]
	q.requests = q.requests[1:]
	return r, true
}

func (q *outboundQueues) pushRelease(regnum uint64) {
	q.mu.Lock()
	q.releases = append(q.releases, regnum)
	q.mu.Unlock()
	q.sem.Release(1)
}

func (q *outboundQueues) pushReleaseFront(regnum uint64) {
	q.mu.Lock()
	q.releases = append([]uint64{regnum}, q.releases...)
	q.mu.Unlock()
	q.sem.Release(1)
}

func (q *outboundQueues) popRelease() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.releases) == 0 {
		return 0, false
	}
	r := q.releases[0]
	q.releases = q.releases[1:]
	return r, true
}

// wait blocks until a push (or wake) has signaled the worker, or ctx is
// done (teardown, spec.md §5 "releases the worker semaphores").
func (q *outboundQueues) wait(ctx context.Context) error {
	return q.sem.Acquire(ctx, 1)
}

// wake signals the worker without adding work: used after RESUME_REQUESTS
// clears PAUSE, and after a reconnect completes, so anything left queued
// during the outage gets flushed.
func (q *outboundQueues) wake() {
	q.sem.Release(1)
}

// processRelease is the "Releases queue" half of the outbound worker
// (spec.md §4.5 item 2): take the region lock, attempt to transition the
// count from 0 to released. A non-nil return means the send failed and
// regnum has been pushed back to the front of the release queue; the
// caller is responsible for reconnecting.
func (e *Engine) processRelease(conn net.Conn, regnum uint64) error {
	var send, requeue bool
	var rec *region.Record
	e.Table.WithLock(func() {
		rec = e.Table.Lookup(regnum)
		if rec == nil || rec.Count() != 0 {
			return // already gone, or new I/O arrived during the delay: drop the retire
		}
		switch {
		case len(rec.Wait()) > 0:
			// a DRAIN landed while we were releasing: release, then
			// immediately re-request for the parked waiters.
			send, requeue = true, true
			rec.SetCount(region.CountRequested)
		case rec.HasFlag(region.Desync) && regnum < e.Table.Highwater():
			send = true
			rec.SetCount(region.CountCached)
		default:
			send = true
			e.Table.Remove(rec)
		}
	})
	if !send {
		return nil
	}
	if err := wire.WriteRegnum(conn, wire.CodeReleaseWrite, regnum); err != nil {
		e.queues.pushReleaseFront(regnum)
		return err
	}
	if requeue {
		e.queues.pushRequest(regnum)
	}
	return nil
}

func (e *Engine) runOutbound() {
	defer e.wg.Done()
	for {
		if err := e.queues.wait(e.ctx); err != nil {
			return
		}
		conn := e.currentConn()
		failed := false
		for {
			regnum, ok := e.queues.popRelease()
			if !ok {
				break
			}
			if err := e.processRelease(conn, regnum); err != nil {
				failed = true
				if !e.handleSocketError(conn, err) {
					return
				}
				break
			}
		}
		if failed || e.paused.Load() {
			continue
		}
		for {
			regnum, ok := e.queues.popRequest()
			if !ok {
				break
			}
			if err := wire.WriteRegnum(conn, wire.CodeRequestWrite, regnum); err != nil {
				e.queues.pushRequestFront(regnum)
				if !e.handleSocketError(conn, err) {
					return
				}
				break
			}
		}
	}
}
