package protocol

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/cmn/atomic"
	"github.com/NVIDIA/ddraid/cmn/nlog"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/wire"
)

// HandshakeNotifier is implemented by dispatch.Dispatcher: once
// REPLY_IDENTIFY lands, the dispatcher's pre-handshake bogus list drains
// (spec.md §4.3 step 1). Kept as an interface so this package never
// imports dispatch.
type HandshakeNotifier interface {
	SetHandshakeReady()
}

// ReleaseArmer is implemented by completion.Handler: arms the ~1s
// delayed-release timer for a region whose in-flight count just reached
// zero (spec.md §4.4). Kept as an interface so this package never imports
// completion.
type ReleaseArmer interface {
	ArmRelease(regnum uint64)
}

// Dialer obtains a fresh data socket over the control channel (spec.md
// §6 "Control socket"). Implemented by Controller.
type Dialer interface {
	RequestSocket() (net.Conn, error)
}

// ControlAcker sends REPLY_CONNECT_SERVER once the data-socket handshake
// completes. Implemented by Controller.
type ControlAcker interface {
	Acknowledge() error
}

// Engine runs the two long-lived tasks of spec.md §4.5 — the outbound
// worker and the inbound reader — sharing one data socket guarded by
// connMu, the "outbound-serialization mutex" that section opens with.
type Engine struct {
	Table     *region.Table
	Handshake HandshakeNotifier
	Releaser  ReleaseArmer

	dial Dialer
	ack  ControlAcker
	id   uint32

	connMu      sync.Mutex
	conn        net.Conn
	reconnectMu sync.Mutex

	queues *outboundQueues
	paused atomic.Bool

	// grantSentAt records when RequestGrant queued a REQUEST_WRITE for a
	// regnum, so resolveGrant can report round-trip latency once the
	// matching GRANT_{SYNCED,UNSYNCED} lands (spec.md §9 "observability").
	grantSentAt sync.Map // uint64 -> time.Time

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(tbl *region.Table, hs HandshakeNotifier, rel ReleaseArmer, dial Dialer, ack ControlAcker, id uint32) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Table:     tbl,
		Handshake: hs,
		Releaser:  rel,
		dial:      dial,
		ack:       ack,
		id:        id,
		queues:    newOutboundQueues(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start dials the initial data socket, sends IDENTIFY, and spawns the
// outbound worker and inbound reader (spec.md §4.5 "two long-lived
// tasks"). Grounded on XactTCB.Run's open-transport-then-serve shape.
func (e *Engine) Start() error {
	conn, err := e.dial.RequestSocket()
	if err != nil {
		return cmn.Wrap(err, "dial initial data socket")
	}
	e.conn = conn
	if err := e.identify(); err != nil {
		return cmn.Wrap(err, "send initial IDENTIFY")
	}
	e.running.Store(true)
	e.wg.Add(2)
	go e.runInbound()
	go e.runOutbound()
	return nil
}

// RequestGrant implements dispatch.GrantRequester.
func (e *Engine) RequestGrant(regnum uint64) {
	e.grantSentAt.Store(regnum, time.Now())
	e.queues.pushRequest(regnum)
}

// EnqueueRelease implements completion.RetireEnqueuer.
func (e *Engine) EnqueueRelease(regnum uint64) { e.queues.pushRelease(regnum) }

func (e *Engine) currentConn() net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.conn
}

func (e *Engine) identify() error {
	return wire.WriteMessage(e.currentConn(), wire.CodeIdentify, wire.IdentifyBody{ID: e.id}.MarshalMsg())
}

func (e *Engine) runInbound() {
	defer e.wg.Done()
	for {
		conn := e.currentConn()
		maxBody := cmn.GCO.Get().Net.MaxMessageBody
		code, body, err := wire.ReadMessage(conn, maxBody)
		if err != nil {
			if !e.handleSocketError(conn, err) {
				return
			}
			continue
		}
		if err := e.handleMessage(code, body); err != nil {
			nlog.Errorf("handle %s: %v", code, err)
		}
	}
}

// handleSocketError asks for a fresh data socket when conn — the one the
// caller just saw fail — is still the current one; a caller whose conn
// was already replaced by a concurrent reconnect just resumes.
func (e *Engine) handleSocketError(failed net.Conn, err error) bool {
	if !e.running.Load() {
		return false
	}
	if e.currentConn() != failed {
		return true
	}
	nlog.Warningf("data socket error: %v; requesting a fresh socket", err)
	return e.reconnect(failed) == nil
}

// reconnect re-dials over the control channel and re-sends IDENTIFY
// (spec.md §7 "Recovery model"). Deferred writes stay parked and queued
// grant queries survive the outage untouched; a grant query is also
// queued again for every region still in REQUESTED state that has none
// queued, since one already written to the failed socket may never have
// reached the server. Waking the outbound worker then sends them
// (scenario 6, spec.md §8).
func (e *Engine) reconnect(failed net.Conn) error {
	e.reconnectMu.Lock()
	defer e.reconnectMu.Unlock()
	if e.currentConn() != failed {
		return nil // someone else already reconnected while we waited
	}
	for {
		conn, err := e.dial.RequestSocket()
		if err != nil {
			if !e.running.Load() {
				return err
			}
			time.Sleep(cmn.GCO.Get().Timeout.SocketRetry)
			continue
		}
		e.connMu.Lock()
		e.conn = conn
		e.connMu.Unlock()
		if err := e.identify(); err != nil {
			continue
		}
		var requested []uint64
		e.Table.Range(func(r *region.Record) {
			if r.Count() == region.CountRequested {
				requested = append(requested, r.Regnum)
			}
		})
		e.queues.mu.Lock()
		for _, regnum := range requested {
			if !slices.Contains(e.queues.requests, regnum) {
				e.queues.requests = append(e.queues.requests, regnum)
			}
		}
		e.queues.mu.Unlock()
		e.queues.wake()
		return nil
	}
}

// Close tears the engine down (spec.md §5 "Cancellation and shutdown"):
// stop accepting new work, close the data socket so blocked reads/writes
// fail promptly, and release the outbound worker's semaphore wait. It
// does not wait for completion.Handler's destroy-hold to drain — that is
// completion.Handler.Quiesce's job, called separately by the owning
// volume before Close.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.running.Store(false)
		e.cancel()
		if conn := e.currentConn(); conn != nil {
			conn.Close()
		}
	})
	e.wg.Wait()
	return nil
}
