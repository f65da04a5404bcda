// Package volume wires the region table, I/O dispatcher, completion
// path, and protocol engine into one runnable unit from spec.md §6's
// construction parameters: the N member device paths and the
// control-socket path.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package volume

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/completion"
	"github.com/NVIDIA/ddraid/dispatch"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/member"
	"github.com/NVIDIA/ddraid/protocol"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/stats"
)

// memberSampleInterval is how often the iostat gauges refresh; unrelated
// to any protocol timeout, so it isn't drawn from cmn.Config.
const memberSampleInterval = 5 * time.Second

// Volume is one open RAID target: the region table plus the three long
// lived collaborators built around it (spec.md §6).
type Volume struct {
	Table      *region.Table
	Members    *member.Set
	Dispatcher *dispatch.Dispatcher
	Completion *completion.Handler
	Engine     *protocol.Engine

	sampler *stats.MemberSampler
}

// Open validates and binds the member devices, dials the control socket,
// wires every collaborator together, starts the protocol engine
// (Engine.Start), and starts the member-device iostat sampler.
//
// id identifies this client to the remote authority on IDENTIFY; pass 0
// to default to os.Getpid().
func Open(memberPaths []string, blockSize int, controlSocketPath string, id uint32) (*Volume, error) {
	mem, err := member.New(memberPaths, blockSize)
	if err != nil {
		return nil, cmn.Wrap(err, "bind member devices")
	}
	if err := mem.Open(); err != nil {
		return nil, cmn.Wrap(err, "open member devices")
	}

	conn, err := net.Dial("unix", controlSocketPath)
	if err != nil {
		mem.Close()
		return nil, cmn.Wrapf(err, "dial control socket %s", controlSocketPath)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		mem.Close()
		return nil, cmn.Wrapf(cmn.ErrUnexpectedMessage, "control socket %s is not a unix domain socket", controlSocketPath)
	}
	controller := protocol.NewController(unixConn)

	if id == 0 {
		id = uint32(os.Getpid())
	}

	tbl := region.NewTable()
	// engine's Handshake/Releaser are filled in below once dispatch and
	// completion exist; RequestGrant/EnqueueRelease only touch its
	// outbound queues, so it is safe to hand out as their collaborator
	// before those fields are set (breaks the dispatch/completion/engine
	// construction cycle without a nil-interface window in the hot path).
	engine := protocol.New(tbl, nil, nil, controller, controller, id)

	disp := dispatch.New(tbl, mem, mem, engine)
	handler := completion.New(tbl, mem, disp.Codec, engine)
	disp.OnChildDone = wrapChildDone(handler)
	engine.Handshake = disp
	engine.Releaser = handler

	if err := engine.Start(); err != nil {
		mem.Close()
		unixConn.Close()
		return nil, cmn.Wrap(err, "start protocol engine")
	}

	stats.Register()
	names := make([]string, len(mem.Members))
	for i, d := range mem.Members {
		names[i] = filepath.Base(d.Path)
	}
	sampler := stats.NewMemberSampler(names, memberSampleInterval)
	go sampler.Run()

	return &Volume{
		Table:      tbl,
		Members:    mem,
		Dispatcher: disp,
		Completion: handler,
		Engine:     engine,
		sampler:    sampler,
	}, nil
}

// wrapChildDone bumps per-member I/O error metrics before delegating to
// the completion path. Per-member labels depend on the bound member.Set,
// which completion only reaches through its Members field, so this one
// metric is wired here rather than inside completion itself.
func wrapChildDone(handler *completion.Handler) func(*iop.ChildRequest, error) {
	return func(child *iop.ChildRequest, err error) {
		if err != nil {
			stats.IncChildIOError(handler.Members.Members[child.Member].Path)
		}
		handler.HandleChildDone(child, err)
	}
}

// Map is the entry point from the host block layer for one logical
// request spanning exactly one region (spec.md §3, §4.3).
func (v *Volume) Map(req *iop.Request) bool { return v.Dispatcher.Map(req) }

// Close quiesces the completion path's delayed releases, stops the
// member-device sampler, tears down the protocol engine, and closes every
// member device, in that order (spec.md §5 "Cancellation and shutdown").
func (v *Volume) Close() error {
	v.Completion.Quiesce()
	v.sampler.Stop()
	if err := v.Engine.Close(); err != nil {
		return err
	}
	v.Members.Close()
	return nil
}
