package completion

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/ddraid/codec"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/member"
	"github.com/NVIDIA/ddraid/region"
)

type fakeRetire struct {
	mu      sync.Mutex
	regnums []uint64
	done    chan struct{}
}

func newFakeRetire() *fakeRetire { return &fakeRetire{done: make(chan struct{}, 16)} }

func (f *fakeRetire) EnqueueRelease(regnum uint64) {
	f.mu.Lock()
	f.regnums = append(f.regnums, regnum)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeRetire) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EnqueueRelease")
	}
}

func testSet(n int) *member.Set {
	members := make([]*member.Device, n)
	for i := range members {
		members[i] = &member.Device{Index: i}
	}
	stripe := n - 1
	blockSize := 64
	return &member.Set{Members: members, BlockSize: blockSize, FragSize: blockSize / stripe, Stripe: stripe}
}

func TestHandleChildDoneWaitsForAllSiblings(t *testing.T) {
	set := testSet(3)
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), newFakeRetire())
	h.ReleaseDelay = time.Millisecond

	rec := &region.Record{}
	rec.SetCount(0)
	rec.IncCount() // count=1, matches the dispatcher incrementing before submit

	var doneErr error
	var doneCalled bool
	req := &iop.Request{Dir: iop.Write, OnDone: func(err error) { doneCalled = true; doneErr = err }}
	req.Hook = &iop.Hook{Regnum: 5, Rec: rec}
	req.InitRefc(2)

	c0 := &iop.ChildRequest{Parent: req, Member: 0}
	c1 := &iop.ChildRequest{Parent: req, Member: 1}

	h.HandleChildDone(c0, nil)
	if doneCalled {
		t.Fatalf("parent must not complete before all siblings arrive")
	}
	h.HandleChildDone(c1, nil)
	if !doneCalled {
		t.Fatalf("parent should complete once the last sibling arrives")
	}
	if doneErr != nil {
		t.Fatalf("unexpected error: %v", doneErr)
	}
}

func TestFinishWriteArmsReleaseOnZero(t *testing.T) {
	set := testSet(3)
	retire := newFakeRetire()
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), retire)
	h.ReleaseDelay = time.Millisecond

	rec := &region.Record{}
	rec.SetCount(1) // one write outstanding

	req := &iop.Request{Dir: iop.Write, OnDone: func(error) {}}
	req.Hook = &iop.Hook{Regnum: 11, Rec: rec}
	req.InitRefc(1)

	h.HandleChildDone(&iop.ChildRequest{Parent: req, Member: 0}, nil)

	retire.waitOne(t)
	retire.mu.Lock()
	defer retire.mu.Unlock()
	if len(retire.regnums) != 1 || retire.regnums[0] != 11 {
		t.Fatalf("expected exactly one release enqueued for regnum 11, got %v", retire.regnums)
	}
}

func TestFinishWriteNoReleaseWhenCountNonzero(t *testing.T) {
	set := testSet(3)
	retire := newFakeRetire()
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), retire)
	h.ReleaseDelay = time.Millisecond

	rec := &region.Record{}
	rec.SetCount(2) // two writes outstanding; this completion only brings it to 1

	req := &iop.Request{Dir: iop.Write, OnDone: func(error) {}}
	req.Hook = &iop.Hook{Regnum: 12, Rec: rec}
	req.InitRefc(1)

	h.HandleChildDone(&iop.ChildRequest{Parent: req, Member: 0}, nil)

	select {
	case <-retire.done:
		t.Fatalf("no release should be armed while the region count is still nonzero")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQuiesceWaitsForArmedRelease(t *testing.T) {
	set := testSet(3)
	retire := newFakeRetire()
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), retire)
	h.ReleaseDelay = 30 * time.Millisecond

	rec := &region.Record{}
	rec.SetCount(1)
	req := &iop.Request{Dir: iop.Write, OnDone: func(error) {}}
	req.Hook = &iop.Hook{Regnum: 1, Rec: rec}
	req.InitRefc(1)
	h.HandleChildDone(&iop.ChildRequest{Parent: req, Member: 0}, nil)

	quiesced := make(chan struct{})
	go func() {
		h.Quiesce()
		close(quiesced)
	}()
	select {
	case <-quiesced:
		t.Fatalf("Quiesce must not return before the delayed release fires")
	case <-time.After(5 * time.Millisecond):
	}
	retire.waitOne(t)
	select {
	case <-quiesced:
	case <-time.After(time.Second):
		t.Fatalf("Quiesce should return once the release timer has fired")
	}
}

func TestDegradedReadReconstructsOriginalData(t *testing.T) {
	set := testSet(5) // stripe=4
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), newFakeRetire())

	fragSize := set.FragSize
	orig := make([]byte, set.BlockSize)
	for i := range orig {
		orig[i] = byte(i*7 + 3)
	}
	parity := make([]byte, fragSize)
	h.Codec.Compute(orig, parity)

	missing := 1
	dataFragments := make([][]byte, set.Stripe)
	for m := 0; m < set.Stripe; m++ {
		if m == missing {
			dataFragments[m] = make([]byte, fragSize)
			continue
		}
		dataFragments[m] = append([]byte(nil), orig[m*fragSize:(m+1)*fragSize]...)
	}

	got := make([]byte, set.BlockSize)
	req := &iop.Request{Dir: iop.Read, Buf: got, OnDone: func(error) {}}
	req.Hook = &iop.Hook{
		Regnum: 3, OrigLen: set.BlockSize, Degraded: true, MissingMember: missing,
		DataFragments: dataFragments, ParityBuf: append([]byte(nil), parity...),
	}
	req.InitRefc(1)

	h.HandleChildDone(&iop.ChildRequest{Parent: req, Member: set.ParityIndex()}, nil)

	for i := 0; i < set.BlockSize; i++ {
		if got[i] != orig[i] {
			t.Fatalf("reconstructed data mismatch at byte %d: got %d want %d", i, got[i], orig[i])
		}
	}
}

func TestFailedChildSkipsReconstruction(t *testing.T) {
	set := testSet(5)
	h := New(region.NewTable(), set, codec.New(set.Stripe, set.FragSize), newFakeRetire())

	var gotErr error
	req := &iop.Request{Dir: iop.Read, Buf: make([]byte, set.BlockSize), OnDone: func(err error) { gotErr = err }}
	req.Hook = &iop.Hook{Regnum: 4, OrigLen: set.BlockSize, Degraded: true, MissingMember: 1}
	req.InitRefc(1)

	wantErr := errors.New("simulated member I/O error")
	h.HandleChildDone(&iop.ChildRequest{Parent: req, Member: set.ParityIndex()}, wantErr)
	if gotErr != wantErr {
		t.Fatalf("expected the child error to propagate unchanged, got %v", gotErr)
	}
}
