package volume

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/ddraid/completion"
	"github.com/NVIDIA/ddraid/dispatch"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/member"
	"github.com/NVIDIA/ddraid/region"
	"github.com/NVIDIA/ddraid/stats"
)

// fakeCollaborator stands in for protocol.Engine's side of the wiring so
// these tests exercise Volume.Map/Close without a real control socket.
type fakeCollaborator struct{}

func (fakeCollaborator) RequestGrant(uint64)   {}
func (fakeCollaborator) EnqueueRelease(uint64) {}

func newTestVolume(t *testing.T) *Volume {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 3) // stripe=2
	for i := range paths {
		p := filepath.Join(dir, "dev"+string(rune('0'+i)))
		f, err := os.Create(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Truncate(4096); err != nil {
			t.Fatal(err)
		}
		f.Close()
		paths[i] = p
	}
	mem, err := member.New(paths, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mem.Close)

	tbl := region.NewTable()
	fc := fakeCollaborator{}
	disp := dispatch.New(tbl, mem, mem, fc)
	handler := completion.New(tbl, mem, disp.Codec, fc)
	disp.OnChildDone = wrapChildDone(handler)
	disp.SetHandshakeReady()

	return &Volume{
		Table:      tbl,
		Members:    mem,
		Dispatcher: disp,
		Completion: handler,
		sampler:    stats.NewMemberSampler(nil, time.Hour),
	}
}

// grantRegion seeds an already-owned region (count 0, no DESYNC) so a
// write submits immediately instead of parking for a grant that a
// fakeCollaborator will never deliver.
func grantRegion(v *Volume, regnum uint64) {
	v.Table.WithLock(func() {
		v.Table.Insert(regnum, 0, 0)
	})
}

func TestVolumeMapWritesAndReads(t *testing.T) {
	v := newTestVolume(t)
	grantRegion(v, 0)
	buf := make([]byte, v.Members.BlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	done := make(chan error, 1)
	req := &iop.Request{Dir: iop.Write, Regnum: 0, Sector: 0, Buf: buf, OnDone: func(err error) { done <- err }}
	if !v.Map(req) {
		t.Fatal("Map did not accept the write")
	}
	if err := <-done; err != nil {
		t.Fatalf("write failed: %v", err)
	}

	readBuf := make([]byte, v.Members.BlockSize)
	rdone := make(chan error, 1)
	rreq := &iop.Request{Dir: iop.Read, Regnum: 0, Sector: 0, Buf: readBuf, OnDone: func(err error) { rdone <- err }}
	if !v.Map(rreq) {
		t.Fatal("Map did not accept the read")
	}
	if err := <-rdone; err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(readBuf) != string(buf) {
		t.Fatalf("round trip mismatch: got %v want %v", readBuf, buf)
	}
}

func TestWrapChildDoneSurfacesMemberIOError(t *testing.T) {
	v := newTestVolume(t)
	grantRegion(v, 0)
	v.Members.Members[0].Close() // force the child write to fail

	buf := make([]byte, v.Members.BlockSize)
	done := make(chan error, 1)
	req := &iop.Request{Dir: iop.Write, Regnum: 0, Sector: 0, Buf: buf, OnDone: func(err error) { done <- err }}
	v.Map(req)
	if err := <-done; err == nil {
		t.Fatal("expected the parent write to surface the member I/O error")
	}
}
