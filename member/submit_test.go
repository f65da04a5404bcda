package member

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/ddraid/iop"
)

func newTestSet(t *testing.T, n, blockSize int) *Set {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		p := filepath.Join(dir, "dev"+string(rune('0'+i)))
		f, err := os.Create(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Truncate(int64(blockSize)); err != nil {
			t.Fatal(err)
		}
		f.Close()
		paths[i] = p
	}
	set, err := New(paths, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(set.Close)
	return set
}

func TestSubmitOffsetAliasedWrite(t *testing.T) {
	set := newTestSet(t, 3, 6) // stripe=2, FragSize=3
	req := &iop.Request{Dir: iop.Write, Sector: 0, Buf: []byte{9, 8, 7, 6, 5, 4}}
	done := make(chan error, 1)
	child := &iop.ChildRequest{Parent: req, Member: 0, Offset: 0, Length: set.FragSize, Dir: iop.Write}
	set.Submit(child, func(_ *iop.ChildRequest, err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}

	readBuf := make([]byte, set.FragSize)
	rreq := &iop.Request{Dir: iop.Read, Sector: 0}
	rchild := &iop.ChildRequest{Parent: rreq, Member: 0, Length: set.FragSize, Dir: iop.Read, Buf: readBuf}
	set.Submit(rchild, func(_ *iop.ChildRequest, err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := string(readBuf), string([]byte{9, 8, 7}); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSubmitSecondSectorOffset(t *testing.T) {
	set := newTestSet(t, 3, 12) // two blocks worth: stripe=2, FragSize=6
	// logical sector 2 maps to member sector 1 (>> log2(stripe)=1), so it
	// lands one 512-byte sector into the member device.
	req := &iop.Request{Dir: iop.Write, Sector: 2, Buf: make([]byte, set.FragSize)}
	for i := range req.Buf {
		req.Buf[i] = byte(i + 1)
	}
	done := make(chan error, 1)
	child := &iop.ChildRequest{Parent: req, Member: 1, Length: set.FragSize, Buf: req.Buf, Dir: iop.Write}
	set.Submit(child, func(_ *iop.ChildRequest, err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}

	raw := make([]byte, set.FragSize)
	f, err := os.Open(set.Members[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.ReadAt(raw, 512); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if string(raw) != string(req.Buf) {
		t.Fatalf("got %v want %v", raw, req.Buf)
	}
}

func TestSubmitMemberIOError(t *testing.T) {
	set := newTestSet(t, 3, 6)
	set.Members[0].Close() // force a write against a closed file
	req := &iop.Request{Dir: iop.Write, Sector: 0, Buf: []byte{1, 2, 3, 4, 5, 6}}
	done := make(chan error, 1)
	child := &iop.ChildRequest{Parent: req, Member: 0, Offset: 0, Length: set.FragSize, Dir: iop.Write}
	set.Submit(child, func(_ *iop.ChildRequest, err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected an I/O error against a closed member device")
	}
}
