package dispatch

import (
	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/iop"
	"github.com/NVIDIA/ddraid/region"
)

// deferredWrite implements region.Waiter: a write parked on a region's
// wait list while a grant is outstanding or a drain is in progress
// (spec.md §4.3 step 5).
type deferredWrite struct {
	d   *Dispatcher
	req *iop.Request
	rec *region.Record
}

func newWaiter(d *Dispatcher, req *iop.Request, rec *region.Record) *deferredWrite {
	return &deferredWrite{d: d, req: req, rec: rec}
}

// Resume is invoked by the inbound reader once the region's grant lands
// (spec.md §4.5 "drain the wait list"). The region count has already been
// incremented for this request under the grant-drain atomicity rule, so
// Resume only has to stripe and submit.
func (w *deferredWrite) Resume() {
	w.d.submitWrite(w.req, w.rec)
}

// bounceRead implements spec.md §4.3 step 2: a read shorter than a block
// is bounced through a page-sized aligned buffer, then the requested
// slice is copied back to the caller on completion. A misaligned write is
// rejected outright (not supported).
func (d *Dispatcher) bounceRead(req *iop.Request) bool {
	if len(req.Buf) > d.Members.BlockSize {
		req.OnDone(cmn.ErrAlignment)
		return false
	}
	blockSector := req.Sector - (req.Sector % uint64(d.Members.BlockSize/sectorSize))
	skip := int(req.Sector-blockSector) * sectorSize

	bounce := make([]byte, d.Members.BlockSize)
	callerBuf := req.Buf
	callerDone := req.OnDone

	aligned := &iop.Request{
		Dir:    iop.Read,
		Sector: blockSector,
		Buf:    bounce,
		Regnum: req.Regnum,
		OnDone: func(err error) {
			if err == nil {
				copy(callerBuf, bounce[skip:skip+len(callerBuf)])
			}
			callerDone(err)
		},
	}
	return d.mapRead(aligned)
}

const sectorSize = 512
