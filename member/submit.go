package member

import (
	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/iop"
)

// Submit implements dispatch.Submitter: it issues one child request
// against its member device and invokes cb once the I/O completes, on its
// own goroutine, matching the "asynchronous completion context" the
// completion path is written against (spec.md §4.4).
//
// A child's device-file byte offset is derived from its parent's starting
// sector, not carried on the child itself: every member addresses the
// same sector space in parallel, so MemberSector(parent.Sector) times the
// 512-byte sector size is the byte offset on every member device a
// sibling of this request touches (spec.md §3 "member-sector mapping").
func (s *Set) Submit(child *iop.ChildRequest, cb func(*iop.ChildRequest, error)) {
	const sectorSize = 512
	go func() {
		dev := s.Members[child.Member]
		buf := child.Buf
		if buf == nil {
			buf = child.Parent.Buf[child.Offset : child.Offset+child.Length]
		}
		offset := int64(s.MemberSector(child.Parent.Sector)) * sectorSize

		var err error
		if child.Dir == iop.Write {
			_, err = dev.file.WriteAt(buf, offset)
		} else {
			_, err = dev.file.ReadAt(buf, offset)
		}
		if err != nil {
			err = cmn.Wrapf(cmn.ErrMemberIO, "member %d (%s) %v at offset %d: %v", dev.Index, dev.Path, child.Dir, offset, err)
		}
		cb(child, err)
	}()
}
