// Package member binds the N member block devices named at construction,
// computes fragment sizing, and maps logical sectors to per-member
// sectors (spec.md §3 "Fragmentation", §6 "Member-device binding").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package member

import (
	"math/bits"
	"os"
	"path/filepath"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/codec"
	"github.com/karrick/godirwalk"
)

// Device is one member block device: a data member (index in [0,N-2]) or
// the parity member (index N-1).
type Device struct {
	Path  string
	Index int
	Dead  bool // degraded-mode: this member is declared unreachable
	file  *os.File
}

func (d *Device) Open() (err error) {
	d.file, err = os.OpenFile(d.Path, os.O_RDWR, 0)
	return cmn.Wrapf(err, "open member %d (%s)", d.Index, d.Path)
}

func (d *Device) File() *os.File { return d.file }

func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

// Set groups the N bound member devices plus the derived fragment sizing.
type Set struct {
	Members     []*Device
	BlockSize   int // defaults to host page size
	FragSize    int // BlockSize / (N-1)
	Stripe      int // N-1, data fragments per block
	fragPerBlkLog2 uint
}

// ParityIndex is the last member: fragment N-1.
func (s *Set) ParityIndex() int { return len(s.Members) - 1 }

// New validates the N member paths (N-1 = 2^k, N>=2, existence) and
// derives fragment sizing. blockSize<=0 means "use the host page size".
func New(paths []string, blockSize int) (*Set, error) {
	if err := codec.MustValidN(len(paths)); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = os.Getpagesize()
	}
	stripe := len(paths) - 1
	if blockSize%stripe != 0 {
		return nil, cmn.Wrapf(cmn.ErrAlignment, "block size %d not a multiple of N-1 (%d)", blockSize, stripe)
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return nil, err
		}
	}
	members := make([]*Device, len(paths))
	for i, p := range paths {
		members[i] = &Device{Path: p, Index: i}
	}
	return &Set{
		Members:        members,
		BlockSize:      blockSize,
		FragSize:       blockSize / stripe,
		Stripe:         stripe,
		fragPerBlkLog2: uint(bits.Len(uint(stripe)) - 1),
	}, nil
}

// validatePath checks that path's base name appears in its parent
// directory's listing, using godirwalk's fast directory-entry reader
// instead of an os.Stat (construction-time only, but the member list can
// be long in larger configurations and this avoids the extra syscalls
// os.ReadDir's sort-and-stat would add).
func validatePath(path string) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		return cmn.Wrapf(err, "scan %s for member device %s", dir, base)
	}
	for _, e := range entries {
		if e.Name() == base {
			return nil
		}
	}
	return cmn.Wrapf(os.ErrNotExist, "member device %s not found in %s", base, dir)
}

// MemberSector maps a logical sector to the sector on each member device:
// logical_sector >> log2(fragments_per_block).
func (s *Set) MemberSector(logicalSector uint64) uint64 {
	return logicalSector >> s.fragPerBlkLog2
}

func (s *Set) Open() error {
	for _, m := range s.Members {
		if err := m.Open(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) Close() {
	for _, m := range s.Members {
		m.Close()
	}
}

// DeadCount returns the number of dead data/parity members.
func (s *Set) DeadCount() int {
	n := 0
	for _, m := range s.Members {
		if m.Dead {
			n++
		}
	}
	return n
}

// DeadDataMember returns the index of a dead data member (not parity), or
// -1 if none.
func (s *Set) DeadDataMember() int {
	for i := 0; i < s.ParityIndex(); i++ {
		if s.Members[i].Dead {
			return i
		}
	}
	return -1
}

func (s *Set) ParityDead() bool { return s.Members[s.ParityIndex()].Dead }
