// Package codec implements the RAID-4 style single-parity XOR scheme: one
// parity fragment computed across N-1 data fragments of a block, with
// reconstruction of any single missing fragment from the others plus
// parity.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import "github.com/NVIDIA/ddraid/cmn"

// Codec operates on a contiguous data buffer logically divided into
// `Stripe` fragments of `FragSize` bytes each, producing or consuming one
// parity fragment of the same size (spec.md §4.1).
type Codec struct {
	Stripe   int // N-1, number of data fragments
	FragSize int
}

func New(stripe, fragSize int) *Codec {
	return &Codec{Stripe: stripe, FragSize: fragSize}
}

func (c *Codec) fragment(buf []byte, i int) []byte {
	off := i * c.FragSize
	return buf[off : off+c.FragSize]
}

// Compute writes parity_out[i] = XOR over j in [0, Stripe) of
// dataBuffer[j*FragSize+i], for each i in [0, FragSize).
func (c *Codec) Compute(dataBuffer, parityOut []byte) {
	c.computeInto(dataBuffer, parityOut, -1)
}

// computeInto XORs every fragment except `skip` (skip<0 means none) into
// out. out may alias one of the input fragments (see Reconstruct).
func (c *Codec) computeInto(dataBuffer, out []byte, skip int) {
	for i := range out {
		out[i] = 0
	}
	switch c.Stripe {
	case 2, 4, 8, 16:
		c.computeIntoUnrolled(dataBuffer, out, skip)
	default:
		c.computeIntoGeneric(dataBuffer, out, skip)
	}
}

func (c *Codec) computeIntoGeneric(dataBuffer, out []byte, skip int) {
	for j := 0; j < c.Stripe; j++ {
		if j == skip {
			continue
		}
		frag := c.fragment(dataBuffer, j)
		for i := range out {
			out[i] ^= frag[i]
		}
	}
}

// computeIntoUnrolled is the specialized inner loop for the common N-1 in
// {2,4,8,16} stripe widths (spec.md: "Specialized inner loops ... are a
// performance concern only; semantics are fixed by the general
// definition"). It differs from the generic path only in that the xor is
// unrolled two fragments at a time to halve loop overhead; the result is
// identical.
func (c *Codec) computeIntoUnrolled(dataBuffer, out []byte, skip int) {
	j := 0
	for ; j+1 < c.Stripe; j += 2 {
		if j == skip || j+1 == skip {
			// fall back to the generic single-fragment path for this pair
			for _, k := range [2]int{j, j + 1} {
				if k == skip {
					continue
				}
				frag := c.fragment(dataBuffer, k)
				for i := range out {
					out[i] ^= frag[i]
				}
			}
			continue
		}
		a, b := c.fragment(dataBuffer, j), c.fragment(dataBuffer, j+1)
		for i := range out {
			out[i] ^= a[i] ^ b[i]
		}
	}
	for ; j < c.Stripe; j++ {
		if j == skip {
			continue
		}
		frag := c.fragment(dataBuffer, j)
		for i := range out {
			out[i] ^= frag[i]
		}
	}
}

// Verify returns the index of the first lane (byte offset within a
// fragment) at which the computed parity disagrees with parityIn, or -1
// if every lane matches.
func (c *Codec) Verify(dataBuffer, parityIn []byte) int {
	got := make([]byte, c.FragSize)
	c.computeInto(dataBuffer, got, -1)
	for i := 0; i < c.FragSize; i++ {
		if got[i] != parityIn[i] {
			return i
		}
	}
	return -1
}

// Reconstruct fills dataBuffer's `missing` fragment from parityIn and the
// surviving data fragments, exploiting the identity that a missing
// fragment equals the XOR of parity and all surviving data fragments. The
// output aliases one of computeInto's own inputs (the erased slot), which
// computeInto tolerates because it zeroes `out` before accumulating and
// only ever reads `dataBuffer` at indices other than `missing`. parityIn
// is folded in after computeInto, since computeInto itself zeroes `out`
// first and would otherwise discard it.
func (c *Codec) Reconstruct(dataBuffer, parityIn []byte, missing int) {
	out := c.fragment(dataBuffer, missing)
	c.computeInto(dataBuffer, out, missing)
	for i := range out {
		out[i] ^= parityIn[i]
	}
}

// ComputeDegraded computes parity when one data member is dead: the dead
// column is treated as all-zero before the XOR, so parity continues to
// equal the XOR of the surviving data fragments (spec.md §9, Open
// Question, resolved: zero-fill).
func (c *Codec) ComputeDegraded(dataBuffer, parityOut []byte, dead int) {
	if dead < 0 || dead >= c.Stripe {
		c.Compute(dataBuffer, parityOut)
		return
	}
	c.computeInto(dataBuffer, parityOut, dead)
}

// ReconstructFragments is Reconstruct for callers that keep each member's
// data in a separate buffer rather than one contiguous dataBuffer (the
// degraded-read completion path gathers one buffer per surviving member
// across every block in the request, so there is no single contiguous
// per-block buffer to hand to Reconstruct). frags[missing] is filled in
// place; every other entry is read-only.
func (c *Codec) ReconstructFragments(frags [][]byte, parityIn []byte, missing int) {
	out := frags[missing]
	for i := range out {
		out[i] = 0
	}
	for j, frag := range frags {
		if j == missing {
			continue
		}
		for i := range out {
			out[i] ^= frag[i]
		}
	}
	for i := range out {
		out[i] ^= parityIn[i]
	}
}

// MustValidN checks the spec.md §6 construction constraint: N-1 = 2^k.
func MustValidN(n int) error {
	if n < 2 {
		return cmn.Wrapf(cmn.ErrAlignment, "member count %d < 2", n)
	}
	stripe := n - 1
	if stripe&(stripe-1) != 0 {
		return cmn.Wrapf(cmn.ErrAlignment, "N-1 (%d) is not a power of two", stripe)
	}
	return nil
}
