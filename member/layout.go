package member

// Gather copies member m's fragment out of every block of buf into one
// contiguous slice. buf is nBlocks concatenated blocks, each block being
// `stripe` fragments of fragSize bytes in member order (spec.md §3
// "Fragmentation"). Used whenever a member's per-block fragments are not
// themselves contiguous in the parent's buffer, i.e. any request spanning
// more than one block.
func Gather(buf []byte, m, fragSize, stripe, nBlocks int) []byte {
	out := make([]byte, nBlocks*fragSize)
	blockSize := fragSize * stripe
	for b := 0; b < nBlocks; b++ {
		src := buf[b*blockSize+m*fragSize : b*blockSize+(m+1)*fragSize]
		copy(out[b*fragSize:(b+1)*fragSize], src)
	}
	return out
}

// Scatter is Gather's inverse: it copies member m's per-block fragments
// (src, nBlocks*fragSize bytes, one member's worth) back into their
// interleaved positions in dst (nBlocks concatenated blocks of `stripe`
// fragments each). Used by the completion path to reassemble a
// multi-block read whose children were gathered into separate buffers.
func Scatter(dst []byte, m, fragSize, stripe, nBlocks int, src []byte) {
	blockSize := fragSize * stripe
	for b := 0; b < nBlocks; b++ {
		dstFrag := dst[b*blockSize+m*fragSize : b*blockSize+(m+1)*fragSize]
		copy(dstFrag, src[b*fragSize:(b+1)*fragSize])
	}
}
