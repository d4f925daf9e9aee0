// Package bitmap implements the out-of-sync bitmap and its two wire
// encodings: plain little-endian word chunks and RLE-compressed runs
// with variable-length-integer lengths.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// BlockShift is the shift from bitmap bit to bytes (one bit covers a
// 4 KiB block).
const BlockShift = 12

// BitsPerWord is the word granularity of the plain transfer encoding.
const BitsPerWord = 64

// Bitmap tracks which blocks are out of sync toward one peer.
type Bitmap struct {
	words []uint64
	bits  uint64
}

// New creates a bitmap covering the given number of blocks.
func New(bits uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (bits+BitsPerWord-1)/BitsPerWord),
		bits:  bits,
	}
}

// Bits returns the number of tracked blocks.
func (bm *Bitmap) Bits() uint64 { return bm.bits }

// Words returns the number of 64-bit words backing the bitmap.
func (bm *Bitmap) Words() uint64 { return uint64(len(bm.words)) }

// Test reports whether bit is set.
func (bm *Bitmap) Test(bit uint64) bool {
	if bit >= bm.bits {
		return false
	}
	return bm.words[bit/BitsPerWord]&(1<<(bit%BitsPerWord)) != 0
}

// SetRange sets bits [from, to] inclusive, like the block layer marks a
// written extent out of sync.
func (bm *Bitmap) SetRange(from, to uint64) {
	bm.applyRange(from, to, true)
}

// ClearRange clears bits [from, to] inclusive.
func (bm *Bitmap) ClearRange(from, to uint64) {
	bm.applyRange(from, to, false)
}

func (bm *Bitmap) applyRange(from, to uint64, set bool) {
	if from >= bm.bits {
		return
	}
	if to >= bm.bits {
		to = bm.bits - 1
	}
	for w := from / BitsPerWord; w <= to/BitsPerWord; w++ {
		lo := w * BitsPerWord
		hi := lo + BitsPerWord - 1
		mask := ^uint64(0)
		if from > lo {
			mask &= ^uint64(0) << (from - lo)
		}
		if to < hi {
			mask &= ^uint64(0) >> (hi - to)
		}
		if set {
			bm.words[w] |= mask
		} else {
			bm.words[w] &^= mask
		}
	}
}

// SetAll marks every block out of sync (full resync).
func (bm *Bitmap) SetAll() {
	if bm.bits > 0 {
		bm.SetRange(0, bm.bits-1)
	}
}

// ClearAll marks every block in sync.
func (bm *Bitmap) ClearAll() {
	for i := range bm.words {
		bm.words[i] = 0
	}
}

// Weight returns the number of set bits.
func (bm *Bitmap) Weight() uint64 {
	var n uint64
	for _, w := range bm.words {
		n += uint64(bits.OnesCount64(w))
	}
	return n
}

// CopyFrom replaces this bitmap's content with other's (bitmap slot
// copy during the sync handshake).
func (bm *Bitmap) CopyFrom(other *Bitmap) {
	copy(bm.words, other.words)
}

// MarshalWords serializes words [off, off+n) little-endian for the
// plain transfer encoding.
func (bm *Bitmap) MarshalWords(off, n uint64) []byte {
	if off+n > uint64(len(bm.words)) {
		n = uint64(len(bm.words)) - off
	}
	out := make([]byte, 8*n)
	for i := uint64(0); i < n; i++ {
		binary.LittleEndian.PutUint64(out[8*i:], bm.words[off+i])
	}
	return out
}

// MergeWords ORs little-endian words from a plain transfer chunk into
// the bitmap starting at word offset off.
func (bm *Bitmap) MergeWords(off uint64, data []byte) error {
	if len(data)%8 != 0 {
		return fmt.Errorf("bitmap chunk length %d not word aligned", len(data))
	}
	n := uint64(len(data) / 8)
	if off+n > uint64(len(bm.words)) {
		return fmt.Errorf("bitmap chunk beyond end: off %d + %d words > %d", off, n, len(bm.words))
	}
	for i := uint64(0); i < n; i++ {
		bm.words[off+i] |= binary.LittleEndian.Uint64(data[8*i:])
	}
	return nil
}

// FindNextSet returns the first set bit at or after from, or ok=false.
func (bm *Bitmap) FindNextSet(from uint64) (uint64, bool) {
	if from >= bm.bits {
		return 0, false
	}
	w := from / BitsPerWord
	cur := bm.words[w] >> (from % BitsPerWord)
	if cur != 0 {
		bit := from + uint64(bits.TrailingZeros64(cur))
		if bit < bm.bits {
			return bit, true
		}
		return 0, false
	}
	for w++; w < uint64(len(bm.words)); w++ {
		if bm.words[w] != 0 {
			bit := w*BitsPerWord + uint64(bits.TrailingZeros64(bm.words[w]))
			if bit < bm.bits {
				return bit, true
			}
			return 0, false
		}
	}
	return 0, false
}
