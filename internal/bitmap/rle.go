package bitmap

import "fmt"

// Compressed bitmap encodings. Only RLE with VLI run lengths survived
// evaluation; the code nibble leaves room for others.
const (
	EncodingRLEVLIBits = 2
)

// RLEHeader is the first payload byte of a compressed bitmap packet:
// bits 0-3 encoding code, bits 4-6 number of pad bits in the last
// byte, bit 7 whether the first run is of set bits.
type RLEHeader byte

// MakeRLEHeader builds the header byte.
func MakeRLEHeader(code int, padBits uint, startSet bool) RLEHeader {
	h := RLEHeader(code&0x0f) | RLEHeader(padBits&0x7)<<4
	if startSet {
		h |= 0x80
	}
	return h
}

// Code returns the encoding code nibble.
func (h RLEHeader) Code() int { return int(h & 0x0f) }

// PadBits returns the number of unused bits in the last payload byte.
func (h RLEHeader) PadBits() uint { return uint(h>>4) & 0x7 }

// StartSet reports whether the first run is of set bits.
func (h RLEHeader) StartSet() bool { return h&0x80 != 0 }

// TransferCtx tracks progress of a multi-packet bitmap transfer.
type TransferCtx struct {
	BitOffset  uint64
	WordOffset uint64
	// Per-encoding byte/packet counters for the transfer statistics
	// log line; index 0 is RLE, 1 is plain.
	Bytes   [2]uint64
	Packets [2]uint64
}

// Done reports whether the whole bitmap has been transferred.
func (c *TransferCtx) Done(bm *Bitmap) bool {
	return c.BitOffset >= bm.Bits()
}

// EncodeRLE produces one compressed-bitmap payload starting at
// c.BitOffset, at most maxPayload bytes (header byte included), and
// advances the context. Whole runs only; the last packet ends exactly
// at the bitmap size.
func (bm *Bitmap) EncodeRLE(c *TransferCtx, maxPayload int) ([]byte, error) {
	if maxPayload < 9 {
		return nil, fmt.Errorf("bitmap: compressed payload limit %d too small", maxPayload)
	}
	if c.BitOffset >= bm.bits {
		return nil, fmt.Errorf("bitmap: encode past end (bit %d of %d)", c.BitOffset, bm.bits)
	}
	bs := &bitstream{}
	capBits := uint(maxPayload-1) * 8
	bit := c.BitOffset
	toggle := bm.Test(bit)
	start := toggle

	for bit < bm.bits {
		run := bm.runLength(bit, toggle)
		code, n, err := vliEncode(run)
		if err != nil {
			return nil, err
		}
		if bs.bit+n > capBits {
			break
		}
		bs.putBits(code, n)
		bit += run
		toggle = !toggle
	}
	if bit == c.BitOffset {
		return nil, fmt.Errorf("bitmap: run code does not fit in %d bytes", maxPayload)
	}

	padBits := (8 - bs.bit%8) % 8
	payload := make([]byte, 1+len(bs.buf))
	payload[0] = byte(MakeRLEHeader(EncodingRLEVLIBits, padBits, start))
	copy(payload[1:], bs.buf)
	c.BitOffset = bit
	c.WordOffset = bit / BitsPerWord
	return payload, nil
}

// runLength returns the length of the run of bits equal to val starting
// at bit, clamped to the end of the bitmap.
func (bm *Bitmap) runLength(bit uint64, val bool) uint64 {
	n := uint64(0)
	for bit+n < bm.bits && bm.Test(bit+n) == val {
		n++
	}
	return n
}

// DecodeRLE applies one compressed-bitmap payload. Set runs are OR'd
// into the bitmap; clear runs only advance the cursor. Returns true
// when the transfer is complete.
func (bm *Bitmap) DecodeRLE(c *TransferCtx, payload []byte) (bool, error) {
	if len(payload) < 2 {
		return false, fmt.Errorf("bitmap: compressed packet too small (%d bytes)", len(payload))
	}
	h := RLEHeader(payload[0])
	if h.Code() != EncodingRLEVLIBits {
		return false, fmt.Errorf("bitmap: unknown compressed encoding %d", h.Code())
	}
	bs := newBitstream(payload[1:], h.PadBits())
	s := c.BitOffset
	toggle := h.StartSet()

	lookAhead, have := bs.getBits(64)
	for have > 0 {
		rl, n := vliDecode(lookAhead)
		if n > have {
			return false, fmt.Errorf("bitmap: truncated run code (have %d bits, need %d)", have, n)
		}
		if toggle {
			e := s + rl - 1
			if e >= bm.bits {
				return false, fmt.Errorf("bitmap: overflow (bit %d of %d) decoding RLE packet", e, bm.bits)
			}
			bm.SetRange(s, e)
		}
		s += rl
		toggle = !toggle

		if n < 64 {
			lookAhead >>= n
		} else {
			lookAhead = 0
		}
		have -= n
		refill, got := bs.getBits(64 - have)
		lookAhead |= refill << have
		have += got
	}
	if s > bm.bits {
		return false, fmt.Errorf("bitmap: decoded past end (bit %d of %d)", s, bm.bits)
	}
	c.BitOffset = s
	c.WordOffset = s / BitsPerWord
	return s == bm.bits, nil
}
