package bitmap

import "fmt"

// The run-length codes use a prefix code with near-Fibonacci level
// growth: short runs cost few bits, a 64-bit run length is still
// representable. Each level is (total bits, prefix bits, prefix value);
// the prefix is matched against the low bits of the stream.
type vliLevel struct {
	total  uint
	prefix uint
	value  uint64
}

// The prefixes are unary (k ones then a zero, LSB first) for k=0..7,
// plus the all-ones 8-bit escape for the widest level. That set is
// prefix-complete, so decoding always matches exactly one level.
var vliLevels = []vliLevel{
	{2, 1, 0x00},
	{3, 2, 0x01},
	{5, 3, 0x03},
	{7, 4, 0x07},
	{10, 5, 0x0f},
	{14, 6, 0x1f},
	{21, 7, 0x3f},
	{29, 8, 0x7f},
	{64, 8, 0xff},
}

// vliDecode decodes one run length from the low bits of in. It returns
// the decoded value and the number of bits consumed.
func vliDecode(in uint64) (uint64, uint) {
	adj := uint64(1)
	for _, l := range vliLevels {
		if in&(1<<l.prefix-1) == l.value {
			mask := ^uint64(0)
			if l.total < 64 {
				mask = 1<<l.total - 1
			}
			return (in&mask)>>l.prefix + adj, l.total
		}
		adj += 1 << (l.total - l.prefix)
	}
	// The level table is prefix-complete; one level always matches.
	panic("bitmap: vli level table incomplete")
}

// vliEncode encodes a run length (>= 1). It returns the code and its
// width in bits.
func vliEncode(value uint64) (uint64, uint, error) {
	if value == 0 {
		return 0, 0, fmt.Errorf("vli: cannot encode zero run length")
	}
	adj := uint64(1)
	for _, l := range vliLevels {
		span := uint64(1) << (l.total - l.prefix)
		if value < adj+span {
			return (value-adj)<<l.prefix | l.value, l.total, nil
		}
		adj += span
	}
	return 0, 0, fmt.Errorf("vli: run length %d out of range", value)
}

// bitstream reads and writes a little-endian bitstream, least
// significant bit of each byte first. padBits trailing bits of the last
// byte are not part of the stream.
type bitstream struct {
	buf     []byte
	bit     uint // cursor for reading, total written bits for writing
	padBits uint
}

func newBitstream(buf []byte, padBits uint) *bitstream {
	return &bitstream{buf: buf, padBits: padBits}
}

func (bs *bitstream) validBits() uint {
	return uint(len(bs.buf))*8 - bs.padBits
}

// getBits reads up to n bits; short reads happen at the end of the
// stream. Returns the bits (LSB-aligned) and how many were read.
func (bs *bitstream) getBits(n uint) (uint64, uint) {
	if avail := bs.validBits() - bs.bit; n > avail {
		n = avail
	}
	if n == 0 {
		return 0, 0
	}
	var out uint64
	for i := uint(0); i < n; i++ {
		pos := bs.bit + i
		if bs.buf[pos/8]&(1<<(pos%8)) != 0 {
			out |= 1 << i
		}
	}
	bs.bit += n
	return out, n
}

// putBits appends the low n bits of v to the stream, growing the buffer
// as needed.
func (bs *bitstream) putBits(v uint64, n uint) {
	for i := uint(0); i < n; i++ {
		pos := bs.bit + i
		for uint(len(bs.buf))*8 <= pos {
			bs.buf = append(bs.buf, 0)
		}
		if v&(1<<i) != 0 {
			bs.buf[pos/8] |= 1 << (pos % 8)
		}
	}
	bs.bit += n
}
