package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header magics, one per header generation. The v100 header is the only
// one carrying a volume number; the older two are kept for compatibility
// with peers that negotiated a protocol version below 95 / 100.
const (
	MagicV80  uint32 = 0x83740267
	MagicV95  uint16 = 0x5be4
	MagicV100 uint32 = 0xd0e9a33b
)

// Header sizes in bytes.
const (
	HeaderSizeV80  = 8  // magic(4) cmd(2) len(2)
	HeaderSizeV95  = 8  // magic(2) cmd(2) len(4)
	HeaderSizeV100 = 14 // magic(4) cmd(2) len(4) volume(2) pad(2)
)

// Protocol version thresholds.
const (
	// VersionMin is the oldest protocol dialect we still speak.
	VersionMin = 86
	// VersionMax is the newest protocol dialect we speak.
	VersionMax = 110
	// Version95 switched to the 32-bit-length header.
	Version95 = 95
	// Version100 switched to the volume-carrying header.
	Version100 = 100
	// Version110 introduced multi-peer UUIDs, two-phase commit and
	// the node-id suffix in authentication.
	Version110 = 110
)

// Feature flags exchanged in the features packet.
const (
	// FeatureTrim indicates discard/trim support.
	FeatureTrim uint32 = 1
)

// ErrMalformedFrame reports a header that failed magic or padding
// validation. The connection must be torn down when it is returned.
var ErrMalformedFrame = fmt.Errorf("malformed frame")

// Info is the decoded form of a frame header.
type Info struct {
	Cmd    Command
	Size   uint32
	Volume int // -1 when the header generation has no volume field
}

// HeaderSize returns the on-wire header size for a protocol version.
func HeaderSize(version int) int {
	switch {
	case version >= Version100:
		return HeaderSizeV100
	case version >= Version95:
		return HeaderSizeV95
	default:
		return HeaderSizeV80
	}
}

// EncodeHeader writes a frame header for the given protocol version into
// buf, which must be at least HeaderSize(version) bytes.
func EncodeHeader(buf []byte, version int, cmd Command, size uint32, volume int) int {
	switch {
	case version >= Version100:
		binary.BigEndian.PutUint32(buf[0:4], MagicV100)
		binary.BigEndian.PutUint16(buf[4:6], uint16(cmd))
		binary.BigEndian.PutUint32(buf[6:10], size)
		binary.BigEndian.PutUint16(buf[10:12], uint16(int16(volume)))
		binary.BigEndian.PutUint16(buf[12:14], 0) // pad
		return HeaderSizeV100
	case version >= Version95:
		binary.BigEndian.PutUint16(buf[0:2], MagicV95)
		binary.BigEndian.PutUint16(buf[2:4], uint16(cmd))
		binary.BigEndian.PutUint32(buf[4:8], size)
		return HeaderSizeV95
	default:
		binary.BigEndian.PutUint32(buf[0:4], MagicV80)
		binary.BigEndian.PutUint16(buf[4:6], uint16(cmd))
		binary.BigEndian.PutUint16(buf[6:8], uint16(size))
		return HeaderSizeV80
	}
}

// DecodeHeader parses a frame header. The expected header generation is
// fixed by the negotiated protocol version; a magic mismatch or non-zero
// padding yields ErrMalformedFrame.
func DecodeHeader(buf []byte, version int) (Info, error) {
	switch {
	case version >= Version100:
		if binary.BigEndian.Uint32(buf[0:4]) != MagicV100 {
			return Info{}, fmt.Errorf("%w: bad magic 0x%08x for v100 header",
				ErrMalformedFrame, binary.BigEndian.Uint32(buf[0:4]))
		}
		if binary.BigEndian.Uint16(buf[12:14]) != 0 {
			return Info{}, fmt.Errorf("%w: header padding is not zero", ErrMalformedFrame)
		}
		return Info{
			Cmd:    Command(binary.BigEndian.Uint16(buf[4:6])),
			Size:   binary.BigEndian.Uint32(buf[6:10]),
			Volume: int(int16(binary.BigEndian.Uint16(buf[10:12]))),
		}, nil
	case version >= Version95:
		if binary.BigEndian.Uint16(buf[0:2]) != MagicV95 {
			return Info{}, fmt.Errorf("%w: bad magic 0x%04x for v95 header",
				ErrMalformedFrame, binary.BigEndian.Uint16(buf[0:2]))
		}
		return Info{
			Cmd:    Command(binary.BigEndian.Uint16(buf[2:4])),
			Size:   binary.BigEndian.Uint32(buf[4:8]),
			Volume: -1,
		}, nil
	default:
		if binary.BigEndian.Uint32(buf[0:4]) != MagicV80 {
			return Info{}, fmt.Errorf("%w: bad magic 0x%08x for v80 header",
				ErrMalformedFrame, binary.BigEndian.Uint32(buf[0:4]))
		}
		return Info{
			Cmd:    Command(binary.BigEndian.Uint16(buf[4:6])),
			Size:   uint32(binary.BigEndian.Uint16(buf[6:8])),
			Volume: -1,
		}, nil
	}
}

// ReadHeader reads and decodes one frame header from r.
func ReadHeader(r io.Reader, version int) (Info, error) {
	buf := make([]byte, HeaderSize(version))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Info{}, err
	}
	return DecodeHeader(buf, version)
}

// WriteFrame writes a header followed by an optional payload.
func WriteFrame(w io.Writer, version int, cmd Command, volume int, payload []byte) error {
	buf := make([]byte, HeaderSize(version), HeaderSize(version)+len(payload))
	EncodeHeader(buf, version, cmd, uint32(len(payload)), volume)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", cmd, err)
	}
	return nil
}
