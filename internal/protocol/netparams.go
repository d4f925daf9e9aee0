package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// NetProtocol carries the negotiated net options. Both sides must agree
// on everything in here; a mismatch is ProtocolIncompatible.
type NetProtocol struct {
	WireProtocol   uint32 // 1=A 2=B 3=C
	AfterSB0p      uint32
	AfterSB1p      uint32
	AfterSB2p      uint32
	TwoPrimaries   uint32
	ConnFlags      uint32 // bit 0: discard-my-data
	IntegrityAlg   string
}

const netProtocolFixedLen = 24

func (p *NetProtocol) Marshal() []byte {
	b := make([]byte, netProtocolFixedLen, netProtocolFixedLen+len(p.IntegrityAlg)+1)
	binary.BigEndian.PutUint32(b[0:4], p.WireProtocol)
	binary.BigEndian.PutUint32(b[4:8], p.AfterSB0p)
	binary.BigEndian.PutUint32(b[8:12], p.AfterSB1p)
	binary.BigEndian.PutUint32(b[12:16], p.AfterSB2p)
	binary.BigEndian.PutUint32(b[16:20], p.TwoPrimaries)
	binary.BigEndian.PutUint32(b[20:24], p.ConnFlags)
	b = append(b, p.IntegrityAlg...)
	b = append(b, 0)
	return b
}

func (p *NetProtocol) Unmarshal(b []byte) error {
	if len(b) < netProtocolFixedLen {
		return short(CmdProtocol, len(b), netProtocolFixedLen)
	}
	p.WireProtocol = binary.BigEndian.Uint32(b[0:4])
	p.AfterSB0p = binary.BigEndian.Uint32(b[4:8])
	p.AfterSB1p = binary.BigEndian.Uint32(b[8:12])
	p.AfterSB2p = binary.BigEndian.Uint32(b[12:16])
	p.TwoPrimaries = binary.BigEndian.Uint32(b[16:20])
	p.ConnFlags = binary.BigEndian.Uint32(b[20:24])
	rest := b[netProtocolFixedLen:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	p.IntegrityAlg = string(rest)
	return nil
}

// SyncParam carries resync controller settings. The verify and csum
// algorithm names follow the fixed part, NUL-terminated.
type SyncParam struct {
	ResyncRate   uint32 // KiB/s
	CPlanAhead   uint32
	CDelayTarget uint32
	CFillTarget  uint32
	CMaxRate     uint32
	CMinRate     uint32
	VerifyAlg    string
	CsumAlg      string
}

const syncParamFixedLen = 24

func (p *SyncParam) Marshal() []byte {
	b := make([]byte, syncParamFixedLen, syncParamFixedLen+len(p.VerifyAlg)+len(p.CsumAlg)+2)
	binary.BigEndian.PutUint32(b[0:4], p.ResyncRate)
	binary.BigEndian.PutUint32(b[4:8], p.CPlanAhead)
	binary.BigEndian.PutUint32(b[8:12], p.CDelayTarget)
	binary.BigEndian.PutUint32(b[12:16], p.CFillTarget)
	binary.BigEndian.PutUint32(b[16:20], p.CMaxRate)
	binary.BigEndian.PutUint32(b[20:24], p.CMinRate)
	b = append(b, p.VerifyAlg...)
	b = append(b, 0)
	b = append(b, p.CsumAlg...)
	b = append(b, 0)
	return b
}

func (p *SyncParam) Unmarshal(b []byte) error {
	if len(b) < syncParamFixedLen {
		return short(CmdSyncParam, len(b), syncParamFixedLen)
	}
	p.ResyncRate = binary.BigEndian.Uint32(b[0:4])
	p.CPlanAhead = binary.BigEndian.Uint32(b[4:8])
	p.CDelayTarget = binary.BigEndian.Uint32(b[8:12])
	p.CFillTarget = binary.BigEndian.Uint32(b[12:16])
	p.CMaxRate = binary.BigEndian.Uint32(b[16:20])
	p.CMinRate = binary.BigEndian.Uint32(b[20:24])
	rest := b[syncParamFixedLen:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return fmt.Errorf("%w: SyncParam algorithm names not terminated", ErrMalformedFrame)
	}
	p.VerifyAlg = string(rest[:i])
	rest = rest[i+1:]
	if j := bytes.IndexByte(rest, 0); j >= 0 {
		p.CsumAlg = string(rest[:j])
	} else {
		p.CsumAlg = string(rest)
	}
	return nil
}

// UUID flag bits carried with UUID packets.
const (
	UUIDFlagDiscardMyData  uint64 = 1
	UUIDFlagCrashedPrimary uint64 = 2
	UUIDFlagInconsistent   uint64 = 4
	UUIDFlagSkipInitial    uint64 = 8
)

// UUIDs is the pre-110 UUID exchange: current, bitmap, two history
// slots, dirty bits and flags.
type UUIDs struct {
	Current uint64
	Bitmap  uint64
	History [2]uint64
	Dirty   uint64
	Flags   uint64
}

const uuidsLen = 48

func (p *UUIDs) Marshal() []byte {
	b := make([]byte, uuidsLen)
	binary.BigEndian.PutUint64(b[0:8], p.Current)
	binary.BigEndian.PutUint64(b[8:16], p.Bitmap)
	binary.BigEndian.PutUint64(b[16:24], p.History[0])
	binary.BigEndian.PutUint64(b[24:32], p.History[1])
	binary.BigEndian.PutUint64(b[32:40], p.Dirty)
	binary.BigEndian.PutUint64(b[40:48], p.Flags)
	return b
}

func (p *UUIDs) Unmarshal(b []byte) error {
	if len(b) < uuidsLen {
		return short(CmdUUIDs, len(b), uuidsLen)
	}
	p.Current = binary.BigEndian.Uint64(b[0:8])
	p.Bitmap = binary.BigEndian.Uint64(b[8:16])
	p.History[0] = binary.BigEndian.Uint64(b[16:24])
	p.History[1] = binary.BigEndian.Uint64(b[24:32])
	p.Dirty = binary.BigEndian.Uint64(b[32:40])
	p.Flags = binary.BigEndian.Uint64(b[40:48])
	return nil
}

// UUIDs110 is the multi-peer UUID exchange: one bitmap UUID per node in
// BitmapMask (ascending node id), then the history UUIDs.
type UUIDs110 struct {
	Current     uint64
	Dirty       uint64
	Flags       uint64
	NodeMask    uint64
	BitmapMask  uint64
	BitmapUUIDs []uint64
	History     []uint64
}

const uuids110FixedLen = 40

func (p *UUIDs110) Marshal() []byte {
	b := make([]byte, uuids110FixedLen, uuids110FixedLen+8*(len(p.BitmapUUIDs)+len(p.History)))
	binary.BigEndian.PutUint64(b[0:8], p.Current)
	binary.BigEndian.PutUint64(b[8:16], p.Dirty)
	binary.BigEndian.PutUint64(b[16:24], p.Flags)
	binary.BigEndian.PutUint64(b[24:32], p.NodeMask)
	binary.BigEndian.PutUint64(b[32:40], p.BitmapMask)
	var tmp [8]byte
	for _, u := range p.BitmapUUIDs {
		binary.BigEndian.PutUint64(tmp[:], u)
		b = append(b, tmp[:]...)
	}
	for _, u := range p.History {
		binary.BigEndian.PutUint64(tmp[:], u)
		b = append(b, tmp[:]...)
	}
	return b
}

func (p *UUIDs110) Unmarshal(b []byte) error {
	if len(b) < uuids110FixedLen {
		return short(CmdUUIDs110, len(b), uuids110FixedLen)
	}
	p.Current = binary.BigEndian.Uint64(b[0:8])
	p.Dirty = binary.BigEndian.Uint64(b[8:16])
	p.Flags = binary.BigEndian.Uint64(b[16:24])
	p.NodeMask = binary.BigEndian.Uint64(b[24:32])
	p.BitmapMask = binary.BigEndian.Uint64(b[32:40])
	rest := b[uuids110FixedLen:]
	nBitmap := bits.OnesCount64(p.BitmapMask)
	if len(rest) < nBitmap*8 {
		return fmt.Errorf("%w: UUIDs110 truncated bitmap uuid list", ErrMalformedFrame)
	}
	p.BitmapUUIDs = make([]uint64, nBitmap)
	for i := range p.BitmapUUIDs {
		p.BitmapUUIDs[i] = binary.BigEndian.Uint64(rest[i*8:])
	}
	rest = rest[nBitmap*8:]
	if len(rest)%8 != 0 {
		return fmt.Errorf("%w: UUIDs110 trailing bytes", ErrMalformedFrame)
	}
	p.History = make([]uint64, len(rest)/8)
	for i := range p.History {
		p.History[i] = binary.BigEndian.Uint64(rest[i*8:])
	}
	return nil
}
