package protocol

import (
	"encoding/binary"
	"fmt"
)

// Sentinel block IDs used where an ack refers to a stream position
// rather than a tracked request.
const (
	IDInSync    uint64 = 0xffffffffffffffff
	IDOutOfSync uint64 = 0xfffffffffffffffe
	IDSyncerCmd uint64 = 0xfffffffffffffffd
)

// Data packet flags (DPFlags).
const (
	DPFlagSync         uint32 = 1 << 1
	DPFlagFUA          uint32 = 1 << 2
	DPFlagFlush        uint32 = 1 << 3
	DPFlagDiscard      uint32 = 1 << 4
	DPFlagMaySetInSync uint32 = 1 << 5
	DPFlagUnplug       uint32 = 1 << 6
	DPFlagSendRecvAck  uint32 = 1 << 7 // protocol B
	DPFlagSendWriteAck uint32 = 1 << 8 // protocol C
)

func short(cmd Command, got, want int) error {
	return fmt.Errorf("%w: %s payload %d bytes, want %d", ErrMalformedFrame, cmd, got, want)
}

// Features is the very first framed packet on the data socket. Node IDs
// were added for multi-peer operation and are negotiated to -1 by old
// peers.
type Features struct {
	ProtocolMin    uint32
	FeatureFlags   uint32
	ProtocolMax    uint32
	SenderNodeID   int32
	ReceiverNodeID int32
}

const featuresLen = 20

func (p *Features) Marshal() []byte {
	b := make([]byte, featuresLen)
	binary.BigEndian.PutUint32(b[0:4], p.ProtocolMin)
	binary.BigEndian.PutUint32(b[4:8], p.FeatureFlags)
	binary.BigEndian.PutUint32(b[8:12], p.ProtocolMax)
	binary.BigEndian.PutUint32(b[12:16], uint32(p.SenderNodeID))
	binary.BigEndian.PutUint32(b[16:20], uint32(p.ReceiverNodeID))
	return b
}

func (p *Features) Unmarshal(b []byte) error {
	if len(b) < featuresLen {
		return short(CmdConnectionFeatures, len(b), featuresLen)
	}
	p.ProtocolMin = binary.BigEndian.Uint32(b[0:4])
	p.FeatureFlags = binary.BigEndian.Uint32(b[4:8])
	p.ProtocolMax = binary.BigEndian.Uint32(b[8:12])
	p.SenderNodeID = int32(binary.BigEndian.Uint32(b[12:16]))
	p.ReceiverNodeID = int32(binary.BigEndian.Uint32(b[16:20]))
	return nil
}

// Data describes one mirrored write (or trim). The payload follows the
// fixed part on the wire; Size of the write is the frame length minus
// DataLen (minus the integrity digest, when enabled).
type Data struct {
	Sector  uint64
	BlockID uint64
	SeqNum  uint32
	DPFlags uint32
}

const DataLen = 24

func (p *Data) Marshal() []byte {
	b := make([]byte, DataLen)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.SeqNum)
	binary.BigEndian.PutUint32(b[20:24], p.DPFlags)
	return b
}

func (p *Data) Unmarshal(b []byte) error {
	if len(b) < DataLen {
		return short(CmdData, len(b), DataLen)
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.SeqNum = binary.BigEndian.Uint32(b[16:20])
	p.DPFlags = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// Trim is a Data packet followed by the size of the discarded range.
type Trim struct {
	Data
	TrimSize uint32
}

const trimLen = DataLen + 4

func (p *Trim) Marshal() []byte {
	b := make([]byte, trimLen)
	copy(b, p.Data.Marshal())
	binary.BigEndian.PutUint32(b[DataLen:], p.TrimSize)
	return b
}

func (p *Trim) Unmarshal(b []byte) error {
	if len(b) < trimLen {
		return short(CmdTrim, len(b), trimLen)
	}
	if err := p.Data.Unmarshal(b); err != nil {
		return err
	}
	p.TrimSize = binary.BigEndian.Uint32(b[DataLen:])
	return nil
}

// Barrier delimits an epoch on the data socket.
type Barrier struct {
	BarrierNr uint32
}

const barrierLen = 8 // nr(4) pad(4)

func (p *Barrier) Marshal() []byte {
	b := make([]byte, barrierLen)
	binary.BigEndian.PutUint32(b[0:4], p.BarrierNr)
	return b
}

func (p *Barrier) Unmarshal(b []byte) error {
	if len(b) < barrierLen {
		return short(CmdBarrier, len(b), barrierLen)
	}
	p.BarrierNr = binary.BigEndian.Uint32(b[0:4])
	return nil
}

// BarrierAck confirms that all SetSize writes of epoch BarrierNr are
// stable on the receiver.
type BarrierAck struct {
	BarrierNr uint32
	SetSize   uint32
}

const barrierAckLen = 8

func (p *BarrierAck) Marshal() []byte {
	b := make([]byte, barrierAckLen)
	binary.BigEndian.PutUint32(b[0:4], p.BarrierNr)
	binary.BigEndian.PutUint32(b[4:8], p.SetSize)
	return b
}

func (p *BarrierAck) Unmarshal(b []byte) error {
	if len(b) < barrierAckLen {
		return short(CmdBarrierAck, len(b), barrierAckLen)
	}
	p.BarrierNr = binary.BigEndian.Uint32(b[0:4])
	p.SetSize = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// BlockAck is the whole write/recv/neg ack family as well as resync and
// verify replies on the meta socket.
type BlockAck struct {
	Sector  uint64
	BlockID uint64
	BlkSize uint32
	SeqNum  uint32
}

const blockAckLen = 24

func (p *BlockAck) Marshal() []byte {
	b := make([]byte, blockAckLen)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.BlkSize)
	binary.BigEndian.PutUint32(b[20:24], p.SeqNum)
	return b
}

func (p *BlockAck) Unmarshal(b []byte) error {
	if len(b) < blockAckLen {
		return short(CmdWriteAck, len(b), blockAckLen)
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.BlkSize = binary.BigEndian.Uint32(b[16:20])
	p.SeqNum = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// BlockRequest asks the peer for block data (read, resync, online
// verify). For checksum-based resync the digest follows on the wire.
type BlockRequest struct {
	Sector  uint64
	BlockID uint64
	BlkSize uint32
}

const BlockRequestLen = 20

func (p *BlockRequest) Marshal() []byte {
	b := make([]byte, BlockRequestLen)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.BlockID)
	binary.BigEndian.PutUint32(b[16:20], p.BlkSize)
	return b
}

func (p *BlockRequest) Unmarshal(b []byte) error {
	if len(b) < BlockRequestLen {
		return short(CmdDataRequest, len(b), BlockRequestLen)
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlockID = binary.BigEndian.Uint64(b[8:16])
	p.BlkSize = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// BlockDesc describes a block range without payload (out-of-sync
// notification).
type BlockDesc struct {
	Sector  uint64
	BlkSize uint32
}

const blockDescLen = 16 // sector(8) size(4) pad(4)

func (p *BlockDesc) Marshal() []byte {
	b := make([]byte, blockDescLen)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint32(b[8:12], p.BlkSize)
	return b
}

func (p *BlockDesc) Unmarshal(b []byte) error {
	if len(b) < blockDescLen {
		return short(CmdOutOfSync, len(b), blockDescLen)
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.BlkSize = binary.BigEndian.Uint32(b[8:12])
	return nil
}

// PeerBlockDesc announces that a block range is in sync on the node set
// given by Mask (peers-in-sync, peer-ack).
type PeerBlockDesc struct {
	Sector  uint64
	Mask    uint64
	BlkSize uint32
}

const peerBlockDescLen = 24 // sector(8) mask(8) size(4) pad(4)

func (p *PeerBlockDesc) Marshal() []byte {
	b := make([]byte, peerBlockDescLen)
	binary.BigEndian.PutUint64(b[0:8], p.Sector)
	binary.BigEndian.PutUint64(b[8:16], p.Mask)
	binary.BigEndian.PutUint32(b[16:20], p.BlkSize)
	return b
}

func (p *PeerBlockDesc) Unmarshal(b []byte) error {
	if len(b) < peerBlockDescLen {
		return short(CmdPeersInSync, len(b), peerBlockDescLen)
	}
	p.Sector = binary.BigEndian.Uint64(b[0:8])
	p.Mask = binary.BigEndian.Uint64(b[8:16])
	p.BlkSize = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// PeerAck refers to a prefix of the write stream by dag tag and carries
// the node mask whose writes are stable up to it.
type PeerAck struct {
	Mask   uint64
	DagTag uint64
}

const peerAckLen = 16

func (p *PeerAck) Marshal() []byte {
	b := make([]byte, peerAckLen)
	binary.BigEndian.PutUint64(b[0:8], p.Mask)
	binary.BigEndian.PutUint64(b[8:16], p.DagTag)
	return b
}

func (p *PeerAck) Unmarshal(b []byte) error {
	if len(b) < peerAckLen {
		return short(CmdPeerAck, len(b), peerAckLen)
	}
	p.Mask = binary.BigEndian.Uint64(b[0:8])
	p.DagTag = binary.BigEndian.Uint64(b[8:16])
	return nil
}

// RequestState is a one-phase state change request (protocol < 110).
type RequestState struct {
	Mask uint32
	Val  uint32
}

const requestStateLen = 8

func (p *RequestState) Marshal() []byte {
	b := make([]byte, requestStateLen)
	binary.BigEndian.PutUint32(b[0:4], p.Mask)
	binary.BigEndian.PutUint32(b[4:8], p.Val)
	return b
}

func (p *RequestState) Unmarshal(b []byte) error {
	if len(b) < requestStateLen {
		return short(CmdStateChgRequest, len(b), requestStateLen)
	}
	p.Mask = binary.BigEndian.Uint32(b[0:4])
	p.Val = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// StateChgReply carries the return code of a one-phase state change.
type StateChgReply struct {
	Retcode int32
}

const stateChgReplyLen = 4

func (p *StateChgReply) Marshal() []byte {
	b := make([]byte, stateChgReplyLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Retcode))
	return b
}

func (p *StateChgReply) Unmarshal(b []byte) error {
	if len(b) < stateChgReplyLen {
		return short(CmdStateChgReply, len(b), stateChgReplyLen)
	}
	p.Retcode = int32(binary.BigEndian.Uint32(b[0:4]))
	return nil
}

// State carries the sender's current device state word.
type State struct {
	State uint32
}

const stateLen = 4

func (p *State) Marshal() []byte {
	b := make([]byte, stateLen)
	binary.BigEndian.PutUint32(b[0:4], p.State)
	return b
}

func (p *State) Unmarshal(b []byte) error {
	if len(b) < stateLen {
		return short(CmdState, len(b), stateLen)
	}
	p.State = binary.BigEndian.Uint32(b[0:4])
	return nil
}

// TwopcRequest is a two-phase-commit Prepare/Commit/Abort.
type TwopcRequest struct {
	TID             uint32
	InitiatorNodeID int32
	TargetNodeID    int32
	NodesToReach    uint64
	PrimaryNodes    uint64
	WeakNodes       uint64
	Mask            uint32
	Val             uint32
}

const twopcRequestLen = 44

func (p *TwopcRequest) Marshal() []byte {
	b := make([]byte, twopcRequestLen)
	binary.BigEndian.PutUint32(b[0:4], p.TID)
	binary.BigEndian.PutUint32(b[4:8], uint32(p.InitiatorNodeID))
	binary.BigEndian.PutUint32(b[8:12], uint32(p.TargetNodeID))
	binary.BigEndian.PutUint64(b[12:20], p.NodesToReach)
	binary.BigEndian.PutUint64(b[20:28], p.PrimaryNodes)
	binary.BigEndian.PutUint64(b[28:36], p.WeakNodes)
	binary.BigEndian.PutUint32(b[36:40], p.Mask)
	binary.BigEndian.PutUint32(b[40:44], p.Val)
	return b
}

func (p *TwopcRequest) Unmarshal(b []byte) error {
	if len(b) < twopcRequestLen {
		return short(CmdTwopcPrepare, len(b), twopcRequestLen)
	}
	p.TID = binary.BigEndian.Uint32(b[0:4])
	p.InitiatorNodeID = int32(binary.BigEndian.Uint32(b[4:8]))
	p.TargetNodeID = int32(binary.BigEndian.Uint32(b[8:12]))
	p.NodesToReach = binary.BigEndian.Uint64(b[12:20])
	p.PrimaryNodes = binary.BigEndian.Uint64(b[20:28])
	p.WeakNodes = binary.BigEndian.Uint64(b[28:36])
	p.Mask = binary.BigEndian.Uint32(b[36:40])
	p.Val = binary.BigEndian.Uint32(b[40:44])
	return nil
}

// TwopcReply is a Yes/No/Retry answer to a Prepare.
type TwopcReply struct {
	TID             uint32
	InitiatorNodeID int32
	ReachableNodes  uint64
	PrimaryNodes    uint64
	WeakNodes       uint64
}

const twopcReplyLen = 32

func (p *TwopcReply) Marshal() []byte {
	b := make([]byte, twopcReplyLen)
	binary.BigEndian.PutUint32(b[0:4], p.TID)
	binary.BigEndian.PutUint32(b[4:8], uint32(p.InitiatorNodeID))
	binary.BigEndian.PutUint64(b[8:16], p.ReachableNodes)
	binary.BigEndian.PutUint64(b[16:24], p.PrimaryNodes)
	binary.BigEndian.PutUint64(b[24:32], p.WeakNodes)
	return b
}

func (p *TwopcReply) Unmarshal(b []byte) error {
	if len(b) < twopcReplyLen {
		return short(CmdTwopcYes, len(b), twopcReplyLen)
	}
	p.TID = binary.BigEndian.Uint32(b[0:4])
	p.InitiatorNodeID = int32(binary.BigEndian.Uint32(b[4:8]))
	p.ReachableNodes = binary.BigEndian.Uint64(b[8:16])
	p.PrimaryNodes = binary.BigEndian.Uint64(b[16:24])
	p.WeakNodes = binary.BigEndian.Uint64(b[24:32])
	return nil
}

// SyncUUID announces the UUID a resync will run under (protocol < 110).
type SyncUUID struct {
	UUID uint64
}

const syncUUIDLen = 8

func (p *SyncUUID) Marshal() []byte {
	b := make([]byte, syncUUIDLen)
	binary.BigEndian.PutUint64(b[0:8], p.UUID)
	return b
}

func (p *SyncUUID) Unmarshal(b []byte) error {
	if len(b) < syncUUIDLen {
		return short(CmdSyncUUID, len(b), syncUUIDLen)
	}
	p.UUID = binary.BigEndian.Uint64(b[0:8])
	return nil
}

// CurrentUUID propagates a changed current UUID outside a handshake.
type CurrentUUID struct {
	UUID      uint64
	WeakNodes uint64
}

const currentUUIDLen = 16

func (p *CurrentUUID) Marshal() []byte {
	b := make([]byte, currentUUIDLen)
	binary.BigEndian.PutUint64(b[0:8], p.UUID)
	binary.BigEndian.PutUint64(b[8:16], p.WeakNodes)
	return b
}

func (p *CurrentUUID) Unmarshal(b []byte) error {
	if len(b) < currentUUIDLen {
		return short(CmdCurrentUUID, len(b), currentUUIDLen)
	}
	p.UUID = binary.BigEndian.Uint64(b[0:8])
	p.WeakNodes = binary.BigEndian.Uint64(b[8:16])
	return nil
}

// DagTag announces the sender's write-stream position.
type DagTag struct {
	DagTag uint64
}

const dagTagLen = 8

func (p *DagTag) Marshal() []byte {
	b := make([]byte, dagTagLen)
	binary.BigEndian.PutUint64(b[0:8], p.DagTag)
	return b
}

func (p *DagTag) Unmarshal(b []byte) error {
	if len(b) < dagTagLen {
		return short(CmdDagTag, len(b), dagTagLen)
	}
	p.DagTag = binary.BigEndian.Uint64(b[0:8])
	return nil
}

// PeerDagTag tells how far the sender is behind the given node.
type PeerDagTag struct {
	DagTag uint64
	NodeID int32
}

const peerDagTagLen = 12

func (p *PeerDagTag) Marshal() []byte {
	b := make([]byte, peerDagTagLen)
	binary.BigEndian.PutUint64(b[0:8], p.DagTag)
	binary.BigEndian.PutUint32(b[8:12], uint32(p.NodeID))
	return b
}

func (p *PeerDagTag) Unmarshal(b []byte) error {
	if len(b) < peerDagTagLen {
		return short(CmdPeerDagTag, len(b), peerDagTagLen)
	}
	p.DagTag = binary.BigEndian.Uint64(b[0:8])
	p.NodeID = int32(binary.BigEndian.Uint32(b[8:12]))
	return nil
}

// PriReachable carries the mask of nodes that can reach a primary.
type PriReachable struct {
	Reachable uint64
}

const priReachableLen = 8

func (p *PriReachable) Marshal() []byte {
	b := make([]byte, priReachableLen)
	binary.BigEndian.PutUint64(b[0:8], p.Reachable)
	return b
}

func (p *PriReachable) Unmarshal(b []byte) error {
	if len(b) < priReachableLen {
		return short(CmdPriReachable, len(b), priReachableLen)
	}
	p.Reachable = binary.BigEndian.Uint64(b[0:8])
	return nil
}

// Sizes exchanges device geometry.
type Sizes struct {
	DiskSize   uint64 // sectors, as the backend reports it
	UserSize   uint64 // sectors, configured override
	CurSize    uint64 // sectors, currently exposed
	MaxBioSize uint32
	QueueOrder uint16
	DDSFlags   uint16
}

const sizesLen = 32

func (p *Sizes) Marshal() []byte {
	b := make([]byte, sizesLen)
	binary.BigEndian.PutUint64(b[0:8], p.DiskSize)
	binary.BigEndian.PutUint64(b[8:16], p.UserSize)
	binary.BigEndian.PutUint64(b[16:24], p.CurSize)
	binary.BigEndian.PutUint32(b[24:28], p.MaxBioSize)
	binary.BigEndian.PutUint16(b[28:30], p.QueueOrder)
	binary.BigEndian.PutUint16(b[30:32], p.DDSFlags)
	return b
}

func (p *Sizes) Unmarshal(b []byte) error {
	if len(b) < sizesLen {
		return short(CmdSizes, len(b), sizesLen)
	}
	p.DiskSize = binary.BigEndian.Uint64(b[0:8])
	p.UserSize = binary.BigEndian.Uint64(b[8:16])
	p.CurSize = binary.BigEndian.Uint64(b[16:24])
	p.MaxBioSize = binary.BigEndian.Uint32(b[24:28])
	p.QueueOrder = binary.BigEndian.Uint16(b[28:30])
	p.DDSFlags = binary.BigEndian.Uint16(b[30:32])
	return nil
}
