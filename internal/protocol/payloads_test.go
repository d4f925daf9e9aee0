package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	in := Data{Sector: 0x123456789a, BlockID: 0xdeadbeef, SeqNum: 100, DPFlags: DPFlagFlush | DPFlagFUA}
	var out Data
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestTwopcRequestRoundTrip(t *testing.T) {
	in := TwopcRequest{
		TID:             42,
		InitiatorNodeID: 1,
		TargetNodeID:    -1,
		NodesToReach:    0b110,
		PrimaryNodes:    0b010,
		WeakNodes:       0b100,
		Mask:            0xffff0000,
		Val:             0x0000aaaa,
	}
	var out TwopcRequest
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestNetProtocolRoundTrip(t *testing.T) {
	in := NetProtocol{
		WireProtocol: 3,
		AfterSB0p:    2,
		AfterSB1p:    1,
		AfterSB2p:    0,
		TwoPrimaries: 1,
		ConnFlags:    1,
		IntegrityAlg: "blake2b-256",
	}
	var out NetProtocol
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestUUIDs110RoundTrip(t *testing.T) {
	in := UUIDs110{
		Current:     0x1111111111111110,
		Dirty:       12,
		Flags:       UUIDFlagCrashedPrimary,
		NodeMask:    0b111,
		BitmapMask:  0b101,
		BitmapUUIDs: []uint64{0xaaaa, 0xbbbb},
		History:     []uint64{0x1, 0x2, 0x3},
	}
	var out UUIDs110
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestUUIDs110Truncated(t *testing.T) {
	in := UUIDs110{BitmapMask: 0b11, BitmapUUIDs: []uint64{1, 2}}
	b := in.Marshal()
	var out UUIDs110
	err := out.Unmarshal(b[:len(b)-4])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestSyncParamRoundTrip(t *testing.T) {
	in := SyncParam{ResyncRate: 250 * 1024, CMinRate: 4096, VerifyAlg: "sha256", CsumAlg: ""}
	var out SyncParam
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestBlockAckRoundTrip(t *testing.T) {
	in := BlockAck{Sector: 8, BlockID: IDOutOfSync, BlkSize: 4096, SeqNum: 9}
	var out BlockAck
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestShortPayloadRejected(t *testing.T) {
	var d Data
	assert.ErrorIs(t, d.Unmarshal(make([]byte, DataLen-1)), ErrMalformedFrame)
	var f Features
	assert.ErrorIs(t, f.Unmarshal(nil), ErrMalformedFrame)
}
