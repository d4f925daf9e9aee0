package uuids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hsInput(self *Vector, peer *PeerVector) *HandshakeInput {
	return &HandshakeInput{
		CompareInput:  *input(self, peer),
		DiskState:     UpToDate,
		PeerDiskState: UpToDate,
	}
}

func TestRecover0pLeastChanges(t *testing.T) {
	// Boundary scenario: both sides crashed primary, policy
	// discard-least-changes, we accumulated 10 changes against the
	// peer's 3: we win and become source.
	in := &RecoverInput{
		SelfWasPrimary: true,
		PeerWasPrimary: true,
		SelfChanged:    10,
		PeerChanged:    3,
	}
	assert.Equal(t, 1, Recover0p(DiscardLeastChanges, in))

	in.SelfChanged, in.PeerChanged = 3, 10
	assert.Equal(t, -1, Recover0p(DiscardLeastChanges, in))

	// Ties break on the resolver flag.
	in.SelfChanged, in.PeerChanged = 5, 5
	in.ResolveConflicts = true
	assert.Equal(t, -1, Recover0p(DiscardLeastChanges, in))
	in.ResolveConflicts = false
	assert.Equal(t, 1, Recover0p(DiscardLeastChanges, in))
}

func TestRecover0pYoungerOlder(t *testing.T) {
	in := &RecoverInput{SelfWasPrimary: false, PeerWasPrimary: true}
	assert.Equal(t, -1, Recover0p(DiscardYoungerPrimary, in), "peer was the younger primary")
	assert.Equal(t, 1, Recover0p(DiscardOlderPrimary, in))

	in = &RecoverInput{SelfWasPrimary: true, PeerWasPrimary: false}
	assert.Equal(t, 1, Recover0p(DiscardYoungerPrimary, in))
	assert.Equal(t, -1, Recover0p(DiscardOlderPrimary, in))

	// Neither side decided: falls back to least-changes.
	in = &RecoverInput{SelfWasPrimary: true, PeerWasPrimary: true, SelfChanged: 1, PeerChanged: 2}
	assert.Equal(t, -1, Recover0p(DiscardYoungerPrimary, in))
}

func TestRecover0pZeroChanges(t *testing.T) {
	in := &RecoverInput{SelfChanged: 0, PeerChanged: 7}
	assert.Equal(t, -1, Recover0p(DiscardZeroChanges, in))
	in = &RecoverInput{SelfChanged: 7, PeerChanged: 0}
	assert.Equal(t, 1, Recover0p(DiscardZeroChanges, in))
	// Both changed: zero-changes alone cannot decide.
	in = &RecoverInput{SelfChanged: 3, PeerChanged: 7}
	assert.Equal(t, SplitBrainDisconnect, Recover0p(DiscardZeroChanges, in))
}

func TestRecover0pInvalidPolicies(t *testing.T) {
	in := &RecoverInput{}
	for _, p := range []Policy{Consensus, DiscardSecondary, CallHelper, Violently, Disconnect} {
		assert.Equal(t, SplitBrainDisconnect, Recover0p(p, in), p.String())
	}
}

func TestRecover1p(t *testing.T) {
	in := &RecoverInput{SelfChanged: 1, PeerChanged: 2, Role: Secondary}

	// Consensus only honors a decision that discards the secondary.
	assert.Equal(t, -1, Recover1p(Consensus, DiscardLeastChanges, in))
	in.Role = Primary
	assert.Equal(t, SplitBrainDisconnect, Recover1p(Consensus, DiscardLeastChanges, in))

	assert.Equal(t, 1, Recover1p(DiscardSecondary, Disconnect, in))
	in.Role = Secondary
	assert.Equal(t, -1, Recover1p(DiscardSecondary, Disconnect, in))

	// call-helper demotes the primary that lost.
	demoted := false
	in = &RecoverInput{SelfChanged: 5, PeerChanged: 2, Role: Primary,
		Demote: func() bool { demoted = true; return true }}
	assert.Equal(t, -1, Recover1p(CallHelper, DiscardLeastChanges, in))
	assert.True(t, demoted)

	// Demotion failed: helper fires and the split brain stands.
	var helper string
	in.Demote = func() bool { return false }
	in.Helper = func(name string) { helper = name }
	assert.Equal(t, SplitBrainDisconnect, Recover1p(CallHelper, DiscardLeastChanges, in))
	assert.Equal(t, "pri-lost-after-sb", helper)
}

func TestRecover2p(t *testing.T) {
	in := &RecoverInput{SelfChanged: 1, PeerChanged: 2}
	assert.Equal(t, SplitBrainDisconnect, Recover2p(Disconnect, DiscardLeastChanges, in))
	assert.Equal(t, -1, Recover2p(Violently, DiscardLeastChanges, in))
	assert.Equal(t, SplitBrainDisconnect, Recover2p(DiscardLeastChanges, DiscardLeastChanges, in),
		"per-pair policies are invalid with two primaries")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("discard-zero-changes")
	require.NoError(t, err)
	assert.Equal(t, DiscardZeroChanges, p)
	_, err = ParsePolicy("bogus")
	assert.Error(t, err)
}

func TestHandshakeEstablished(t *testing.T) {
	// Boundary scenario: identical current UUIDs, no crash flags.
	res, err := Handshake(hsInput(&Vector{Current: uuidX}, &PeerVector{Current: uuidX}))
	require.NoError(t, err)
	assert.Equal(t, Established, res.Repl)
	assert.Equal(t, ActionNone, res.Action)
	assert.Equal(t, 40, res.Rule)
}

func TestHandshakeFullSyncTarget(t *testing.T) {
	peer := &PeerVector{Current: uuidX}
	peer.History[0] = uuidY
	res, err := Handshake(hsInput(&Vector{Current: uuidY}, peer))
	require.NoError(t, err)
	assert.Equal(t, WFBitmapT, res.Repl)
	assert.Equal(t, ActionFullSync, res.Action)
}

func TestHandshakeUnrelated(t *testing.T) {
	_, err := Handshake(hsInput(&Vector{Current: uuidX}, &PeerVector{Current: uuidY}))
	assert.ErrorIs(t, err, ErrUnrelatedData)
}

func TestHandshakeProtocolRequired(t *testing.T) {
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidY
	in := hsInput(self, &PeerVector{Current: uuidX})
	in.Protocol = 90
	_, err := Handshake(in)
	var pr *ProtocolRequiredError
	require.ErrorAs(t, err, &pr)
	assert.Equal(t, 91, pr.Version)
}

func TestHandshakeDiskStateOverride(t *testing.T) {
	// Equal UUIDs would mean no resync, but the peer's disk is
	// inconsistent: we become source anyway.
	in := hsInput(&Vector{Current: uuidX}, &PeerVector{Current: uuidX})
	in.PeerDiskState = Inconsistent
	res, err := Handshake(in)
	require.NoError(t, err)
	assert.Equal(t, WFBitmapS, res.Repl)
	assert.Equal(t, ActionNone, res.Action)
}

func TestHandshakeAutoRecovery(t *testing.T) {
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidZ
	peer := &PeerVector{Current: uuidY, DirtyBits: 2}
	peer.Bitmap[selfID] = uuidZ

	var helpers []string
	in := hsInput(self, peer)
	in.SelfChanged = 10
	in.AfterSB0p = DiscardLeastChanges
	in.Helper = func(name string) { helpers = append(helpers, name) }

	res, err := Handshake(in)
	require.NoError(t, err)
	assert.Equal(t, WFBitmapS, res.Repl, "more changes on our side: we become source")
	assert.Equal(t, []string{"initial-split-brain"}, helpers)
}

func TestHandshakeSplitBrainUnresolved(t *testing.T) {
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidZ
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[selfID] = uuidZ

	var helpers []string
	in := hsInput(self, peer)
	in.AfterSB0p = Disconnect
	in.Helper = func(name string) { helpers = append(helpers, name) }

	_, err := Handshake(in)
	assert.ErrorIs(t, err, ErrSplitBrain)
	assert.Equal(t, []string{"initial-split-brain", "split-brain"}, helpers)
}

func TestHandshakeDiscardMyData(t *testing.T) {
	// History-only split brain, manually resolved by the peer
	// connecting with discard-my-data.
	self := &Vector{Current: uuidX}
	self.History[0] = uuidW
	peer := &PeerVector{Current: uuidY, DiscardMyData: true}
	peer.History[0] = uuidW

	res, err := Handshake(hsInput(self, peer))
	require.NoError(t, err)
	assert.Equal(t, WFBitmapS, res.Repl)
}

func TestHandshakeInconsistentSource(t *testing.T) {
	in := hsInput(&Vector{Current: uuidX}, &PeerVector{Current: JustCreated})
	in.DiskState = Inconsistent
	in.PeerDiskState = Inconsistent
	_, err := Handshake(in)
	assert.ErrorIs(t, err, ErrInconsistentSS)
}

func TestHandshakePrimarySyncTarget(t *testing.T) {
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[selfID] = uuidX
	in := hsInput(&Vector{Current: uuidX}, peer)
	in.Role = Primary
	in.RRConflict = Disconnect
	_, err := Handshake(in)
	assert.ErrorIs(t, err, ErrPrimaryST)

	// violently lets the sync proceed regardless.
	in.RRConflict = Violently
	res, err := Handshake(in)
	require.NoError(t, err)
	assert.Equal(t, WFBitmapT, res.Repl)
}

func TestHandshakeDryRun(t *testing.T) {
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[selfID] = uuidX
	in := hsInput(&Vector{Current: uuidX}, peer)
	in.DryRun = true
	_, err := Handshake(in)
	assert.ErrorIs(t, err, ErrDryRun)
}

func TestHandshakeClearsStaleBitmapUUID(t *testing.T) {
	// No resync needed but a bitmap UUID is still set from an
	// interrupted earlier resync: it is cleared.
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidZ
	res, err := Handshake(hsInput(self, &PeerVector{Current: uuidX}))
	require.NoError(t, err)
	assert.Equal(t, Established, res.Repl)
	assert.Equal(t, ActionClearBitmap, res.Action)
	assert.Zero(t, self.Bitmap[peerID])
}
