package uuids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selfID = 0
	peerID = 1

	uuidX = uint64(0x1111111111111110)
	uuidY = uint64(0x2222222222222220)
	uuidZ = uint64(0x3333333333333330)
	uuidW = uint64(0x4444444444444440)
)

func input(self *Vector, peer *PeerVector) *CompareInput {
	return &CompareInput{
		Self:       self,
		Peer:       peer,
		SelfNodeID: selfID,
		PeerNodeID: peerID,
		Protocol:   110,
	}
}

// mirror swaps the two views so the comparison can be run from the
// peer's perspective.
func mirror(in *CompareInput) *CompareInput {
	self := &Vector{Current: in.Peer.Current, Bitmap: in.Peer.Bitmap, History: in.Peer.History}
	peer := &PeerVector{
		Current:        in.Self.Current,
		Bitmap:         in.Self.Bitmap,
		History:        in.Self.History,
		CrashedPrimary: in.CrashedPrimary,
	}
	return &CompareInput{
		Self:             self,
		Peer:             peer,
		SelfNodeID:       peerID,
		PeerNodeID:       selfID,
		Protocol:         in.Protocol,
		ResolveConflicts: !in.ResolveConflicts,
		CrashedPrimary:   in.Peer.CrashedPrimary,
	}
}

func TestCompareBothJustCreated(t *testing.T) {
	in := input(&Vector{Current: JustCreated}, &PeerVector{Current: JustCreated})
	hg, rule, _ := Compare(in)
	assert.Equal(t, 0, hg)
	assert.Equal(t, 10, rule)
}

func TestCompareFreshSide(t *testing.T) {
	in := input(&Vector{Current: JustCreated}, &PeerVector{Current: uuidX})
	hg, rule, _ := Compare(in)
	assert.Equal(t, -2, hg, "just-created side becomes full sync target")
	assert.Equal(t, 20, rule)

	in = input(&Vector{Current: uuidX}, &PeerVector{Current: JustCreated})
	hg, rule, _ = Compare(in)
	assert.Equal(t, 2, hg)
	assert.Equal(t, 30, rule)
}

func TestCompareEqualCurrentsCleanPeers(t *testing.T) {
	// Boundary scenario: fresh pairing with identical current UUIDs and
	// no crashed-primary flags.
	in := input(&Vector{Current: uuidX}, &PeerVector{Current: uuidX})
	hg, rule, _ := Compare(in)
	assert.Equal(t, 0, hg)
	assert.Equal(t, 40, rule)
}

func TestCompareCrashedPrimaries(t *testing.T) {
	mk := func(selfCrashed, peerCrashed, resolve bool) int {
		in := input(&Vector{Current: uuidX}, &PeerVector{Current: uuidX, CrashedPrimary: peerCrashed})
		in.CrashedPrimary = selfCrashed
		in.ResolveConflicts = resolve
		hg, rule, _ := Compare(in)
		require.Equal(t, 40, rule)
		return hg
	}
	assert.Equal(t, 1, mk(true, false, false), "we crashed as primary: source")
	assert.Equal(t, -1, mk(false, true, false), "peer crashed as primary: target")
	assert.Equal(t, -1, mk(true, true, true), "both crashed: resolver side becomes target")
	assert.Equal(t, 1, mk(true, true, false))
}

func TestCompareBitmapRules(t *testing.T) {
	// Peer was sync source toward us and the resync is still marked in
	// its bitmap slot: our current equals that slot.
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[selfID] = uuidX
	in := input(&Vector{Current: uuidX}, peer)
	hg, rule, _ := Compare(in)
	assert.Equal(t, -1, hg)
	assert.Equal(t, 50, rule)

	// Our bitmap slot toward the peer holds its current: we are source.
	self := &Vector{Current: uuidY}
	self.Bitmap[peerID] = uuidX
	in = input(self, &PeerVector{Current: uuidX})
	hg, rule, _ = Compare(in)
	assert.Equal(t, 1, hg)
	assert.Equal(t, 70, rule)
}

func TestCompareOtherSlotRules(t *testing.T) {
	// Our current matches the peer's bitmap slot toward node 5: the
	// peer already tracks our data via that node.
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[5] = uuidX
	in := input(&Vector{Current: uuidX}, peer)
	hg, rule, node := Compare(in)
	assert.Equal(t, -3, hg)
	assert.Equal(t, 52, rule)
	assert.Equal(t, 5, node)

	// The peer's current matches our bitmap slot toward node 7.
	self := &Vector{Current: uuidX}
	self.Bitmap[7] = uuidY
	in = input(self, &PeerVector{Current: uuidY})
	hg, rule, node = Compare(in)
	assert.Equal(t, 3, hg)
	assert.Equal(t, 72, rule)
	assert.Equal(t, 7, node)
}

func TestCompareHistoryRules(t *testing.T) {
	// Boundary scenario: device A (current X, history [Y]) against
	// device B (current Y). From B's view rule 60 fires: sync target
	// with a full bitmap.
	a := &Vector{Current: uuidX}
	a.History[0] = uuidY
	bAsPeer := &PeerVector{Current: uuidX}
	bAsPeer.History[0] = uuidY

	in := input(&Vector{Current: uuidY}, bAsPeer)
	hg, rule, _ := Compare(in)
	assert.Equal(t, -2, hg)
	assert.Equal(t, 60, rule)

	// A's own view is the mirror: rule 80, sync source.
	in = input(a, &PeerVector{Current: uuidY})
	hg, rule, _ = Compare(in)
	assert.Equal(t, 2, hg)
	assert.Equal(t, 80, rule)
}

func TestCompareSplitBrain(t *testing.T) {
	// Both sides carry a bitmap UUID from the same divergence point.
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidZ
	peer := &PeerVector{Current: uuidY}
	peer.Bitmap[selfID] = uuidZ
	hg, rule, _ := Compare(input(self, peer))
	assert.Equal(t, SplitBrainAuto, hg)
	assert.Equal(t, 90, rule)

	// Common ancestor only in the history: split brain, no auto
	// recovery.
	self = &Vector{Current: uuidX}
	self.History[0] = uuidW
	peer = &PeerVector{Current: uuidY}
	peer.History[1] = uuidW
	hg, rule, _ = Compare(input(self, peer))
	assert.Equal(t, SplitBrainDisconnect, hg)
	assert.Equal(t, 100, rule)
}

func TestCompareUnrelated(t *testing.T) {
	hg, _, _ := Compare(input(&Vector{Current: uuidX}, &PeerVector{Current: uuidY}))
	assert.Equal(t, Unrelated, hg)
}

func TestCompareSymmetry(t *testing.T) {
	cases := []struct {
		name string
		in   *CompareInput
	}{
		{"both created", input(&Vector{Current: JustCreated}, &PeerVector{Current: JustCreated})},
		{"one created", input(&Vector{Current: JustCreated}, &PeerVector{Current: uuidX})},
		{"equal clean", input(&Vector{Current: uuidX}, &PeerVector{Current: uuidX})},
		{"history", func() *CompareInput {
			self := &Vector{Current: uuidX}
			self.History[0] = uuidY
			return input(self, &PeerVector{Current: uuidY})
		}()},
		{"bitmap", func() *CompareInput {
			self := &Vector{Current: uuidY}
			self.Bitmap[peerID] = uuidX
			return input(self, &PeerVector{Current: uuidX})
		}()},
		{"both crashed", func() *CompareInput {
			in := input(&Vector{Current: uuidX}, &PeerVector{Current: uuidX, CrashedPrimary: true})
			in.CrashedPrimary = true
			in.ResolveConflicts = true
			return in
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fwd, _, _ := Compare(tc.in)
			rev, _, _ := Compare(mirror(tc.in))
			assert.Equal(t, fwd, -rev, "compare(A,B) != -compare(B,A)")
		})
	}
}

func TestFixupResyncEndCorrectsSelf(t *testing.T) {
	// We were sync source, the resync finished, but we missed the
	// event: our bitmap UUID toward the peer is stale.
	self := &Vector{Current: uuidX}
	self.Bitmap[peerID] = uuidY
	self.History[0] = uuidY
	peer := &PeerVector{Current: uuidX}
	peer.History[0] = uuidY

	in := input(self, peer)
	in.Protocol = 101
	hg, rule, _ := Compare(in)
	assert.Equal(t, 1, hg)
	assert.Equal(t, 34, rule)
	assert.Zero(t, self.Bitmap[peerID], "stale bitmap uuid not cleared")
	assert.Equal(t, uuidY, self.History[0])

	// The same situation needs protocol 91.
	self2 := &Vector{Current: uuidX}
	self2.Bitmap[peerID] = uuidY
	in = input(self2, &PeerVector{Current: uuidX})
	in.Protocol = 90
	hg, _, _ = Compare(in)
	assert.Equal(t, NeedProtocol91, hg)
}

func TestFixupResyncStart1(t *testing.T) {
	// The peer started a resync toward us and bumped its UUIDs, but
	// its sync-uuid packet was lost: our current still matches the
	// head of its history.
	self := &Vector{Current: uuidX}
	peer := &PeerVector{Current: uuidZ}
	peer.History[0] = uuidX
	peer.History[1] = uuidW
	peer.Bitmap[selfID] = uuidX + NewBitmapOffset

	in := input(self, peer)
	in.Protocol = 101
	hg, rule, _ := Compare(in)
	assert.Equal(t, -1, hg)
	assert.Equal(t, 51, rule)
	assert.Equal(t, uuidX, peer.Bitmap[selfID], "peer bitmap uuid not rolled back")
	assert.Equal(t, uuidW, peer.History[0], "peer history not popped")
}

func TestFixupResyncStart2(t *testing.T) {
	// Mirror case: we bumped our UUIDs as sync source but the peer
	// never received the sync-uuid packet.
	self := &Vector{Current: uuidZ}
	self.History[0] = uuidX
	self.Bitmap[peerID] = uuidX + NewBitmapOffset
	peer := &PeerVector{Current: uuidX}

	in := input(self, peer)
	in.Protocol = 101
	hg, rule, _ := Compare(in)
	assert.Equal(t, 1, hg)
	assert.Equal(t, 71, rule)
	assert.Equal(t, uuidX, self.Bitmap[peerID], "bitmap uuid not restored from history")
	assert.Zero(t, self.History[0])
}

func TestPushPullHistory(t *testing.T) {
	var v Vector
	v.PushHistory(uuidX)
	v.PushHistory(uuidY)
	assert.Equal(t, uuidY, v.History[0])
	assert.Equal(t, uuidX, v.History[1])
	assert.Equal(t, uuidY, v.PullHistory())
	assert.Equal(t, uuidX, v.History[0])
	assert.Zero(t, v.History[1])
}
