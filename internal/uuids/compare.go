package uuids

import "github.com/rs/zerolog/log"

// Compare results outside the -3..3 range:
const (
	// SplitBrainAuto marks a split brain where automatic recovery may
	// be attempted (both bitmap UUIDs match).
	SplitBrainAuto = 100

	// SplitBrainDisconnect marks a split brain detected via history
	// (or its negation after a failed auto recovery): disconnect.
	SplitBrainDisconnect = -100

	// Unrelated means the two data sets share no common ancestor.
	Unrelated = -1000

	// NeedProtocol91 and NeedProtocol96 report that resolving the
	// situation requires a newer protocol on both sides.
	NeedProtocol91 = -1091
	NeedProtocol96 = -1096

	noFixup = -2000
)

// CompareInput carries everything the UUID comparison consults. Self
// and Peer may be corrected in place by the pre-110 fixups.
type CompareInput struct {
	Self *Vector
	Peer *PeerVector

	// SelfNodeID indexes the peer's bitmap slots; PeerNodeID indexes
	// ours.
	SelfNodeID int
	PeerNodeID int

	Protocol         int
	ResolveConflicts bool
	CrashedPrimary   bool
}

// Compare returns the handshake grade:
//
//	  3  sync source, copy bitmap slot from another peer
//	  2  sync source, full sync (set bitmap)
//	  1  sync source, use bitmap
//	  0  no sync
//	 -1  sync target, use bitmap
//	 -2  sync target, full sync
//	 -3  sync target, already synced via another peer (clear bitmap)
//
// plus the out-of-band values SplitBrainAuto, SplitBrainDisconnect,
// Unrelated and NeedProtocol9x. rule identifies the matching rule for
// diagnostics; peerNodeID is the other slot involved for grades +-3.
func Compare(in *CompareInput) (hg int, rule int, peerNodeID int) {
	self := stripped(in.Self.Current)
	peer := stripped(in.Peer.Current)

	rule = 10
	if self == JustCreated && peer == JustCreated {
		return 0, rule, 0
	}

	rule = 20
	if (self == JustCreated || self == 0) && peer != JustCreated {
		return -2, rule, 0
	}

	rule = 30
	if self != JustCreated && (peer == JustCreated || peer == 0) {
		return 2, rule, 0
	}

	if self == peer {
		if in.Protocol < 110 {
			if rv, r, ok := fixupResyncEnd(in); ok {
				return rv, r, 0
			}
		}

		// Common power failure. Low bit: we were primary at crash
		// time; weight 2: the peer was.
		rct := 0
		if in.CrashedPrimary {
			rct |= 1
		}
		if in.Peer.CrashedPrimary {
			rct |= 2
		}
		rule = 40
		switch rct {
		case 0:
			return 0, rule, 0
		case 1:
			return 1, rule, 0
		case 2:
			return -1, rule, 0
		default: // both crashed as primary
			if in.ResolveConflicts {
				return -1, rule, 0
			}
			return 1, rule, 0
		}
	}

	rule = 50
	if self == stripped(in.Peer.Bitmap[in.SelfNodeID]) {
		return -1, rule, 0
	}

	rule = 52
	for i := range in.Peer.Bitmap {
		if self == stripped(in.Peer.Bitmap[i]) && in.Peer.Bitmap[i] != 0 {
			return -3, rule, i
		}
	}

	if in.Protocol < 110 {
		if rv, r, ok := fixupResyncStart1(in); ok {
			return rv, r, 0
		}
	}

	rule = 60
	for i := range in.Peer.History {
		if self == stripped(in.Peer.History[i]) && in.Peer.History[i] != 0 {
			return -2, rule, 0
		}
	}

	rule = 70
	if stripped(in.Self.Bitmap[in.PeerNodeID]) == peer {
		return 1, rule, 0
	}

	rule = 72
	for i := range in.Self.Bitmap {
		if i == in.PeerNodeID {
			continue
		}
		if stripped(in.Self.Bitmap[i]) == peer && in.Self.Bitmap[i] != 0 {
			return 3, rule, i
		}
	}

	if in.Protocol < 110 {
		if rv, r, ok := fixupResyncStart2(in); ok {
			return rv, r, 0
		}
	}

	rule = 80
	for i := range in.Self.History {
		if stripped(in.Self.History[i]) == peer && in.Self.History[i] != 0 {
			return 2, rule, 0
		}
	}

	rule = 90
	if b := stripped(in.Self.Bitmap[in.PeerNodeID]); b != 0 && b == stripped(in.Peer.Bitmap[in.SelfNodeID]) {
		return SplitBrainAuto, rule, 0
	}

	rule = 100
	for i := range in.Self.History {
		if in.Self.History[i] == 0 {
			continue
		}
		for j := range in.Peer.History {
			if stripped(in.Self.History[i]) == stripped(in.Peer.History[j]) {
				return SplitBrainDisconnect, rule, 0
			}
		}
	}

	return Unrelated, rule, 0
}

// fixupResyncEnd handles equal current UUIDs where exactly one side
// still carries a bitmap UUID: a resync finished but one side missed
// the event. Corrects the stale vector in place.
func fixupResyncEnd(in *CompareInput) (int, int, bool) {
	selfBM := in.Self.Bitmap[in.PeerNodeID]
	peerBM := in.Peer.Bitmap[in.SelfNodeID]

	if peerBM == 0 && selfBM != 0 {
		if in.Protocol < 91 {
			return NeedProtocol91, 0, true
		}
		if stripped(selfBM) == stripped(in.Peer.History[0]) &&
			stripped(in.Self.History[0]) == stripped(in.Peer.History[0]) {
			log.Info().Msg("was sync source, missed the resync finished event, corrected myself")
			in.Self.PushHistory(selfBM)
			in.Self.Bitmap[in.PeerNodeID] = 0
			return 1, 34, true
		}
		log.Info().Msg("was sync source (peer failed to write sync uuid)")
		return 1, 36, true
	}

	if selfBM == 0 && peerBM != 0 {
		if in.Protocol < 91 {
			return NeedProtocol91, 0, true
		}
		if stripped(in.Self.History[0]) == stripped(peerBM) &&
			stripped(in.Self.History[1]) == stripped(in.Peer.History[0]) {
			log.Info().Msg("was sync target, peer missed the resync finished event, corrected peer")
			copy(in.Peer.History[1:], in.Peer.History[:len(in.Peer.History)-1])
			in.Peer.History[0] = peerBM
			in.Peer.Bitmap[in.SelfNodeID] = 0
			return -1, 35, true
		}
		log.Info().Msg("was sync target (failed to write sync uuid)")
		return -1, 37, true
	}

	return noFixup, 0, false
}

// fixupResyncStart1 recognizes a sync-uuid packet the peer sent at
// resync start that never arrived: our current UUID still matches the
// head of the peer's history. Undoes the peer-side modifications.
func fixupResyncStart1(in *CompareInput) (int, int, bool) {
	self := stripped(in.Self.Current)
	peer := stripped(in.Peer.History[0])
	if self != peer {
		return noFixup, 0, false
	}

	var match bool
	if in.Protocol < 96 {
		match = stripped(in.Self.History[0]) == stripped(in.Peer.History[1])
	} else {
		match = peer+NewBitmapOffset == stripped(in.Peer.Bitmap[in.SelfNodeID])
	}
	if !match {
		return noFixup, 0, false
	}
	if in.Protocol < 91 {
		return NeedProtocol91, 0, true
	}

	in.Peer.Bitmap[in.SelfNodeID] = in.Peer.History[0]
	copy(in.Peer.History[:len(in.Peer.History)-1], in.Peer.History[1:])
	in.Peer.History[len(in.Peer.History)-1] = 0
	log.Info().Msg("lost last sync uuid packet, corrected peer")
	return -1, 51, true
}

// fixupResyncStart2 is the mirror case: we bumped our UUIDs as sync
// source but the peer never saw the sync-uuid packet. Undoes our own
// modifications.
func fixupResyncStart2(in *CompareInput) (int, int, bool) {
	self := stripped(in.Self.History[0])
	peer := stripped(in.Peer.Current)
	if self != peer {
		return noFixup, 0, false
	}

	var match bool
	if in.Protocol < 96 {
		match = stripped(in.Self.History[1]) == stripped(in.Peer.History[0])
	} else {
		match = self+NewBitmapOffset == stripped(in.Self.Bitmap[in.PeerNodeID])
	}
	if !match {
		return noFixup, 0, false
	}
	if in.Protocol < 91 {
		return NeedProtocol91, 0, true
	}

	in.Self.Bitmap[in.PeerNodeID] = in.Self.PullHistory()
	log.Info().Msg("last sync uuid did not get through, corrected myself")
	return 1, 71, true
}
