package uuids

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DiskState is the subset of disk states the handshake consults.
type DiskState int

const (
	Diskless DiskState = iota
	Inconsistent
	Outdated
	Consistent
	UpToDate
)

// String returns the string representation of the disk state.
func (d DiskState) String() string {
	switch d {
	case Diskless:
		return "diskless"
	case Inconsistent:
		return "inconsistent"
	case Outdated:
		return "outdated"
	case Consistent:
		return "consistent"
	case UpToDate:
		return "up-to-date"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// ReplState is the replication state the handshake decides on.
type ReplState int

const (
	// Established: no resync needed.
	Established ReplState = iota

	// WFBitmapS: we become sync source and wait for the peer's bitmap.
	WFBitmapS

	// WFBitmapT: we become sync target and send our bitmap.
	WFBitmapT
)

// String returns the string representation of the replication state.
func (r ReplState) String() string {
	switch r {
	case Established:
		return "established"
	case WFBitmapS:
		return "wf-bitmap-source"
	case WFBitmapT:
		return "wf-bitmap-target"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// BitmapAction is the bitmap preparation the caller must perform
// before entering the decided state.
type BitmapAction int

const (
	// ActionNone leaves the bitmap as is.
	ActionNone BitmapAction = iota

	// ActionFullSync sets all bits and writes the bitmap out.
	ActionFullSync

	// ActionCopySlot copies the bitmap slot of PeerNodeID into this
	// peer's slot (the peer synced up with that node).
	ActionCopySlot

	// ActionClearBitmap clears this peer's bitmap (already in sync).
	ActionClearBitmap
)

// Handshake failure modes.
var (
	ErrUnrelatedData  = errors.New("unrelated data, aborting")
	ErrSplitBrain     = errors.New("split-brain detected but unresolved")
	ErrInconsistentSS = errors.New("would become sync source, but am inconsistent")
	ErrPrimaryST      = errors.New("would become sync target, but am primary")
	ErrDryRun         = errors.New("dry-run connect")
)

// ProtocolRequiredError reports that both sides need at least the
// given protocol version to resolve the UUID situation.
type ProtocolRequiredError struct {
	Version int
}

func (e *ProtocolRequiredError) Error() string {
	return fmt.Sprintf("to resolve this both sides have to support at least protocol %d", e.Version)
}

// HandshakeInput extends CompareInput with the policy knobs and state
// that turn a compare grade into a replication decision.
type HandshakeInput struct {
	CompareInput

	Role          Role
	PeerRole      Role
	DiskState     DiskState
	PeerDiskState DiskState

	DiscardMyData     bool
	SelfChanged       uint64
	AfterSB0p         Policy
	AfterSB1p         Policy
	AfterSB2p         Policy
	AlwaysAutoRecover bool
	RRConflict        Policy
	DryRun            bool

	Demote func() bool
	Helper func(name string)
}

// HandshakeResult is the decision: the new replication state, the
// bitmap preparation it needs, and diagnostics.
type HandshakeResult struct {
	Repl       ReplState
	Action     BitmapAction
	PeerNodeID int
	HG         int
	Rule       int
}

func (in *HandshakeInput) helper(name string) {
	if in.Helper != nil {
		in.Helper(name)
	}
}

// Handshake runs the UUID comparison and the post-decision policy
// machinery and returns the replication state to enter.
func Handshake(in *HandshakeInput) (*HandshakeResult, error) {
	hg, rule, peerNodeID := Compare(&in.CompareInput)
	log.Info().Int("hg", hg).Int("rule", rule).Msg("uuid compare")

	if hg == Unrelated {
		return nil, ErrUnrelatedData
	}
	if hg < Unrelated {
		return nil, &ProtocolRequiredError{Version: -hg - 1000}
	}

	// An inconsistent disk on exactly one side overrides the UUID
	// grade: the consistent side is the source.
	if (in.DiskState == Inconsistent && in.PeerDiskState > Inconsistent) ||
		(in.PeerDiskState == Inconsistent && in.DiskState > Inconsistent) {
		full := hg == SplitBrainDisconnect || hg == 2 || hg == -2
		if in.DiskState > Inconsistent {
			hg = 1
		} else {
			hg = -1
		}
		if full {
			hg *= 2
		}
		log.Info().Bool("source", hg > 0).Msg("resync direction forced by disk states")
	}

	if hg == SplitBrainAuto || hg == SplitBrainDisconnect {
		in.helper("initial-split-brain")
	}

	if hg == SplitBrainAuto || (hg == SplitBrainDisconnect && in.AlwaysAutoRecover) {
		pcount := 0
		if in.Role == Primary {
			pcount++
		}
		if in.PeerRole == Primary {
			pcount++
		}
		forced := hg == SplitBrainDisconnect

		rin := &RecoverInput{
			SelfWasPrimary:   in.Self.Bitmap[in.PeerNodeID]&1 != 0,
			PeerWasPrimary:   in.Peer.Bitmap[in.SelfNodeID]&1 != 0,
			SelfChanged:      in.SelfChanged,
			PeerChanged:      in.Peer.DirtyBits,
			ResolveConflicts: in.ResolveConflicts,
			Role:             in.Role,
			Demote:           in.Demote,
			Helper:           in.Helper,
		}
		switch pcount {
		case 0:
			hg = Recover0p(in.AfterSB0p, rin)
		case 1:
			hg = Recover1p(in.AfterSB1p, in.AfterSB0p, rin)
		case 2:
			hg = Recover2p(in.AfterSB2p, in.AfterSB0p, rin)
		}
		if hg > -100 && hg < 100 {
			log.Warn().
				Int("primaries", pcount).
				Str("sync_from", map[bool]string{true: "peer", false: "this"}[hg < 0]).
				Msg("split-brain detected, automatically solved")
			if forced {
				log.Warn().Msg("doing a full sync, since uuids were ambiguous")
				hg *= 2
			}
		}
	}

	if hg == SplitBrainDisconnect {
		if in.DiscardMyData && !in.Peer.DiscardMyData {
			hg = -1
		} else if !in.DiscardMyData && in.Peer.DiscardMyData {
			hg = 1
		}
		if hg != SplitBrainDisconnect {
			log.Warn().
				Str("sync_from", map[bool]string{true: "peer", false: "this"}[hg < 0]).
				Msg("split-brain detected, manually solved")
		}
	}

	if hg == SplitBrainDisconnect {
		in.helper("split-brain")
		return nil, ErrSplitBrain
	}

	if hg > 0 && in.DiskState <= Inconsistent {
		return nil, ErrInconsistentSS
	}

	if hg < 0 && in.Role == Primary && in.DiskState >= Consistent {
		switch in.RRConflict {
		case CallHelper:
			in.helper("pri-lost")
			return nil, ErrPrimaryST
		case Disconnect:
			return nil, ErrPrimaryST
		case Violently:
			log.Warn().Msg("becoming sync target, violating the stable-data assumption")
		}
	}

	if in.DryRun {
		if hg == 0 {
			log.Info().Msg("dry-run connect: no resync, would become established immediately")
		} else {
			kind := "bitmap-based"
			if hg >= 2 || hg <= -2 {
				kind = "full"
			}
			log.Info().
				Bool("source", hg > 0).
				Str("resync", kind).
				Msg("dry-run connect")
		}
		return nil, ErrDryRun
	}

	res := &HandshakeResult{HG: hg, Rule: rule, PeerNodeID: peerNodeID}
	switch {
	case hg == 3:
		log.Info().Int("node", peerNodeID).Msg("peer synced up with another node, copying bitmap slot")
		res.Action = ActionCopySlot
	case hg == -3:
		log.Info().Int("node", peerNodeID).Msg("synced up with another node in the mean time")
		res.Action = ActionClearBitmap
	case hg >= 2 || hg <= -2:
		log.Info().Msg("writing the whole bitmap, full sync required")
		res.Action = ActionFullSync
	}

	switch {
	case hg > 0:
		res.Repl = WFBitmapS
	case hg < 0:
		res.Repl = WFBitmapT
	default:
		res.Repl = Established
		if in.Self.Bitmap[in.PeerNodeID] != 0 {
			log.Info().Msg("clearing bitmap uuid and bitmap content")
			in.Self.PushHistory(in.Self.Bitmap[in.PeerNodeID])
			in.Self.Bitmap[in.PeerNodeID] = 0
			res.Action = ActionClearBitmap
		}
	}
	return res, nil
}
