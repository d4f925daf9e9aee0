package uuids

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Policy is an after-split-brain recovery policy. Which values are
// valid depends on how many primaries remain (the 0p/1p/2p ladder).
type Policy int

const (
	Disconnect Policy = iota
	DiscardYoungerPrimary
	DiscardOlderPrimary
	DiscardZeroChanges
	DiscardLeastChanges
	DiscardLocal
	DiscardRemote
	Consensus
	Violently
	CallHelper
	DiscardSecondary
)

var policyNames = map[Policy]string{
	Disconnect:            "disconnect",
	DiscardYoungerPrimary: "discard-younger-primary",
	DiscardOlderPrimary:   "discard-older-primary",
	DiscardZeroChanges:    "discard-zero-changes",
	DiscardLeastChanges:   "discard-least-changes",
	DiscardLocal:          "discard-local",
	DiscardRemote:         "discard-remote",
	Consensus:             "consensus",
	Violently:             "violently",
	CallHelper:            "call-helper",
	DiscardSecondary:      "discard-secondary",
}

// String returns the configuration name of the policy.
func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return Disconnect, fmt.Errorf("unknown split-brain policy %q", s)
}

// Role is the resource role.
type Role int

const (
	Secondary Role = iota
	Primary
)

// String returns the string representation of the role.
func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "secondary"
}

// RecoverInput carries the state the recovery strategies consult.
type RecoverInput struct {
	// SelfWasPrimary / PeerWasPrimary are the low bits of the two
	// bitmap UUIDs: who was primary when the generations diverged.
	SelfWasPrimary bool
	PeerWasPrimary bool

	// SelfChanged / PeerChanged are the out-of-sync block counts each
	// side accumulated while split.
	SelfChanged uint64
	PeerChanged uint64

	ResolveConflicts bool
	Role             Role

	// Demote attempts to give up the primary role for the call-helper
	// strategy; nil means demotion is not possible.
	Demote func() bool

	// Helper invokes the external recovery helper program.
	Helper func(name string)
}

// Recover0p resolves a split brain with no remaining primaries.
// Returns 1 (discard peer), -1 (discard self) or SplitBrainDisconnect.
func Recover0p(policy Policy, in *RecoverInput) int {
	rv := SplitBrainDisconnect

	switch policy {
	case Consensus, DiscardSecondary, CallHelper, Violently:
		log.Error().Str("policy", policy.String()).Msg("configuration error in after-sb-0pri")
	case Disconnect:
	case DiscardYoungerPrimary:
		if !in.SelfWasPrimary && in.PeerWasPrimary {
			return -1
		}
		if in.SelfWasPrimary && !in.PeerWasPrimary {
			return 1
		}
		fallthrough
	case DiscardOlderPrimary:
		if policy == DiscardOlderPrimary {
			if !in.SelfWasPrimary && in.PeerWasPrimary {
				return 1
			}
			if in.SelfWasPrimary && !in.PeerWasPrimary {
				return -1
			}
		}
		log.Warn().Msg("discard younger/older primary did not find a decision, using discard-least-changes instead")
		fallthrough
	case DiscardZeroChanges:
		if in.PeerChanged == 0 && in.SelfChanged == 0 {
			if in.ResolveConflicts {
				return -1
			}
			return 1
		}
		if in.PeerChanged == 0 {
			return 1
		}
		if in.SelfChanged == 0 {
			return -1
		}
		if policy == DiscardZeroChanges {
			break
		}
		fallthrough
	case DiscardLeastChanges:
		switch {
		case in.SelfChanged < in.PeerChanged:
			rv = -1
		case in.SelfChanged > in.PeerChanged:
			rv = 1
		case in.ResolveConflicts:
			rv = -1
		default:
			rv = 1
		}
	case DiscardLocal:
		rv = -1
	case DiscardRemote:
		rv = 1
	}

	return rv
}

// Recover1p resolves a split brain with one remaining primary.
func Recover1p(policy, policy0p Policy, in *RecoverInput) int {
	rv := SplitBrainDisconnect

	switch policy {
	case DiscardYoungerPrimary, DiscardOlderPrimary, DiscardLeastChanges,
		DiscardLocal, DiscardRemote, DiscardZeroChanges:
		log.Error().Str("policy", policy.String()).Msg("configuration error in after-sb-1pri")
	case Disconnect:
	case Consensus:
		hg := Recover0p(policy0p, in)
		if hg == -1 && in.Role == Secondary {
			rv = hg
		}
		if hg == 1 && in.Role == Primary {
			rv = hg
		}
	case Violently:
		rv = Recover0p(policy0p, in)
	case DiscardSecondary:
		if in.Role == Primary {
			return 1
		}
		return -1
	case CallHelper:
		hg := Recover0p(policy0p, in)
		if hg == -1 && in.Role == Primary {
			if in.Demote != nil && in.Demote() {
				log.Warn().Msg("successfully gave up primary role")
				rv = hg
			} else if in.Helper != nil {
				in.Helper("pri-lost-after-sb")
			}
		} else {
			rv = hg
		}
	}

	return rv
}

// Recover2p resolves a split brain with two remaining primaries.
func Recover2p(policy, policy0p Policy, in *RecoverInput) int {
	rv := SplitBrainDisconnect

	switch policy {
	case DiscardYoungerPrimary, DiscardOlderPrimary, DiscardLeastChanges,
		DiscardLocal, DiscardRemote, Consensus, DiscardSecondary, DiscardZeroChanges:
		log.Error().Str("policy", policy.String()).Msg("configuration error in after-sb-2pri")
	case Disconnect:
	case Violently:
		rv = Recover0p(policy0p, in)
	case CallHelper:
		hg := Recover0p(policy0p, in)
		if hg == -1 {
			if in.Demote != nil && in.Demote() {
				log.Warn().Msg("successfully gave up primary role")
				rv = hg
			} else if in.Helper != nil {
				in.Helper("pri-lost-after-sb")
			}
		} else {
			rv = hg
		}
	}

	return rv
}
