package replication

import "fmt"

// CState is the connection state.
type CState int

const (
	// CStandalone indicates the connection gave up; an admin command is
	// needed to revive it (terminal until then).
	CStandalone CState = iota

	// CUnconnected indicates the connection exists but is idle between
	// attempts.
	CUnconnected

	// CConnecting indicates the socket dance and handshake are running.
	CConnecting

	// CConnected indicates frames are flowing.
	CConnected

	// CNetworkFailure indicates a fatal receive error; teardown is in
	// progress and the connection will retry.
	CNetworkFailure

	// CDisconnecting indicates an administrative disconnect; teardown
	// ends in Standalone.
	CDisconnecting
)

// String returns the string representation of the state.
func (s CState) String() string {
	switch s {
	case CStandalone:
		return "standalone"
	case CUnconnected:
		return "unconnected"
	case CConnecting:
		return "connecting"
	case CConnected:
		return "connected"
	case CNetworkFailure:
		return "network-failure"
	case CDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsActive reports whether frames may be processed in this state.
func (s CState) IsActive() bool {
	return s == CConnected
}

// CanTransitionTo reports whether a transition to target is valid.
func (s CState) CanTransitionTo(target CState) bool {
	switch s {
	case CStandalone:
		return target == CUnconnected
	case CUnconnected:
		return target == CConnecting || target == CDisconnecting || target == CStandalone
	case CConnecting:
		return target == CConnected || target == CUnconnected ||
			target == CNetworkFailure || target == CDisconnecting || target == CStandalone
	case CConnected:
		return target == CNetworkFailure || target == CDisconnecting
	case CNetworkFailure, CDisconnecting:
		return target == CUnconnected || target == CStandalone
	default:
		return false
	}
}

// ReplState is the per peer-device replication state.
type ReplState int

const (
	ReplOff ReplState = iota
	ReplEstablished
	ReplWFBitmapS
	ReplWFBitmapT
	ReplWFSyncUUID
	ReplSyncSource
	ReplSyncTarget
	ReplPausedSyncS
	ReplPausedSyncT
	ReplVerifyS
	ReplVerifyT
	ReplAhead
	ReplBehind
)

// String returns the string representation of the replication state.
func (s ReplState) String() string {
	switch s {
	case ReplOff:
		return "off"
	case ReplEstablished:
		return "established"
	case ReplWFBitmapS:
		return "wf-bitmap-s"
	case ReplWFBitmapT:
		return "wf-bitmap-t"
	case ReplWFSyncUUID:
		return "wf-sync-uuid"
	case ReplSyncSource:
		return "sync-source"
	case ReplSyncTarget:
		return "sync-target"
	case ReplPausedSyncS:
		return "paused-sync-s"
	case ReplPausedSyncT:
		return "paused-sync-t"
	case ReplVerifyS:
		return "verify-s"
	case ReplVerifyT:
		return "verify-t"
	case ReplAhead:
		return "ahead"
	case ReplBehind:
		return "behind"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsSyncing reports whether a resync is running in this state.
func (s ReplState) IsSyncing() bool {
	switch s {
	case ReplSyncSource, ReplSyncTarget, ReplPausedSyncS, ReplPausedSyncT:
		return true
	default:
		return false
	}
}
