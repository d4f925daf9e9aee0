// Package uuids implements the data-generation UUID comparison that
// decides, at connect time, whether a resync is needed, in which
// direction, and how split-brain situations are resolved.
package uuids

// MaxNodes bounds the per-peer bitmap UUID slots.
const MaxNodes = 32

// HistorySize bounds the history UUID ring.
const HistorySize = 16

// JustCreated is the current UUID of a device that has never been
// written to and never synced.
const JustCreated uint64 = 4

// NewBitmapOffset is added to the previous current UUID when a fresh
// bitmap UUID is generated at resync start. Protocol 96 and newer use
// it to recognize a lost sync-uuid packet.
const NewBitmapOffset uint64 = 0x0001000000000000

// Vector is one node's view of a device's data generation: the current
// UUID, one bitmap UUID per peer slot, and the history ring with the
// most recent entry first. The low bit of every UUID is a role flag and
// is masked out for comparisons.
type Vector struct {
	Current uint64
	Bitmap  [MaxNodes]uint64
	History [HistorySize]uint64
}

// PushHistory rotates bitmap UUID val into the history ring.
func (v *Vector) PushHistory(val uint64) {
	copy(v.History[1:], v.History[:len(v.History)-1])
	v.History[0] = val
}

// PullHistory removes and returns the most recent history UUID.
func (v *Vector) PullHistory() uint64 {
	val := v.History[0]
	copy(v.History[:len(v.History)-1], v.History[1:])
	v.History[len(v.History)-1] = 0
	return val
}

// PeerVector is the peer's generation view as received in its UUIDs
// packet, plus the flags that travel with it.
type PeerVector struct {
	Current uint64
	Bitmap  [MaxNodes]uint64
	History [HistorySize]uint64

	CrashedPrimary bool
	DiscardMyData  bool

	// DirtyBits is the peer's out-of-sync count toward us, used by the
	// discard-least-changes recovery strategy.
	DirtyBits uint64
}

func stripped(u uint64) uint64 { return u &^ 1 }
