package replication

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/interval"
	"github.com/replimesh/replimesh/internal/protocol"
)

// LocalRequest is the interval-tree view of a write submitted locally.
// The receive side only needs enough of it to resolve conflicts against
// inbound peer writes.
type LocalRequest struct {
	Interval interval.Interval

	// Postponed marks a request that lost conflict resolution on the
	// peer and sits waiting to be restarted.
	Postponed bool

	// OnRestart runs when a conflicting peer write completes and the
	// postponed request may go again.
	OnRestart func()
}

// StartLocalWrite registers a local in-flight write with the conflict
// machinery.
func (d *Device) StartLocalWrite(sector uint64, size uint32) *LocalRequest {
	lr := &LocalRequest{}
	lr.Interval.Sector = sector
	lr.Interval.Size = size
	lr.Interval.Local = true
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeRequests.Insert(&lr.Interval)
	d.localByInterval[&lr.Interval] = lr
	return lr
}

// CompleteLocalWrite removes a local write from the conflict machinery.
func (d *Device) CompleteLocalWrite(lr *LocalRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !lr.Interval.InTree() {
		return
	}
	d.writeRequests.Remove(&lr.Interval)
	delete(d.localByInterval, &lr.Interval)
	if lr.Interval.Waiting {
		lr.Interval.Waiting = false
	}
	d.broadcastLocked()
}

// conflictVerdict is the outcome of conflict resolution for one peer
// write.
type conflictVerdict struct {
	// Submit: the write goes to the block layer.
	Submit bool

	// DiscardAck is the ack announcing a dropped write (Superseded or
	// RetryWrite); only set when Submit is false.
	DiscardAck protocol.Command
}

// ResolveWriteConflict inserts the peer request's interval into the
// device write tree and settles any overlap with concurrent writes.
// Only meaningful in two-primaries mode.
//
// The resolver connection decides: a peer write fully contained in a
// conflicting local write is discarded with Superseded; a partial
// overlap is bounced back with RetryWrite (Superseded before protocol
// 100). The non-resolver side waits for the peer's decision, or, when
// the conflicting local request is already postponed, remembers to
// restart it after this write completes.
func (d *Device) ResolveWriteConflict(req *PeerRequest, resolver bool, version int,
	timeout time.Duration) (conflictVerdict, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	sector, size := req.Sector, req.Size
	req.Interval.Sector = sector
	req.Interval.Size = size

	for {
		d.mu.Lock()
		var conflict *interval.Interval
		d.writeRequests.EachOverlap(sector, size, func(i *interval.Interval) bool {
			if i == &req.Interval {
				return true
			}
			conflict = i
			return false
		})

		if conflict == nil {
			if !req.Interval.InTree() {
				d.writeRequests.Insert(&req.Interval)
				req.Flags |= FlagInInterval
			}
			d.mu.Unlock()
			return conflictVerdict{Submit: true}, nil
		}

		if !conflict.Local {
			// A write from another peer still drains; unusual outside
			// mesh topologies, but well-defined: wait and retry.
			conflict.Waiting = true
			ch := d.treeChanged
			d.mu.Unlock()
			if err := waitTree(ch, deadline, sector); err != nil {
				return conflictVerdict{}, err
			}
			continue
		}

		lr := d.localByInterval[conflict]
		if resolver {
			contained := conflict.Sector <= sector && conflict.End() >= sector+uint64(size>>9)
			d.mu.Unlock()
			ack := protocol.CmdSuperseded
			if !contained && version >= protocol.Version100 {
				ack = protocol.CmdRetryWrite
			}
			log.Warn().
				Uint64("sector", sector).Uint32("size", size).
				Bool("contained", contained).
				Msg("concurrent writes detected, discarding peer request")
			return conflictVerdict{DiscardAck: ack}, nil
		}

		if lr != nil && lr.Postponed {
			// The local request already lost on the peer; it restarts
			// once this write is done.
			req.Flags |= FlagRestartRequests
			if !req.Interval.InTree() {
				d.writeRequests.Insert(&req.Interval)
				req.Flags |= FlagInInterval
			}
			d.mu.Unlock()
			return conflictVerdict{Submit: true}, nil
		}

		// Local request still pending: the peer makes the discard/retry
		// decision for it, wait until it leaves the tree.
		conflict.Waiting = true
		ch := d.treeChanged
		d.mu.Unlock()
		if err := waitTree(ch, deadline, sector); err != nil {
			return conflictVerdict{}, err
		}
	}
}

func waitTree(ch <-chan struct{}, deadline *time.Timer, sector uint64) error {
	select {
	case <-ch:
		return nil
	case <-deadline.C:
		return classed(ClassNetworkFatal,
			"conflicting write on sector %d did not drain", sector)
	}
}

// ReleaseInterval removes a peer request's interval from the write tree
// and restarts postponed local requests that waited behind it.
func (d *Device) ReleaseInterval(req *PeerRequest) {
	if req.Flags&FlagInInterval == 0 {
		return
	}
	var restarts []*LocalRequest
	d.mu.Lock()
	if req.Flags&FlagRestartRequests != 0 {
		d.writeRequests.EachOverlap(req.Sector, req.Size, func(i *interval.Interval) bool {
			if lr := d.localByInterval[i]; lr != nil && lr.Postponed {
				restarts = append(restarts, lr)
			}
			return true
		})
	}
	d.writeRequests.Remove(&req.Interval)
	req.Flags &^= FlagInInterval
	d.broadcastLocked()
	d.mu.Unlock()

	for _, lr := range restarts {
		lr.Postponed = false
		if lr.OnRestart != nil {
			lr.OnRestart()
		}
	}
}
