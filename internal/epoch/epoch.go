// Package epoch implements the barrier epoch engine: writes received
// from a peer are grouped into barrier-delimited epochs, and a state
// machine decides when an epoch is finished, when to flush the backing
// device, and when to emit the barrier ack.
package epoch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event drives the epoch state machine. Events are a bitmask so that
// EvCleanup can modify any of the others during disconnect teardown.
type Event int

const (
	// EvPut signals that one write of the epoch drained from active.
	EvPut Event = 1 << iota

	// EvGotBarrierNr signals that the barrier frame closing this epoch
	// arrived and its number was recorded.
	EvGotBarrierNr

	// EvBarrierDone signals that the device flush issued on behalf of
	// this epoch completed.
	EvBarrierDone

	// EvBecameLast signals that the epoch ahead of this one was
	// destroyed, making this one the oldest.
	EvBecameLast

	// EvCleanup modifies any event during disconnect teardown: finish
	// conditions relax and no barrier ack is sent.
	EvCleanup
)

// Epoch flag bits.
const (
	flagHasBarrierNumber uint32 = 1 << iota
	flagContainsBarrier
	flagBarrierInNextIssued
	flagBarrierInNextDone
	flagIsFinishing
)

// Result reports what MayFinish did to the epoch it was applied to.
type Result int

const (
	// StillLive means the epoch was not finished.
	StillLive Result = iota

	// Recycled means the current epoch finished and was reset in place.
	Recycled

	// Destroyed means a non-current epoch finished and was unlinked.
	Destroyed
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case StillLive:
		return "still-live"
	case Recycled:
		return "recycled"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Epoch is one barrier-delimited group of peer writes. All fields are
// protected by the owning List's lock.
type Epoch struct {
	BarrierNr uint32

	size   int
	active int
	flags  uint32
	next   *Epoch
}

// Size returns the number of writes received into the epoch.
func (e *Epoch) Size() int { return e.size }

// ContainsBarrier reports whether the first write of the epoch carries
// a device-level barrier (OrderBioBarrier mode).
func (e *Epoch) ContainsBarrier() bool { return e.flags&flagContainsBarrier != 0 }

// List is the per-connection FIFO of epochs. The newest epoch is the
// current one; writes always attach to it. The oldest epoch is the only
// one allowed to finish, so barrier acks go out in order.
type List struct {
	mu      sync.Mutex
	head    *Epoch
	current *Epoch
	count   int

	ordering WriteOrdering
	caps     Capabilities

	// sendBarrierAck emits the barrier ack for a finished epoch. Called
	// without the list lock held.
	sendBarrierAck func(barrierNr uint32, setSize uint32)

	// scheduleFlush asynchronously flushes the backing device on behalf
	// of the epoch (OrderBioBarrier fallback path). The epoch holds an
	// extra active count until FlushCompleted is called.
	scheduleFlush func(e *Epoch)

	// changed is closed and replaced whenever an epoch's active count
	// drops to zero, waking WaitDrained.
	changed chan struct{}
}

// NewList creates an epoch list with one empty current epoch.
func NewList(ordering WriteOrdering, caps Capabilities, sendBarrierAck func(nr, setSize uint32), scheduleFlush func(e *Epoch)) *List {
	e := &Epoch{}
	return &List{
		head:           e,
		current:        e,
		count:          1,
		ordering:       caps.Clamp(ordering),
		caps:           caps,
		sendBarrierAck: sendBarrierAck,
		scheduleFlush:  scheduleFlush,
		changed:        make(chan struct{}),
	}
}

// Ordering returns the effective write-ordering mode.
func (l *List) Ordering() WriteOrdering {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ordering
}

// Degrade lowers the write-ordering mode to at most wo. The mode is
// monotone: attempts to raise it are ignored.
func (l *List) Degrade(wo WriteOrdering) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wo = l.caps.Clamp(wo)
	if wo >= l.ordering {
		return
	}
	log.Info().
		Str("from", l.ordering.String()).
		Str("to", wo.String()).
		Msg("degrading write ordering method")
	l.ordering = wo
}

// Len returns the number of epochs in the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Current returns the epoch new writes attach to.
func (l *List) Current() *Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// AttachWrite accounts one received write against the current epoch and
// returns it. first reports whether this was the epoch's first write;
// barrier reports whether the write must carry device barrier flags
// (first write of an epoch in OrderBioBarrier mode).
func (l *List) AttachWrite() (e *Epoch, first, barrier bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e = l.current
	first = e.size == 0
	e.size++
	e.active++
	if first && l.ordering == OrderBioBarrier {
		e.flags |= flagContainsBarrier
		barrier = true
	}
	return e, first, barrier
}

// GotBarrier records the barrier number on the current epoch and
// applies EvGotBarrierNr. The caller branches on the result per the
// write-ordering mode.
func (l *List) GotBarrier(nr uint32) (*Epoch, Result) {
	l.mu.Lock()
	e := l.current
	e.BarrierNr = nr
	l.mu.Unlock()
	return e, l.MayFinish(e, EvGotBarrierNr)
}

// MarkFlushIssued sets the flush-issued flag on e. It returns false if
// the flag was already set, so exactly one caller issues the flush.
func (l *List) MarkFlushIssued(e *Epoch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.flags&flagBarrierInNextIssued != 0 {
		return false
	}
	e.flags |= flagBarrierInNextIssued
	return true
}

// StartNewEpoch appends a fresh epoch after the current one, unless the
// current epoch is still empty (it was recycled while the barrier was
// being processed) in which case it is reused.
func (l *List) StartNewEpoch() *Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current.size == 0 {
		return l.current
	}
	e := &Epoch{}
	l.current.next = e
	l.current = e
	l.count++
	return e
}

// MayFinish applies ev to e and finishes it when all conditions hold:
// the epoch has writes, none are active, its barrier number arrived (or
// this is cleanup), it is the oldest epoch, and it is not already
// finishing. Destroying the oldest epoch re-runs the check on its
// successor with EvBecameLast, cascading down the list.
func (l *List) MayFinish(e *Epoch, ev Event) Result {
	rv := StillLive
	var flushEpoch *Epoch

	l.mu.Lock()
	for {
		finish := false
		var next *Epoch
		size := e.size

		switch ev &^ EvCleanup {
		case EvPut:
			e.active--
			if e.active == 0 {
				close(l.changed)
				l.changed = make(chan struct{})
			}
		case EvGotBarrierNr:
			e.flags |= flagHasBarrierNumber
			// If ordering just dropped from OrderBioBarrier the
			// current epoch still carries a barrier flag on its only
			// write; clear it so the epoch takes the drained path.
			if e.flags&flagContainsBarrier != 0 && size == 1 &&
				l.ordering != OrderBioBarrier && e == l.current {
				e.flags &^= flagContainsBarrier
			}
		case EvBarrierDone:
			e.flags |= flagBarrierInNextDone
		case EvBecameLast:
		}

		if size != 0 && e.active == 0 &&
			(e.flags&flagHasBarrierNumber != 0 || ev&EvCleanup != 0) &&
			e == l.head &&
			e.flags&flagIsFinishing == 0 {
			if e.flags&flagBarrierInNextDone != 0 ||
				l.ordering == OrderNone ||
				(size == 1 && e.flags&flagContainsBarrier != 0) ||
				ev&EvCleanup != 0 {
				finish = true
				e.flags |= flagIsFinishing
			} else if e.flags&flagBarrierInNextIssued == 0 && l.ordering == OrderBioBarrier {
				e.active++
				flushEpoch = e
			}
		}

		if finish {
			if ev&EvCleanup == 0 {
				l.mu.Unlock()
				l.sendBarrierAck(e.BarrierNr, uint32(size))
				l.mu.Lock()
			}
			if e != l.current {
				next = e.next
				l.head = next
				l.count--
				ev = EvBecameLast | (ev & EvCleanup)
				if rv == StillLive {
					rv = Destroyed
				}
			} else {
				e.flags = 0
				e.size = 0
				if rv == StillLive {
					rv = Recycled
				}
			}
		}

		if next == nil {
			break
		}
		e = next
	}
	l.mu.Unlock()

	if flushEpoch != nil {
		if l.scheduleFlush != nil {
			l.scheduleFlush(flushEpoch)
		} else {
			// No flush worker: fall through as if the flush completed.
			l.MarkFlushIssued(flushEpoch)
			l.MayFinish(flushEpoch, EvBarrierDone)
			rv = l.MayFinish(flushEpoch, EvPut)
		}
	}
	return rv
}

// WaitDrained blocks until the epoch has no active writes, or stop is
// closed. The receiver parks here on a Barrier frame in the drain and
// flush ordering modes.
func (l *List) WaitDrained(e *Epoch, stop <-chan struct{}) bool {
	for {
		l.mu.Lock()
		if e.active == 0 {
			l.mu.Unlock()
			return true
		}
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-stop:
			return false
		}
	}
}

// Cleanup drains the epoch list during disconnect teardown. Unfinished
// writes are force-completed without barrier acks; the list is left
// holding a single empty current epoch.
func (l *List) Cleanup() {
	for {
		l.mu.Lock()
		e := l.head
		if e == l.current && e.size == 0 {
			l.mu.Unlock()
			return
		}
		// One final put drains whatever was still outstanding.
		e.active = 1
		e.flags &^= flagIsFinishing
		l.mu.Unlock()
		l.MayFinish(e, EvPut|EvCleanup)
	}
}

// FlushCompleted reports the outcome of an asynchronous epoch flush. A
// failed flush degrades the ordering mode to OrderDrainIO. cleanup is
// set when the connection is no longer established.
func (l *List) FlushCompleted(e *Epoch, flushErr error, cleanup bool) Result {
	if flushErr != nil {
		log.Info().Err(flushErr).Msg("local disk flush failed")
		l.Degrade(OrderDrainIO)
	}
	l.MayFinish(e, EvBarrierDone)
	ev := EvPut
	if cleanup {
		ev |= EvCleanup
	}
	return l.MayFinish(e, ev)
}
