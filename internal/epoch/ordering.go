package epoch

import "fmt"

// WriteOrdering selects how barrier boundaries are enforced against the
// backing device. The modes form a total order; a device that lacks a
// capability, or a flush that fails, degrades the mode downward and it
// never recovers within a connection's lifetime.
type WriteOrdering int

const (
	// OrderNone acks a barrier as soon as all its writes are received.
	OrderNone WriteOrdering = iota

	// OrderDrainIO waits for all writes of the epoch to complete.
	OrderDrainIO

	// OrderBdevFlush drains the epoch, then flushes the backing device
	// before the barrier ack.
	OrderBdevFlush

	// OrderBioBarrier tags the first write of each epoch with a barrier
	// flag and lets the device enforce ordering.
	OrderBioBarrier
)

// String returns the string representation of the ordering mode.
func (wo WriteOrdering) String() string {
	switch wo {
	case OrderNone:
		return "none"
	case OrderDrainIO:
		return "drain"
	case OrderBdevFlush:
		return "flush"
	case OrderBioBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("unknown(%d)", int(wo))
	}
}

// Capabilities describes what the backing device supports. Modes that
// need a missing capability are skipped when degrading.
type Capabilities struct {
	Flush    bool
	Barriers bool
}

// Clamp returns the strongest ordering mode not above wo that the
// device supports.
func (c Capabilities) Clamp(wo WriteOrdering) WriteOrdering {
	if wo == OrderBioBarrier && !c.Barriers {
		wo = OrderBdevFlush
	}
	if wo == OrderBdevFlush && !c.Flush {
		wo = OrderDrainIO
	}
	return wo
}
