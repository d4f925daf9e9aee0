package replication

import (
	"sync"
	"time"
)

// seqGreater compares 32-bit sequence numbers with wrap-around: a is
// greater when the signed distance from b to a is positive, so
// 0x80000001 compares below 1.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqMax(a, b uint32) uint32 {
	if seqGreater(a, b) {
		return a
	}
	return b
}

// peerSeq tracks the highest sequence number whose ack flow has been
// observed on the meta socket, and lets the data path wait until the
// acks preceding a given data packet have gone out.
type peerSeq struct {
	mu   sync.Mutex
	seq  uint32
	wait chan struct{}
}

func newPeerSeq() *peerSeq {
	return &peerSeq{wait: make(chan struct{})}
}

// Update raises the sequence monotonically (modulo wrap) and wakes
// waiters.
func (p *peerSeq) Update(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seqGreater(seq, p.seq) {
		p.seq = seq
		close(p.wait)
		p.wait = make(chan struct{})
	}
}

// Current returns the tracked sequence number.
func (p *peerSeq) Current() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// WaitUntil blocks until the tracked sequence reaches seq-1, so every
// ack that must precede the packet carrying seq has been emitted. The
// wait is bounded by timeout; expiry means the peer's ack flow stalled
// and the connection must go down.
func (p *peerSeq) WaitUntil(seq uint32, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		if !seqGreater(seq-1, p.seq) {
			p.seq = seqMax(p.seq, seq)
			p.mu.Unlock()
			return nil
		}
		ch := p.wait
		p.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return classed(ClassNetworkFatal,
				"timed out waiting for peer sequence %d (at %d)", seq, p.Current())
		}
	}
}
