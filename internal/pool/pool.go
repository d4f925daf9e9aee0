// Package pool provides the shared receive-buffer pool. Buffers live in
// a global free list; per-device accounting throttles a peer that has
// too many writes in flight, and buffers still referenced by outbound
// sockets can be reclaimed once their send completed.
package pool

import (
	"context"
	"sync"
	"time"
)

// throttleInterval is the soft-throttle sleep while a device sits at
// its buffer limit.
const throttleInterval = 100 * time.Millisecond

// relaxAfter bounds how long Get honors the per-device hard limit. In a
// criss-cross topology two peers can be each other's backlog; relaxing
// the limit breaks the deadlock.
const relaxAfter = 10 * throttleInterval

// Usage is the per-device buffer accounting.
type Usage struct {
	// MaxBuffers is the soft limit of buffers a device may hold.
	MaxBuffers int

	// Reclaim scans the device's net queue for entries whose send has
	// completed and returns their buffers to the pool. May be nil.
	Reclaim func()

	inUse      int
	inUseByNet int
}


// Pool is the global buffer pool.
type Pool struct {
	mu      sync.Mutex
	free    [][]byte
	bufSize int

	// total counts every buffer handed out, across devices.
	total int

	// waitCh is closed on every Put to wake throttled getters.
	waitCh chan struct{}
}

// New creates a pool of fixed-size buffers with prealloc buffers on the
// free list.
func New(bufSize, prealloc int) *Pool {
	p := &Pool{
		bufSize: bufSize,
		free:    make([][]byte, 0, prealloc),
		waitCh:  make(chan struct{}),
	}
	for i := 0; i < prealloc; i++ {
		p.free = append(p.free, make([]byte, bufSize))
	}
	return p
}

// BufSize returns the size of each pool buffer.
func (p *Pool) BufSize() int { return p.bufSize }

// Stats returns the number of free buffers and the number handed out.
func (p *Pool) Stats() (free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.total
}

// DeviceStats returns dev's receive-held and net-held buffer counts.
func (p *Pool) DeviceStats(dev *Usage) (inUse, inUseByNet int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return dev.inUse, dev.inUseByNet
}

func (p *Pool) takeLocked(n int) [][]byte {
	bufs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if l := len(p.free); l > 0 {
			bufs = append(bufs, p.free[l-1])
			p.free = p.free[:l-1]
		} else {
			bufs = append(bufs, make([]byte, p.bufSize))
		}
	}
	p.total += n
	return bufs
}

// Get allocates n buffers for dev, blocking while the device is at its
// limit. While blocked it periodically asks the device to reclaim
// net-held buffers; after relaxAfter the hard limit is ignored.
func (p *Pool) Get(ctx context.Context, dev *Usage, n int) ([][]byte, error) {
	start := time.Now()
	for {
		if dev.Reclaim != nil {
			dev.Reclaim()
		}

		p.mu.Lock()
		held := dev.inUse + dev.inUseByNet
		if held+n <= dev.MaxBuffers || dev.MaxBuffers == 0 ||
			time.Since(start) >= relaxAfter {
			bufs := p.takeLocked(n)
			dev.inUse += n
			p.mu.Unlock()
			return bufs, nil
		}
		wait := p.waitCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		case <-time.After(throttleInterval):
		}
	}
}

func (p *Pool) putLocked(bufs [][]byte) {
	for _, b := range bufs {
		p.free = append(p.free, b)
	}
	p.total -= len(bufs)
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Put returns receive-held buffers of dev to the pool.
func (p *Pool) Put(dev *Usage, bufs [][]byte) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dev.inUse -= len(bufs)
	p.putLocked(bufs)
}

// MoveToNet shifts n of dev's buffers from receive accounting to net
// accounting: the payload was handed to an outbound socket and stays
// referenced until the send completes.
func (p *Pool) MoveToNet(dev *Usage, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev.inUse -= n
	dev.inUseByNet += n
}

// PutNet returns net-held buffers of dev to the pool.
func (p *Pool) PutNet(dev *Usage, bufs [][]byte) {
	if len(bufs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dev.inUseByNet -= len(bufs)
	p.putLocked(bufs)
}
