package replication

import "sync"

// cookieTable hands out the 64-bit block ids we put on the wire for our
// own outbound block requests. The id packs a slot index and a
// generation; an ack carrying a stale generation misses the lookup
// instead of resolving to a recycled request.
type cookieTable struct {
	mu    sync.Mutex
	slots []cookieSlot
	free  []uint32
}

type cookieSlot struct {
	gen uint32
	req *PeerRequest
}

// Alloc registers a request and returns its wire cookie.
func (t *cookieTable) Alloc(req *PeerRequest) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, cookieSlot{})
	}
	t.slots[idx].req = req
	return uint64(t.slots[idx].gen)<<32 | uint64(idx)
}

// Lookup resolves a cookie. A freed or recycled cookie returns false.
func (t *cookieTable) Lookup(cookie uint64) (*PeerRequest, bool) {
	idx := uint32(cookie)
	gen := uint32(cookie >> 32)
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[idx]
	if s.gen != gen || s.req == nil {
		return nil, false
	}
	return s.req, true
}

// Free releases a cookie, bumping the slot generation so in-flight acks
// for it can no longer resolve.
func (t *cookieTable) Free(cookie uint64) {
	idx := uint32(cookie)
	gen := uint32(cookie >> 32)
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) || t.slots[idx].gen != gen {
		return
	}
	t.slots[idx].req = nil
	t.slots[idx].gen++
	t.free = append(t.free, idx)
}

// Len returns the number of live cookies.
func (t *cookieTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
