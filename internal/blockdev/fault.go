package blockdev

import (
	"errors"
	"sync"
)

// FaultKind selects which operation class a fault applies to.
type FaultKind int

const (
	FaultWrite FaultKind = iota
	FaultRead
	FaultFlush
	FaultDiscard
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// FaultBackend wraps a Backend and fails selected operations, used to
// exercise the submit-failure and flush-degradation paths.
type FaultBackend struct {
	Backend

	mu     sync.Mutex
	armed  map[FaultKind]int // remaining failures per kind
	counts map[FaultKind]int
}

// NewFaultBackend wraps b with no faults armed.
func NewFaultBackend(b Backend) *FaultBackend {
	return &FaultBackend{
		Backend: b,
		armed:   make(map[FaultKind]int),
		counts:  make(map[FaultKind]int),
	}
}

// FailNext arms the next n operations of the given kind to fail.
func (b *FaultBackend) FailNext(kind FaultKind, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed[kind] = n
}

// Faults returns how many operations of the kind have failed.
func (b *FaultBackend) Faults(kind FaultKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[kind]
}

func (b *FaultBackend) trip(kind FaultKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed[kind] > 0 {
		b.armed[kind]--
		b.counts[kind]++
		return true
	}
	return false
}

func (b *FaultBackend) ReadSectors(p []byte, sector uint64) error {
	if b.trip(FaultRead) {
		return ErrInjected
	}
	return b.Backend.ReadSectors(p, sector)
}

func (b *FaultBackend) WriteSectors(p []byte, sector uint64, fua bool) error {
	if b.trip(FaultWrite) {
		return ErrInjected
	}
	return b.Backend.WriteSectors(p, sector, fua)
}

func (b *FaultBackend) Flush() error {
	if b.trip(FaultFlush) {
		return ErrInjected
	}
	return b.Backend.Flush()
}

func (b *FaultBackend) Discard(sector uint64, size uint32) error {
	if b.trip(FaultDiscard) {
		return ErrInjected
	}
	return b.Backend.Discard(sector, size)
}
