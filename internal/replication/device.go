package replication

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/interval"
	"github.com/replimesh/replimesh/internal/meta"
	"github.com/replimesh/replimesh/internal/pool"
	"github.com/replimesh/replimesh/internal/uuids"
)

// alExtentShift: activity-log extents are 4MiB (8192 sectors).
const alExtentShift = 13

// Device is one replicated volume of a resource.
type Device struct {
	Volume int

	backend blockdev.Backend
	queue   *blockdev.Queue
	store   *meta.Store

	mu        sync.Mutex
	diskState uuids.DiskState

	// writeRequests carries every in-flight write interval, local and
	// peer; resyncRequests the in-flight resync writes. treeChanged is
	// closed and replaced whenever an interval leaves either tree.
	writeRequests   interval.Tree
	resyncRequests  interval.Tree
	localByInterval map[*interval.Interval]*LocalRequest
	treeChanged     chan struct{}

	queues *requestQueues

	al *activityLog

	// PoolUsage is this device's receive-buffer accounting.
	PoolUsage pool.Usage

	// netDone parks buffers whose outbound send completed; they return
	// to the pool on the next reclaim.
	netMu   sync.Mutex
	netDone [][]byte

	// inflight resolves block-layer completion tags back to requests.
	inflight cookieTable
}

// NewDevice wires a volume around its backend and metadata store.
func NewDevice(volume int, backend blockdev.Backend, store *meta.Store, workers, depth int) *Device {
	return &Device{
		Volume:          volume,
		backend:         backend,
		queue:           blockdev.NewQueue(backend, workers, depth),
		store:           store,
		diskState:       uuids.UpToDate,
		localByInterval: make(map[*interval.Interval]*LocalRequest),
		treeChanged:     make(chan struct{}),
		queues:          newRequestQueues(),
		al:              newActivityLog(),
	}
}

// parkNetBuffers records net-held buffers whose send completed. They
// stay accounted to the device until a reclaim collects them.
func (d *Device) parkNetBuffers(bufs [][]byte) {
	d.netMu.Lock()
	d.netDone = append(d.netDone, bufs...)
	d.netMu.Unlock()
}

// reclaimNet returns parked net buffers to the pool.
func (d *Device) reclaimNet(p *pool.Pool) {
	d.netMu.Lock()
	bufs := d.netDone
	d.netDone = nil
	d.netMu.Unlock()
	p.PutNet(&d.PoolUsage, bufs)
}

// Backend returns the backing device.
func (d *Device) Backend() blockdev.Backend { return d.backend }

// Queue returns the submission queue.
func (d *Device) Queue() *blockdev.Queue { return d.queue }

// Store returns the metadata store.
func (d *Device) Store() *meta.Store { return d.store }

// DiskState returns the local disk state.
func (d *Device) DiskState() uuids.DiskState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diskState
}

// SetDiskState updates the local disk state.
func (d *Device) SetDiskState(s uuids.DiskState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s != d.diskState {
		log.Info().Int("volume", d.Volume).
			Str("from", d.diskState.String()).Str("to", s.String()).
			Msg("disk state change")
		d.diskState = s
	}
}

// Queues exposes the peer-request queues.
func (d *Device) Queues() *requestQueues { return d.queues }

func (d *Device) broadcastLocked() {
	close(d.treeChanged)
	d.treeChanged = make(chan struct{})
}

// InsertWriteInterval adds an interval to the write tree.
func (d *Device) InsertWriteInterval(i *interval.Interval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeRequests.Insert(i)
}

// RemoveWriteInterval removes an interval from the write tree and wakes
// waiters when something was waiting on it.
func (d *Device) RemoveWriteInterval(i *interval.Interval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !i.InTree() {
		return
	}
	d.writeRequests.Remove(i)
	if i.Waiting {
		i.Waiting = false
		d.broadcastLocked()
	}
}

// InsertResyncInterval tracks an in-flight resync write.
func (d *Device) InsertResyncInterval(i *interval.Interval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resyncRequests.Insert(i)
}

// RemoveResyncInterval finishes an in-flight resync write.
func (d *Device) RemoveResyncInterval(i *interval.Interval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !i.InTree() {
		return
	}
	d.resyncRequests.Remove(i)
	d.broadcastLocked()
}

// WaitNoResyncOverlap blocks until no in-flight resync write overlaps
// the given range. Application writes must not interleave with a resync
// write to the same blocks or the device could end up with the older
// data marked in sync.
func (d *Device) WaitNoResyncOverlap(sector uint64, size uint32, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		overlap := d.resyncRequests.FirstOverlap(sector, size)
		if overlap == nil {
			d.mu.Unlock()
			return nil
		}
		overlap.Waiting = true
		ch := d.treeChanged
		d.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return classed(ClassNetworkFatal,
				"resync write on sector %d still in flight", sector)
		}
	}
}

// Close shuts the submission queue and the backend down.
func (d *Device) Close() {
	d.queue.Close()
	d.backend.Close()
}

// activityLog tracks which 4MiB extents have seen recent writes. An
// extent entering coverage costs a metadata transaction on real
// hardware; here it only counts, but the bracketing keeps the write
// path shaped right.
type activityLog struct {
	mu      sync.Mutex
	extents map[uint64]int
	misses  uint64
}

func newActivityLog() *activityLog {
	return &activityLog{extents: make(map[uint64]int)}
}

// Begin takes coverage for a sector range.
func (a *activityLog) Begin(sector uint64, size uint32) {
	first := sector >> alExtentShift
	last := (sector + uint64(size>>9) - 1) >> alExtentShift
	a.mu.Lock()
	defer a.mu.Unlock()
	for e := first; e <= last; e++ {
		if a.extents[e] == 0 {
			a.misses++
		}
		a.extents[e]++
	}
}

// End releases coverage for a sector range.
func (a *activityLog) End(sector uint64, size uint32) {
	first := sector >> alExtentShift
	last := (sector + uint64(size>>9) - 1) >> alExtentShift
	a.mu.Lock()
	defer a.mu.Unlock()
	for e := first; e <= last; e++ {
		a.extents[e]--
		if a.extents[e] <= 0 {
			delete(a.extents, e)
		}
	}
}

// Misses returns how many cold extents have been activated.
func (a *activityLog) Misses() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.misses
}
