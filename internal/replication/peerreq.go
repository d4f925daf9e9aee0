package replication

import (
	"fmt"
	"sync"

	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/interval"
	"github.com/replimesh/replimesh/internal/pool"
	"github.com/replimesh/replimesh/internal/protocol"
)

// Queue names the list a peer request currently lives on. A request is
// on exactly one queue at any time; every move is validated.
type Queue int

const (
	// QueueNone: freshly allocated, not yet tracked.
	QueueNone Queue = iota

	// QueueActive: mirrored write submitted or about to be.
	QueueActive

	// QueueSync: resync write in flight.
	QueueSync

	// QueueRead: read-for-peer in flight.
	QueueRead

	// QueueDone: completed, ack not yet sent.
	QueueDone

	// QueueNet: ack sent, payload still referenced by the network.
	QueueNet

	// QueueFreed: terminal.
	QueueFreed
)

// String returns the queue name.
func (q Queue) String() string {
	switch q {
	case QueueNone:
		return "none"
	case QueueActive:
		return "active"
	case QueueSync:
		return "sync"
	case QueueRead:
		return "read"
	case QueueDone:
		return "done"
	case QueueNet:
		return "net"
	case QueueFreed:
		return "freed"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

var legalMoves = map[Queue][]Queue{
	QueueNone:   {QueueActive, QueueSync, QueueRead, QueueFreed},
	QueueActive: {QueueDone, QueueFreed},
	QueueSync:   {QueueDone, QueueFreed},
	QueueRead:   {QueueDone, QueueFreed},
	QueueDone:   {QueueNet, QueueFreed},
	QueueNet:    {QueueFreed},
}

func (q Queue) canMoveTo(target Queue) bool {
	for _, t := range legalMoves[q] {
		if t == target {
			return true
		}
	}
	return false
}

// Peer request flags.
const (
	// FlagMaySetInSync: a successful write may clear out-of-sync bits.
	FlagMaySetInSync uint32 = 1 << iota

	// FlagIsTrim: discard, no payload.
	FlagIsTrim

	// FlagInInterval: the request's interval is inserted in the device
	// tree and must be removed on completion.
	FlagInInterval

	// FlagRestartRequests: conflicting postponed local requests must be
	// restarted when this request completes.
	FlagRestartRequests

	// FlagWasError: the block layer reported a failure.
	FlagWasError

	// FlagSendWriteAck: protocol C, ack after local completion.
	FlagSendWriteAck

	// FlagSendRecvAck: protocol B, ack on receive.
	FlagSendRecvAck
)

// PeerRequest is one inbound write, resync write, or read-for-peer.
type PeerRequest struct {
	Sector  uint64
	Size    uint32
	BlockID uint64 // opaque echo for ack correlation
	SeqNum  uint32
	Data    []byte
	Flags   uint32

	// DagTag is the write-stream position after this request.
	DagTag uint64

	Interval interval.Interval
	Epoch    *epoch.Epoch

	PeerDevice *PeerDevice

	// Origin is the command that created the request; it selects the
	// reply packet for read-class requests.
	Origin protocol.Command

	// Digest rides along on checksum resync and verify requests.
	Digest []byte

	// OnComplete, when set, runs after the request finished and its ack
	// was queued. Used by the resync requester and read path.
	OnComplete func(err error)

	// bufs holds the pool buffers backing Data.
	bufs  [][]byte
	usage *pool.Usage

	cookie uint64

	queue Queue
}

// CurrentQueue returns the queue the request is on.
func (r *PeerRequest) CurrentQueue() Queue {
	return r.queue
}

// reqList is one of a device's peer-request lists. Moves between lists
// go through Device.moveRequest so the queue field can be validated.
type reqList struct {
	reqs map[*PeerRequest]struct{}
}

func newReqList() *reqList {
	return &reqList{reqs: make(map[*PeerRequest]struct{})}
}

func (l *reqList) add(r *PeerRequest)    { l.reqs[r] = struct{}{} }
func (l *reqList) remove(r *PeerRequest) { delete(l.reqs, r) }
func (l *reqList) len() int              { return len(l.reqs) }

func (l *reqList) each(fn func(*PeerRequest)) {
	for r := range l.reqs {
		fn(r)
	}
}

// requestQueues holds all peer-request lists of one device under one
// lock.
type requestQueues struct {
	mu    sync.Mutex
	lists map[Queue]*reqList
}

func newRequestQueues() *requestQueues {
	return &requestQueues{
		lists: map[Queue]*reqList{
			QueueActive: newReqList(),
			QueueSync:   newReqList(),
			QueueRead:   newReqList(),
			QueueDone:   newReqList(),
			QueueNet:    newReqList(),
		},
	}
}

// Move transfers a request between queues, panicking on an illegal
// transition. Acks for freed requests and double completions are bugs
// worth crashing on, not conditions to tolerate.
func (qs *requestQueues) Move(r *PeerRequest, target Queue) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if !r.queue.canMoveTo(target) {
		panic(fmt.Sprintf("peer request %#x: illegal queue move %s -> %s",
			r.BlockID, r.queue, target))
	}
	if l := qs.lists[r.queue]; l != nil {
		l.remove(r)
	}
	if l := qs.lists[target]; l != nil {
		l.add(r)
	}
	r.queue = target
}

// Len returns the number of requests on one queue.
func (qs *requestQueues) Len(q Queue) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if l := qs.lists[q]; l != nil {
		return l.len()
	}
	return 0
}

// Drain moves every request on q to QueueFreed and returns them.
func (qs *requestQueues) Drain(q Queue) []*PeerRequest {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	l := qs.lists[q]
	if l == nil {
		return nil
	}
	out := make([]*PeerRequest, 0, l.len())
	l.each(func(r *PeerRequest) { out = append(out, r) })
	for _, r := range out {
		l.remove(r)
		r.queue = QueueFreed
	}
	return out
}
