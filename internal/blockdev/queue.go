package blockdev

import "sync"

// Op is the submitted operation kind.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

// String returns the string representation of the op.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Request is one submitted block operation. Tag is an opaque caller
// cookie carried into the completion.
type Request struct {
	Op     Op
	Sector uint64
	Data   []byte
	Size   uint32 // for OpDiscard
	FUA    bool
	Tag    uint64
}

// Completion reports a finished request.
type Completion struct {
	Req Request
	Err error
}

// Queue runs requests against a backend on a small worker pool and
// posts completions to a channel, so the connection worker consumes
// them as messages instead of callbacks.
type Queue struct {
	backend     Backend
	reqs        chan Request
	completions chan Completion
	wg          sync.WaitGroup

	closeOnce sync.Once
}

// NewQueue starts workers goroutines serving the backend. depth bounds
// both the submit and the completion channel.
func NewQueue(b Backend, workers, depth int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		backend:     b,
		reqs:        make(chan Request, depth),
		completions: make(chan Completion, depth),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for req := range q.reqs {
		var err error
		switch req.Op {
		case OpRead:
			err = q.backend.ReadSectors(req.Data, req.Sector)
		case OpWrite:
			err = q.backend.WriteSectors(req.Data, req.Sector, req.FUA)
		case OpFlush:
			err = q.backend.Flush()
		case OpDiscard:
			err = q.backend.Discard(req.Sector, req.Size)
		}
		q.completions <- Completion{Req: req, Err: err}
	}
}

// Submit enqueues a request. Blocks when the queue is full.
func (q *Queue) Submit(req Request) {
	q.reqs <- req
}

// Completions returns the completion channel. It is closed after Close
// once all in-flight requests have completed.
func (q *Queue) Completions() <-chan Completion {
	return q.completions
}

// Close stops accepting requests, waits for in-flight ones, and closes
// the completion channel. The backend itself is not closed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.reqs)
		q.wg.Wait()
		close(q.completions)
	})
}
