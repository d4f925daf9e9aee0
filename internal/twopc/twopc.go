// Package twopc implements cluster-wide two-phase state changes: the
// receive side (Prepare/Commit/Abort handling with duplicate and
// concurrent-transaction detection, the transaction timeout, and
// nested propagation to other directly connected peers) and the
// initiator side, which aggregates the prepare replies of a
// transaction this node started.
package twopc

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/protocol"
)

// Verdict is the local evaluation of a prepared state change.
type Verdict int

const (
	Yes Verdict = iota
	No
	Retry
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Command maps the verdict to its reply packet.
func (v Verdict) Command() protocol.Command {
	switch v {
	case Yes:
		return protocol.CmdTwopcYes
	case No:
		return protocol.CmdTwopcNo
	default:
		return protocol.CmdTwopcRetry
	}
}

// Reply is the state accumulated for the current transaction; it is
// echoed in every reply packet.
type Reply struct {
	TID             uint32
	InitiatorNodeID int32
	TargetNodeID    int32
	ReachableNodes  uint64
	PrimaryNodes    uint64
	WeakNodes       uint64
	IsDisconnect    bool
}

// Wire converts the reply record to its wire payload.
func (r *Reply) Wire() *protocol.TwopcReply {
	return &protocol.TwopcReply{
		TID:             r.TID,
		InitiatorNodeID: r.InitiatorNodeID,
		ReachableNodes:  r.ReachableNodes,
		PrimaryNodes:    r.PrimaryNodes,
		WeakNodes:       r.WeakNodes,
	}
}

// Handler applies prepared state changes to the resource.
type Handler interface {
	// PrepareChange evaluates the change without applying it.
	PrepareChange(req *protocol.TwopcRequest) Verdict

	// CommitChange applies a previously prepared change.
	CommitChange(req *protocol.TwopcRequest, reply *Reply)

	// AbortChange rolls back a previously prepared change.
	AbortChange(req *protocol.TwopcRequest)

	// TimedOut tears down a prepared change whose initiator went away.
	TimedOut(tid uint32)
}

// Receiver is the per-resource two-phase commit state. One remote
// transaction can be in flight at a time.
type Receiver struct {
	mu       sync.Mutex
	inFlight bool
	current  Reply
	timer    *time.Timer

	nodeID  int32
	timeout time.Duration
	handler Handler

	// Reachable returns the mask of directly connected nodes.
	reachable func() uint64

	// isPrimary reports our current resource role.
	isPrimary func() bool

	// propagate forwards the request to the initiator's other directly
	// connected peers (nested two-phase commit). May be nil on a leaf.
	propagate func(cmd protocol.Command, req *protocol.TwopcRequest)
}

// Config wires a Receiver.
type Config struct {
	NodeID    int32
	Timeout   time.Duration
	Handler   Handler
	Reachable func() uint64
	IsPrimary func() bool
	Propagate func(cmd protocol.Command, req *protocol.TwopcRequest)
}

// NewReceiver creates an idle receiver.
func NewReceiver(cfg Config) *Receiver {
	return &Receiver{
		nodeID:    cfg.NodeID,
		timeout:   cfg.Timeout,
		handler:   cfg.Handler,
		reachable: cfg.Reachable,
		isPrimary: cfg.IsPrimary,
		propagate: cfg.Propagate,
	}
}

// InFlight reports whether a remote transaction is prepared.
func (r *Receiver) InFlight() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.TID, r.inFlight
}

// Handle processes one two-phase commit packet. send emits the reply
// toward the parent connection.
func (r *Receiver) Handle(cmd protocol.Command, req *protocol.TwopcRequest,
	send func(cmd protocol.Command, reply *Reply)) {
	switch cmd {
	case protocol.CmdTwopcPrepare:
		r.handlePrepare(req, send)
	case protocol.CmdTwopcCommit, protocol.CmdTwopcAbort:
		r.handleFinish(cmd, req)
	default:
		log.Error().Str("cmd", cmd.String()).Msg("not a two-phase commit packet")
	}
}

func (r *Receiver) newReply(req *protocol.TwopcRequest) Reply {
	reachable := uint64(1) << uint(r.nodeID)
	if r.reachable != nil {
		reachable |= r.reachable()
	}
	reply := Reply{
		TID:             req.TID,
		InitiatorNodeID: req.InitiatorNodeID,
		TargetNodeID:    req.TargetNodeID,
		PrimaryNodes:    req.PrimaryNodes,
		WeakNodes:       req.WeakNodes,
		ReachableNodes:  reachable,
	}
	if r.isPrimary != nil && r.isPrimary() {
		m := uint64(1) << uint(r.nodeID)
		reply.PrimaryNodes |= m
		reply.WeakNodes |= ^(m | reply.ReachableNodes)
	}
	return reply
}

func (r *Receiver) handlePrepare(req *protocol.TwopcRequest, send func(protocol.Command, *Reply)) {
	r.mu.Lock()
	if r.inFlight {
		if r.current.InitiatorNodeID == req.InitiatorNodeID && r.current.TID == req.TID {
			// Duplicate of the transaction we already prepared.
			reply := r.current
			r.mu.Unlock()
			send(protocol.CmdTwopcYes, &reply)
			return
		}
		reply := r.newReply(req)
		r.mu.Unlock()
		log.Info().Uint32("tid", req.TID).Msg("rejecting concurrent remote state change")
		send(protocol.CmdTwopcRetry, &reply)
		return
	}
	r.inFlight = true
	r.current = r.newReply(req)
	reply := r.current
	r.mu.Unlock()

	log.Info().Uint32("tid", req.TID).Msg("preparing remote state change")
	verdict := r.handler.PrepareChange(req)
	if verdict != Yes {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
		send(verdict.Command(), &reply)
		return
	}

	r.mu.Lock()
	r.current = reply
	r.timer = time.AfterFunc(r.timeout, func() { r.timedOut(req.TID) })
	r.mu.Unlock()

	if r.propagate != nil {
		r.propagate(protocol.CmdTwopcPrepare, req)
	}
	send(protocol.CmdTwopcYes, &reply)
}

func (r *Receiver) handleFinish(cmd protocol.Command, req *protocol.TwopcRequest) {
	r.mu.Lock()
	if !r.inFlight {
		r.mu.Unlock()
		log.Debug().Uint32("tid", req.TID).Str("cmd", cmd.String()).
			Msg("ignoring packet for finished state change")
		return
	}
	if r.current.InitiatorNodeID != req.InitiatorNodeID || r.current.TID != req.TID {
		r.mu.Unlock()
		log.Info().Uint32("tid", req.TID).Str("cmd", cmd.String()).
			Msg("ignoring packet for foreign state change")
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.inFlight = false
	reply := r.current
	r.mu.Unlock()

	if r.propagate != nil {
		r.propagate(cmd, req)
	}
	if cmd == protocol.CmdTwopcCommit {
		log.Info().Uint32("tid", req.TID).
			Uint64("primary_nodes", req.PrimaryNodes).
			Uint64("weak_nodes", req.WeakNodes).
			Msg("committing remote state change")
		r.handler.CommitChange(req, &reply)
	} else {
		log.Info().Uint32("tid", req.TID).Msg("aborting remote state change")
		r.handler.AbortChange(req)
	}
}

// Phase is the initiator-side life of a transaction.
type Phase int

const (
	WaitingReplies Phase = iota
	AllReplied
	ReplyTimeout
	ReplyAborted
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case WaitingReplies:
		return "waiting-replies"
	case AllReplied:
		return "all-replied"
	case ReplyTimeout:
		return "timeout"
	case ReplyAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Initiator aggregates the prepare replies of one transaction we
// started. Each expected node answers through its parent connection;
// the worst verdict wins.
type Initiator struct {
	mu        sync.Mutex
	tid       uint32
	expect    uint64
	verdict   Verdict
	phase     Phase
	reachable uint64
	primary   uint64
	weak      uint64
	timer     *time.Timer
	done      chan struct{}
}

// NewInitiator starts collecting replies for transaction tid from the
// nodes in the expect mask. Nodes still silent after timeout fail the
// transaction.
func NewInitiator(tid uint32, expect uint64, timeout time.Duration) *Initiator {
	a := &Initiator{
		tid:    tid,
		expect: expect,
		done:   make(chan struct{}),
	}
	if expect == 0 {
		a.phase = AllReplied
		close(a.done)
		return a
	}
	a.timer = time.AfterFunc(timeout, a.replyTimeout)
	return a
}

// TID returns the transaction id.
func (a *Initiator) TID() uint32 { return a.tid }

// Reply records one node's answer. A verdict only gets worse: one No
// outweighs any number of Yes answers, Retry outweighs Yes. Duplicate
// and foreign replies are dropped.
func (a *Initiator) Reply(nodeID int32, cmd protocol.Command, rep *protocol.TwopcReply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != WaitingReplies || rep.TID != a.tid || nodeID < 0 {
		return
	}
	bit := uint64(1) << uint(nodeID)
	if a.expect&bit == 0 {
		return
	}
	a.expect &^= bit
	switch cmd {
	case protocol.CmdTwopcNo:
		a.verdict = No
	case protocol.CmdTwopcRetry:
		if a.verdict == Yes {
			a.verdict = Retry
		}
	}
	a.reachable |= rep.ReachableNodes
	a.primary |= rep.PrimaryNodes
	a.weak |= rep.WeakNodes
	if a.expect == 0 {
		a.finishLocked(AllReplied)
	}
}

// Abort cancels the aggregation, e.g. when the caller gave up on the
// transaction.
func (a *Initiator) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase == WaitingReplies {
		a.finishLocked(ReplyAborted)
	}
}

// Done is closed once no more replies are expected.
func (a *Initiator) Done() <-chan struct{} { return a.done }

// Result returns the final phase and the aggregate verdict. Meaningful
// once Done is closed.
func (a *Initiator) Result() (Phase, Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase, a.verdict
}

// Masks returns the merged reachable, primary and weak node masks the
// replies reported.
func (a *Initiator) Masks() (reachable, primary, weak uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable, a.primary, a.weak
}

func (a *Initiator) finishLocked(p Phase) {
	a.phase = p
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	close(a.done)
}

func (a *Initiator) replyTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase == WaitingReplies {
		log.Debug().Uint32("tid", a.tid).Uint64("silent", a.expect).
			Msg("two-phase commit replies timed out")
		a.finishLocked(ReplyTimeout)
	}
}

func (r *Receiver) timedOut(tid uint32) {
	r.mu.Lock()
	if !r.inFlight || r.current.TID != tid {
		r.mu.Unlock()
		return
	}
	r.inFlight = false
	r.timer = nil
	r.mu.Unlock()

	log.Debug().Uint32("tid", tid).Msg("two-phase commit timeout")
	r.handler.TimedOut(tid)
}
