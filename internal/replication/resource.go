package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/meta"
	"github.com/replimesh/replimesh/internal/pool"
	"github.com/replimesh/replimesh/internal/protocol"
	"github.com/replimesh/replimesh/internal/transport"
	"github.com/replimesh/replimesh/internal/twopc"
	"github.com/replimesh/replimesh/internal/uuids"
)

// Options configures a resource. The zero value is usable; defaults
// are filled in by NewResource.
type Options struct {
	// Primary marks this node as the writing side.
	Primary bool

	// TwoPrimaries allows concurrent primaries and enables the
	// write-conflict resolution machinery.
	TwoPrimaries bool

	// WireProtocol selects the ack discipline: 1 (A, fire and forget),
	// 2 (B, ack on receipt), 3 (C, ack after stable write).
	WireProtocol uint32

	// Split-brain recovery policies by number of surviving primaries.
	AfterSB0p         uuids.Policy
	AfterSB1p         uuids.Policy
	AfterSB2p         uuids.Policy
	AlwaysAutoRecover bool
	RRConflict        uuids.Policy

	// DryRun connects, reports what a resync would do, and disconnects.
	DryRun bool

	// DiscardMyData resolves a split brain in the peer's favor.
	DiscardMyData bool

	// Secret enables the challenge-response exchange; Algorithm picks
	// its HMAC hash.
	Secret    string
	Algorithm string

	// IntegrityAlg enables payload digests on data packets.
	IntegrityAlg string

	VerifyAlg string
	CsumAlg   string

	// ResyncRate is the resync pace in KiB/s.
	ResyncRate uint32

	PingInt     time.Duration
	PingTimeout time.Duration
	ConnectInt  time.Duration

	// Ordering is the requested write-ordering mode, clamped by the
	// backend capabilities.
	Ordering epoch.WriteOrdering
	Caps     epoch.Capabilities

	// Receive-buffer pool sizing.
	BufSize  int
	Prealloc int

	// Block-layer submission queue sizing per device.
	Workers    int
	QueueDepth int
}

func (o *Options) withDefaults() {
	if o.WireProtocol == 0 {
		o.WireProtocol = 3
	}
	if o.ResyncRate == 0 {
		o.ResyncRate = 250 << 10 // 250 MiB/s
	}
	if o.PingInt <= 0 {
		o.PingInt = 10 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.ConnectInt <= 0 {
		o.ConnectInt = 10 * time.Second
	}
	if o.Ordering == 0 {
		o.Ordering = epoch.OrderBdevFlush
	}
	if !o.Caps.Flush && !o.Caps.Barriers {
		o.Caps = epoch.Capabilities{Flush: true}
	}
	if o.BufSize < maxRequestSize {
		o.BufSize = maxRequestSize
	}
	if o.Prealloc <= 0 {
		o.Prealloc = 32
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 128
	}
}

// peerSpec describes one configured peer of the resource.
type peerSpec struct {
	LocalAddr string
	PeerAddr  string
	NodeID    int32
}

// Resource is one replicated resource: its volumes, its peers, and the
// cluster-wide state change receiver.
type Resource struct {
	Name   string
	NodeID int32

	opts      Options
	pool      *pool.Pool
	listeners *transport.ListenerSet
	caps      epoch.Capabilities
	twopc     *twopc.Receiver

	mu          sync.Mutex
	devices     map[int]*Device
	peers       []peerSpec
	connections map[string]*Connection
	stateWord   uint32

	// initiator is the transaction this node is currently running, if
	// any; twopcTID numbers them.
	initiator *twopc.Initiator
	twopcTID  uint32

	wg sync.WaitGroup
}

// NewResource builds a resource for this node.
func NewResource(name string, nodeID int32, opts Options) *Resource {
	opts.withDefaults()
	r := &Resource{
		Name:        name,
		NodeID:      nodeID,
		opts:        opts,
		pool:        pool.New(opts.BufSize, opts.Prealloc),
		listeners:   transport.NewListenerSet(),
		caps:        opts.Caps,
		devices:     make(map[int]*Device),
		connections: make(map[string]*Connection),
	}
	r.twopc = twopc.NewReceiver(twopc.Config{
		NodeID:    nodeID,
		Timeout:   2 * opts.PingTimeout,
		Handler:   (*resourceState)(r),
		Reachable: r.reachableNodes,
		IsPrimary: func() bool { return r.opts.Primary },
		Propagate: r.propagateTwopc,
	})
	return r
}

// Ordering returns the configured write-ordering mode.
func (r *Resource) Ordering() epoch.WriteOrdering { return r.opts.Ordering }

// Pool returns the receive-buffer pool.
func (r *Resource) Pool() *pool.Pool { return r.pool }

func (r *Resource) selfSlot() int {
	id := int(r.NodeID)
	if id < 0 || id >= uuids.MaxNodes {
		return 0
	}
	return id
}

// AddDevice attaches a volume to the resource.
func (r *Resource) AddDevice(volume int, backend blockdev.Backend, store *meta.Store) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[volume]; ok {
		return nil, fmt.Errorf("resource %s: volume %d already attached", r.Name, volume)
	}
	d := NewDevice(volume, backend, store, r.opts.Workers, r.opts.QueueDepth)
	d.PoolUsage.Reclaim = func() { d.reclaimNet(r.pool) }
	r.devices[volume] = d
	return d, nil
}

// Device returns an attached volume.
func (r *Resource) Device(volume int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[volume]
	return d, ok
}

func (r *Resource) eachDevice(fn func(*Device)) {
	r.mu.Lock()
	ds := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		ds = append(ds, d)
	}
	r.mu.Unlock()
	for _, d := range ds {
		fn(d)
	}
}

// AddPeer configures a peer to connect to.
func (r *Resource) AddPeer(localAddr, peerAddr string, nodeID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peerSpec{LocalAddr: localAddr, PeerAddr: peerAddr, NodeID: nodeID})
}

// Connections returns the current connection objects.
func (r *Resource) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// reachableNodes is the mask of peers with an established connection.
func (r *Resource) reachableNodes() uint64 {
	var mask uint64
	for _, c := range r.Connections() {
		if c.State() == CConnected && c.PeerNodeID >= 0 {
			mask |= 1 << uint(c.PeerNodeID)
		}
	}
	return mask
}

// propagateTwopc forwards a two-phase commit packet to every connected
// peer other than the one it came from.
func (r *Resource) propagateTwopc(cmd protocol.Command, req *protocol.TwopcRequest) {
	for _, c := range r.Connections() {
		if c.State() != CConnected || c.PeerNodeID == req.InitiatorNodeID {
			continue
		}
		c.queueFrame(cmd, -1, req.Marshal())
	}
}

// twopcReplied feeds one prepare reply into the transaction this node
// is running, if any.
func (r *Resource) twopcReplied(cmd protocol.Command, nodeID int32, rep *protocol.TwopcReply) {
	r.mu.Lock()
	agg := r.initiator
	r.mu.Unlock()
	if agg != nil {
		agg.Reply(nodeID, cmd, rep)
	}
}

// ProposeStateChange runs a cluster-wide state word update with this
// node as the initiator: prepare on every connected peer, aggregate
// their replies, then commit or abort depending on the verdict.
func (r *Resource) ProposeStateChange(ctx context.Context, mask, val uint32) error {
	expect := r.reachableNodes()
	tid := atomic.AddUint32(&r.twopcTID, 1)
	req := &protocol.TwopcRequest{
		TID:             tid,
		InitiatorNodeID: r.NodeID,
		TargetNodeID:    -1,
		NodesToReach:    expect,
		Mask:            mask,
		Val:             val,
	}
	if r.opts.Primary {
		req.PrimaryNodes = 1 << uint(r.selfSlot())
	}

	agg := twopc.NewInitiator(tid, expect, 2*r.opts.PingTimeout)
	r.mu.Lock()
	if r.initiator != nil {
		r.mu.Unlock()
		return classed(ClassStateConflict, "state change %d already in flight", r.initiator.TID())
	}
	r.initiator = agg
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.initiator == agg {
			r.initiator = nil
		}
		r.mu.Unlock()
	}()

	r.broadcastTwopc(protocol.CmdTwopcPrepare, req)
	select {
	case <-agg.Done():
	case <-ctx.Done():
		agg.Abort()
	}

	phase, verdict := agg.Result()
	if phase == twopc.AllReplied && verdict == twopc.Yes {
		r.broadcastTwopc(protocol.CmdTwopcCommit, req)
		r.mu.Lock()
		r.stateWord = r.stateWord&^mask | val&mask
		word := r.stateWord
		r.mu.Unlock()
		log.Info().
			Uint32("tid", tid).
			Uint32("state", word).
			Msg("cluster state change committed by initiator")
		return nil
	}

	r.broadcastTwopc(protocol.CmdTwopcAbort, req)
	switch {
	case phase == twopc.ReplyTimeout:
		return classed(ClassNetworkTransient, "state change %d: peers did not all answer", tid)
	case verdict == twopc.Retry:
		return classed(ClassStateConflict, "state change %d: peer asked for a retry", tid)
	default:
		return classed(ClassStateConflict, "state change %d refused", tid)
	}
}

// broadcastTwopc sends a transaction packet to every connected peer.
func (r *Resource) broadcastTwopc(cmd protocol.Command, req *protocol.TwopcRequest) {
	for _, c := range r.Connections() {
		if c.State() == CConnected {
			c.queueFrame(cmd, -1, req.Marshal())
		}
	}
}

// Run connects to every configured peer and keeps the connections up
// until the context is cancelled.
func (r *Resource) Run(ctx context.Context) {
	r.mu.Lock()
	peers := append([]peerSpec(nil), r.peers...)
	r.mu.Unlock()
	for _, spec := range peers {
		r.wg.Add(1)
		go r.connectLoop(ctx, spec)
	}
	<-ctx.Done()
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
	r.wg.Wait()
}

// connectLoop is one peer's connection lifecycle: pair sockets,
// establish, and on failure retry after the connect interval unless
// the failure class rules a retry out.
func (r *Resource) connectLoop(ctx context.Context, spec peerSpec) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		c := newConnection(r, spec.LocalAddr, spec.PeerAddr, spec.NodeID)
		r.mu.Lock()
		r.connections[spec.PeerAddr] = c
		r.mu.Unlock()

		if err := c.transition(CConnecting, nil); err != nil {
			log.Error().Err(err).Msg("entering connecting state")
			return
		}

		pair, err := transport.PairConns(ctx, r.listeners, transport.PairConfig{
			LocalAddr: spec.LocalAddr,
			PeerAddr:  spec.PeerAddr,
		})
		if err != nil {
			c.shutdown(err)
			if !r.sleepRetry(ctx) {
				return
			}
			continue
		}

		if err := c.establish(pair); err != nil {
			pair.Close()
			c.shutdown(err)
			switch ClassOf(err) {
			case ClassProtocolIncompatible, ClassSplitBrain:
				// Retrying cannot fix these; give up on this peer until
				// the operator intervenes.
				log.Error().Err(err).Str("peer", spec.PeerAddr).Msg("giving up on peer")
				return
			}
			if !r.sleepRetry(ctx) {
				return
			}
			continue
		}

		log.Info().Str("peer", spec.PeerAddr).Msg("connection established")
		select {
		case <-c.stop:
			c.Wait()
		case <-ctx.Done():
			c.Disconnect()
			c.Wait()
			return
		}
		if !r.sleepRetry(ctx) {
			return
		}
	}
}

func (r *Resource) sleepRetry(ctx context.Context) bool {
	select {
	case <-time.After(r.opts.ConnectInt):
		return true
	case <-ctx.Done():
		return false
	}
}

// Close shuts the devices down. Call after Run returned.
func (r *Resource) Close() {
	r.eachDevice(func(d *Device) {
		d.Close()
	})
}

// Disconnect tears the connection down as an expected, operator-driven
// event: the epoch cleanup path runs but the state lands in
// Disconnecting rather than NetworkFailure.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.disconnectExpect = true
	c.mu.Unlock()
	c.shutdown(nil)
}

// resourceState is the two-phase commit handler: a cluster-wide state
// word with mask/value updates.
type resourceState Resource

func (rs *resourceState) PrepareChange(req *protocol.TwopcRequest) twopc.Verdict {
	// Any well-formed change is acceptable to a secondary; a primary
	// refuses changes that would revoke its own primary bit.
	r := (*Resource)(rs)
	if r.opts.Primary && req.PrimaryNodes != 0 &&
		req.PrimaryNodes&(1<<uint(r.selfSlot())) == 0 {
		return twopc.No
	}
	return twopc.Yes
}

func (rs *resourceState) CommitChange(req *protocol.TwopcRequest, reply *twopc.Reply) {
	r := (*Resource)(rs)
	r.mu.Lock()
	r.stateWord = r.stateWord&^req.Mask | req.Val&req.Mask
	word := r.stateWord
	r.mu.Unlock()
	log.Info().
		Uint32("tid", req.TID).
		Uint32("state", word).
		Msg("cluster state change committed")
}

func (rs *resourceState) AbortChange(req *protocol.TwopcRequest) {
	log.Info().Uint32("tid", req.TID).Msg("cluster state change aborted")
}

func (rs *resourceState) TimedOut(tid uint32) {
	log.Warn().Uint32("tid", tid).Msg("cluster state change abandoned, initiator unreachable")
}
