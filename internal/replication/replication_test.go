package replication

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/bitmap"
	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/interval"
	"github.com/replimesh/replimesh/internal/meta"
	"github.com/replimesh/replimesh/internal/protocol"
)

func TestSeqGreaterWraps(t *testing.T) {
	assert.True(t, seqGreater(1, 0x80000001))
	assert.False(t, seqGreater(0x80000001, 1))
	assert.True(t, seqGreater(2, 1))
	assert.False(t, seqGreater(1, 1))
}

func TestPeerSeqWaitUntil(t *testing.T) {
	ps := newPeerSeq()
	ps.Update(3)

	// Sequence 4 only needs 3 to be tracked.
	require.NoError(t, ps.WaitUntil(4, time.Second))
	assert.Equal(t, uint32(4), ps.Current())

	// Sequence 6 needs 5; unblock from another goroutine.
	done := make(chan error, 1)
	go func() {
		done <- ps.WaitUntil(6, 5*time.Second)
	}()
	select {
	case err := <-done:
		t.Fatalf("WaitUntil returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	ps.Update(5)
	require.NoError(t, <-done)
	assert.Equal(t, uint32(6), ps.Current())
}

func TestPeerSeqWaitUntilTimesOut(t *testing.T) {
	ps := newPeerSeq()
	err := ps.WaitUntil(10, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ClassNetworkFatal, ClassOf(err))
}

func TestQueueMoveRejectsIllegalTransition(t *testing.T) {
	qs := newRequestQueues()
	req := &PeerRequest{BlockID: 7}
	qs.Move(req, QueueActive)
	qs.Move(req, QueueDone)
	assert.Panics(t, func() {
		qs.Move(req, QueueActive)
	})
}

func TestQueueDrainFreesEverything(t *testing.T) {
	qs := newRequestQueues()
	a := &PeerRequest{BlockID: 1}
	b := &PeerRequest{BlockID: 2}
	qs.Move(a, QueueActive)
	qs.Move(b, QueueActive)
	drained := qs.Drain(QueueActive)
	assert.Len(t, drained, 2)
	assert.Equal(t, QueueFreed, a.CurrentQueue())
	assert.Equal(t, 0, qs.Len(QueueActive))
}

func TestCookieGenerationRejectsStale(t *testing.T) {
	var tab cookieTable
	r1 := &PeerRequest{BlockID: 1}
	c1 := tab.Alloc(r1)
	got, ok := tab.Lookup(c1)
	require.True(t, ok)
	assert.Same(t, r1, got)

	tab.Free(c1)
	_, ok = tab.Lookup(c1)
	assert.False(t, ok, "freed cookie must not resolve")

	// The slot is reused under a new generation; the old cookie stays
	// dead.
	r2 := &PeerRequest{BlockID: 2}
	c2 := tab.Alloc(r2)
	assert.NotEqual(t, c1, c2)
	_, ok = tab.Lookup(c1)
	assert.False(t, ok)
	got, ok = tab.Lookup(c2)
	require.True(t, ok)
	assert.Same(t, r2, got)
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	backend, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "dev.img"), 1<<20)
	require.NoError(t, err)
	d := NewDevice(0, backend, nil, 1, 8)
	t.Cleanup(d.Close)
	return d
}

func TestResolverDiscardsContainedWrite(t *testing.T) {
	d := newTestDevice(t)
	lr := d.StartLocalWrite(100, 8192) // sectors 100..115
	defer d.CompleteLocalWrite(lr)

	req := &PeerRequest{Sector: 104, Size: 4096} // fully inside
	v, err := d.ResolveWriteConflict(req, true, protocol.Version110, time.Second)
	require.NoError(t, err)
	assert.False(t, v.Submit)
	assert.Equal(t, protocol.CmdSuperseded, v.DiscardAck)
}

func TestResolverBouncesPartialOverlap(t *testing.T) {
	d := newTestDevice(t)
	lr := d.StartLocalWrite(100, 8192)
	defer d.CompleteLocalWrite(lr)

	req := &PeerRequest{Sector: 112, Size: 8192} // sticks out past 115
	v, err := d.ResolveWriteConflict(req, true, protocol.Version110, time.Second)
	require.NoError(t, err)
	assert.False(t, v.Submit)
	assert.Equal(t, protocol.CmdRetryWrite, v.DiscardAck)

	// Before protocol 100 there is no RetryWrite packet.
	v, err = d.ResolveWriteConflict(req, true, protocol.Version95, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdSuperseded, v.DiscardAck)
}

func TestNonResolverWaitsForLocalWrite(t *testing.T) {
	d := newTestDevice(t)
	lr := d.StartLocalWrite(100, 4096)

	req := &PeerRequest{Sector: 100, Size: 4096}
	done := make(chan conflictVerdict, 1)
	go func() {
		v, err := d.ResolveWriteConflict(req, false, protocol.Version110, 5*time.Second)
		if err == nil {
			done <- v
		}
	}()
	select {
	case <-done:
		t.Fatal("conflict resolved while the local write was pending")
	case <-time.After(50 * time.Millisecond):
	}

	d.CompleteLocalWrite(lr)
	select {
	case v := <-done:
		assert.True(t, v.Submit)
	case <-time.After(5 * time.Second):
		t.Fatal("peer write not released")
	}
}

func TestPostponedLocalWriteRestarts(t *testing.T) {
	d := newTestDevice(t)
	lr := d.StartLocalWrite(100, 4096)
	lr.Postponed = true
	restarted := make(chan struct{})
	lr.OnRestart = func() { close(restarted) }

	req := &PeerRequest{Sector: 100, Size: 4096}
	v, err := d.ResolveWriteConflict(req, false, protocol.Version110, time.Second)
	require.NoError(t, err)
	assert.True(t, v.Submit)
	assert.NotZero(t, req.Flags&FlagRestartRequests)

	d.ReleaseInterval(req)
	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("postponed local write was not restarted")
	}
	assert.False(t, lr.Postponed)
}

func TestWaitNoResyncOverlap(t *testing.T) {
	d := newTestDevice(t)
	var ri interval.Interval
	ri.Sector, ri.Size = 100, 4096
	d.InsertResyncInterval(&ri)

	done := make(chan error, 1)
	go func() {
		done <- d.WaitNoResyncOverlap(104, 512, 5*time.Second)
	}()
	select {
	case err := <-done:
		t.Fatalf("returned with resync write in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	d.RemoveResyncInterval(&ri)
	require.NoError(t, <-done)

	// Non-overlapping ranges never block.
	require.NoError(t, d.WaitNoResyncOverlap(4096, 512, time.Millisecond))
}

func TestBitmapRangeRounding(t *testing.T) {
	pd := &PeerDevice{outOfSync: bitmap.New(256)}

	// Setting rounds outward: half a block dirties the whole block.
	pd.SetOutOfSync(4, 512)
	assert.Equal(t, uint64(1), pd.OutOfSyncAmount())
	assert.True(t, pd.outOfSync.Test(0))

	// Clearing rounds inward: a partial cover clears nothing.
	pd.SetInSync(1, 3072)
	assert.Equal(t, uint64(1), pd.OutOfSyncAmount())

	pd.SetInSync(0, 4096)
	assert.Equal(t, uint64(0), pd.OutOfSyncAmount())

	pd.SetOutOfSync(8, 8192) // sectors 8..23, bits 1 and 2
	assert.Equal(t, uint64(2), pd.OutOfSyncAmount())
}

func TestErrorClassification(t *testing.T) {
	err := classed(ClassResource, "no buffers")
	assert.Equal(t, ClassResource, ClassOf(err))

	wrapped := fmt.Errorf("while receiving: %w", classed(ClassSplitBrain, "unresolved"))
	assert.Equal(t, ClassSplitBrain, ClassOf(wrapped))

	assert.Equal(t, ClassNetworkFatal, ClassOf(fmt.Errorf("plain failure")))
}

func TestConnectionStateGraph(t *testing.T) {
	assert.True(t, CUnconnected.CanTransitionTo(CConnecting))
	assert.True(t, CConnecting.CanTransitionTo(CConnected))
	assert.True(t, CConnected.CanTransitionTo(CNetworkFailure))
	assert.False(t, CConnected.CanTransitionTo(CConnecting))
	assert.False(t, CStandalone.CanTransitionTo(CConnected))
	assert.True(t, CNetworkFailure.CanTransitionTo(CUnconnected))
}

func TestStateWordRoundTrip(t *testing.T) {
	w := encodeStateWord(1, 4, 5) // primary, up-to-date, sync-source
	role, disk, repl := decodeStateWord(w)
	assert.Equal(t, 1, int(role))
	assert.Equal(t, 4, int(disk))
	assert.Equal(t, 5, int(repl))
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newTestResource(t *testing.T, name string, nodeID int32) *Resource {
	t.Helper()
	return NewResource(name, nodeID, Options{
		Secret:      "woodpecker",
		PingInt:     time.Second,
		PingTimeout: time.Second,
		ConnectInt:  200 * time.Millisecond,
	})
}

// Two fresh nodes pair up, agree on a protocol, find their data
// generations identical and land in the established state with no
// resync.
func TestFreshNodesEstablishWithoutResync(t *testing.T) {
	addrA, addrB := freePort(t), freePort(t)

	ra := newTestResource(t, "r0", 0)
	backendA, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "a.img"), 1<<20)
	require.NoError(t, err)
	_, err = ra.AddDevice(0, backendA, nil)
	require.NoError(t, err)
	ra.AddPeer(addrA, addrB, 1)

	rb := newTestResource(t, "r0", 1)
	backendB, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "b.img"), 1<<20)
	require.NoError(t, err)
	_, err = rb.AddDevice(0, backendB, nil)
	require.NoError(t, err)
	rb.AddPeer(addrB, addrA, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go ra.Run(ctx)
	go rb.Run(ctx)
	defer func() {
		cancel()
		ra.Close()
		rb.Close()
	}()

	require.Eventually(t, func() bool {
		for _, r := range []*Resource{ra, rb} {
			conns := r.Connections()
			if len(conns) != 1 || conns[0].State() != CConnected {
				return false
			}
			pd, ok := conns[0].PeerDevice(0)
			if !ok || pd.ReplState() != ReplEstablished {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond, "nodes did not establish")

	// Exactly one side resolves write conflicts.
	ca, cb := ra.Connections()[0], rb.Connections()[0]
	assert.NotEqual(t, ca.ResolveConflicts(), cb.ResolveConflicts())
	assert.Equal(t, ca.Version(), cb.Version())

	// A mirrored write from A lands on B's backend and its epoch is
	// closed out by the following barrier.
	data := bytes.Repeat([]byte{0xa5}, 4096)
	hdr := (&protocol.Data{
		Sector:  100,
		BlockID: 42,
		SeqNum:  1,
		DPFlags: protocol.DPFlagSendWriteAck,
	}).Marshal()
	ca.queueFrame(protocol.CmdData, 0, append(hdr, data...))
	ca.queueFrame(protocol.CmdBarrier, -1, (&protocol.Barrier{BarrierNr: 1}).Marshal())

	require.Eventually(t, func() bool {
		got := make([]byte, 4096)
		if err := backendB.ReadSectors(got, 100); err != nil {
			return false
		}
		return bytes.Equal(got, data)
	}, 10*time.Second, 20*time.Millisecond, "write did not reach the peer backend")

	require.Eventually(t, func() bool {
		return cb.epochs.Current().Size() == 0
	}, 10*time.Second, 20*time.Millisecond, "barrier did not close the epoch")
}

// A node with data and a fresh peer run a full sync: the source sends
// its bitmap, the target pulls every block and adopts the source's
// current UUID.
func TestFullSyncToFreshPeer(t *testing.T) {
	addrA, addrB := freePort(t), freePort(t)

	// Source: real data, a real metadata store with its own UUID.
	dirA := t.TempDir()
	backendA, err := blockdev.OpenFile(filepath.Join(dirA, "a.img"), 1<<20)
	require.NoError(t, err)
	pattern := bytes.Repeat([]byte{0x5a, 0xc3}, 1<<19/2)
	require.NoError(t, backendA.WriteSectors(pattern, 0, false))

	storeA, err := meta.NewStore(filepath.Join(dirA, "md"))
	require.NoError(t, err)
	srcUUID := meta.NewUUID()
	require.NoError(t, storeA.Save(&meta.Superblock{CurrentUUID: srcUUID, Consistent: true}))

	ra := newTestResource(t, "r0", 0)
	_, err = ra.AddDevice(0, backendA, storeA)
	require.NoError(t, err)
	ra.AddPeer(addrA, addrB, 1)

	// Target: empty device, no history.
	backendB, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "b.img"), 1<<20)
	require.NoError(t, err)
	rb := newTestResource(t, "r0", 1)
	_, err = rb.AddDevice(0, backendB, nil)
	require.NoError(t, err)
	rb.AddPeer(addrB, addrA, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go ra.Run(ctx)
	go rb.Run(ctx)
	defer func() {
		cancel()
		ra.Close()
		rb.Close()
	}()

	require.Eventually(t, func() bool {
		for _, r := range []*Resource{ra, rb} {
			conns := r.Connections()
			if len(conns) != 1 {
				return false
			}
			pd, ok := conns[0].PeerDevice(0)
			if !ok || pd.ReplState() != ReplEstablished {
				return false
			}
			if pd.OutOfSyncAmount() != 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "full sync did not finish")

	// The target now carries the source's data.
	got := make([]byte, len(pattern))
	require.NoError(t, backendB.ReadSectors(got, 0))
	assert.True(t, bytes.Equal(got, pattern), "target data differs from source")

	// And its generation: the target adopted the source's current UUID.
	pdB, ok := rb.Connections()[0].PeerDevice(0)
	require.True(t, ok)
	pdB.mu.Lock()
	adopted := pdB.self.Current
	pdB.mu.Unlock()
	assert.Equal(t, srcUUID, adopted)

	done, total := pdB.ResyncProgress()
	assert.NotZero(t, total)
	assert.Equal(t, total, done)
}

// A full sync with payload digests negotiated: every block reply
// carries its digest and the target verifies each one before writing.
func TestFullSyncVerifiesIntegrityDigests(t *testing.T) {
	addrA, addrB := freePort(t), freePort(t)
	opts := func() Options {
		return Options{
			Secret:       "woodpecker",
			IntegrityAlg: "sha256",
			PingInt:      time.Second,
			PingTimeout:  time.Second,
			ConnectInt:   200 * time.Millisecond,
		}
	}

	dirA := t.TempDir()
	backendA, err := blockdev.OpenFile(filepath.Join(dirA, "a.img"), 1<<20)
	require.NoError(t, err)
	pattern := bytes.Repeat([]byte{0x77, 0x11}, 1<<19/2)
	require.NoError(t, backendA.WriteSectors(pattern, 0, false))
	storeA, err := meta.NewStore(filepath.Join(dirA, "md"))
	require.NoError(t, err)
	require.NoError(t, storeA.Save(&meta.Superblock{CurrentUUID: meta.NewUUID(), Consistent: true}))

	ra := NewResource("r0", 0, opts())
	_, err = ra.AddDevice(0, backendA, storeA)
	require.NoError(t, err)
	ra.AddPeer(addrA, addrB, 1)

	backendB, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "b.img"), 1<<20)
	require.NoError(t, err)
	rb := NewResource("r0", 1, opts())
	_, err = rb.AddDevice(0, backendB, nil)
	require.NoError(t, err)
	rb.AddPeer(addrB, addrA, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go ra.Run(ctx)
	go rb.Run(ctx)
	defer func() {
		cancel()
		ra.Close()
		rb.Close()
	}()

	require.Eventually(t, func() bool {
		for _, r := range []*Resource{ra, rb} {
			conns := r.Connections()
			if len(conns) != 1 {
				return false
			}
			pd, ok := conns[0].PeerDevice(0)
			if !ok || pd.ReplState() != ReplEstablished || pd.OutOfSyncAmount() != 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "full sync with digests did not finish")

	got := make([]byte, len(pattern))
	require.NoError(t, backendB.ReadSectors(got, 0))
	assert.True(t, bytes.Equal(got, pattern), "target data differs from source")

	pdB, ok := rb.Connections()[0].PeerDevice(0)
	require.True(t, ok)
	done, total := pdB.ResyncProgress()
	assert.NotZero(t, total)
	assert.Equal(t, total, done)
}

func TestNegotiatedDigestAlgorithms(t *testing.T) {
	msg := []byte("digest me")

	h := digestHash("")
	h.Write(msg)
	want := sha256.Sum256(msg)
	assert.Equal(t, want[:], h.Sum(nil), "default is sha256")

	r := newTestResource(t, "r0", 0)
	c := newConnection(r, "a", "b", 1)
	c.mu.Lock()
	c.verifyAlg = "blake2b"
	c.csumAlg = "sha256"
	c.mu.Unlock()

	hv := c.verifyHash()
	hv.Write(msg)
	hc := c.csumHash()
	hc.Write(msg)
	assert.Equal(t, want[:], hc.Sum(nil))
	assert.NotEqual(t, hc.Sum(nil), hv.Sum(nil), "verify side honors blake2b")
}

func TestLivenessCountsDataSocketTraffic(t *testing.T) {
	r := newTestResource(t, "r0", 0)
	c := newConnection(r, "a", "b", 1)
	old := time.Now().Add(-time.Hour)
	c.mu.Lock()
	c.lastMetaReceived = old
	c.mu.Unlock()
	assert.Equal(t, old, c.lastActivity())

	// A busy data socket proves the peer alive even while acks lag.
	c.touch()
	assert.True(t, c.lastActivity().After(old))
}

// Buffers handed to the sender return through the device reclaim hook
// once their send completed, unblocking a throttled receive.
func TestNetBuffersReclaimedOnDemand(t *testing.T) {
	r := newTestResource(t, "r0", 0)
	backend, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "dev.img"), 1<<20)
	require.NoError(t, err)
	d, err := r.AddDevice(0, backend, nil)
	require.NoError(t, err)
	defer r.Close()

	p := r.Pool()
	d.PoolUsage.MaxBuffers = 2
	bufs, err := p.Get(context.Background(), &d.PoolUsage, 2)
	require.NoError(t, err)
	p.MoveToNet(&d.PoolUsage, 2)
	d.parkNetBuffers(bufs)

	// The device sits at its limit; Get must collect the parked
	// buffers instead of throttling until the limit relaxes.
	start := time.Now()
	more, err := p.Get(context.Background(), &d.PoolUsage, 2)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	_, net := p.DeviceStats(&d.PoolUsage)
	assert.Zero(t, net)
	p.Put(&d.PoolUsage, more)
}

// A peer ack settles recorded writes against the sibling peers: nodes
// in the mask already hold the data, nodes missing from it go out of
// sync for those blocks.
func TestPeerAckSettlesSiblingBitmaps(t *testing.T) {
	r := newTestResource(t, "r0", 0)
	backend, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "dev.img"), 1<<20)
	require.NoError(t, err)
	d, err := r.AddDevice(0, backend, nil)
	require.NoError(t, err)
	defer r.Close()

	origin := newConnection(r, "a", "peer-a", 1)
	covered := newConnection(r, "b", "peer-b", 2)
	missing := newConnection(r, "c", "peer-c", 3)
	r.mu.Lock()
	r.connections["peer-a"] = origin
	r.connections["peer-b"] = covered
	r.connections["peer-c"] = missing
	r.mu.Unlock()
	for _, c := range []*Connection{origin, covered, missing} {
		pd := newPeerDevice(c, d)
		pd.outOfSync = bitmap.New(256)
		c.mu.Lock()
		c.peerDevices[0] = pd
		c.mu.Unlock()
	}

	pdOrigin, _ := origin.PeerDevice(0)
	pdCovered, _ := covered.PeerDevice(0)
	pdMissing, _ := missing.PeerDevice(0)
	pdCovered.SetOutOfSync(0, 4096)

	origin.recordWrite(&PeerRequest{Sector: 0, Size: 4096, DagTag: 8, PeerDevice: pdOrigin})
	origin.recordWrite(&PeerRequest{Sector: 8, Size: 4096, DagTag: 16, PeerDevice: pdOrigin})

	// Node 2 holds the first write, node 3 does not. The second write
	// lies past the acked dagtag and stays pending.
	require.NoError(t, origin.handlePeerAck(&protocol.PeerAck{Mask: 1 << 2, DagTag: 8}))

	assert.Zero(t, pdCovered.OutOfSyncAmount())
	assert.Equal(t, uint64(1), pdMissing.OutOfSyncAmount())
	origin.mu.Lock()
	pending := len(origin.recentWrites)
	origin.mu.Unlock()
	assert.Equal(t, 1, pending)
}

// The initiator of a cluster-wide state change collects the peer's
// prepare reply and both sides commit.
func TestClusterStateChangeCommits(t *testing.T) {
	addrA, addrB := freePort(t), freePort(t)

	ra := newTestResource(t, "r0", 0)
	backendA, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "a.img"), 1<<20)
	require.NoError(t, err)
	_, err = ra.AddDevice(0, backendA, nil)
	require.NoError(t, err)
	ra.AddPeer(addrA, addrB, 1)

	rb := newTestResource(t, "r0", 1)
	backendB, err := blockdev.OpenFile(filepath.Join(t.TempDir(), "b.img"), 1<<20)
	require.NoError(t, err)
	_, err = rb.AddDevice(0, backendB, nil)
	require.NoError(t, err)
	rb.AddPeer(addrB, addrA, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go ra.Run(ctx)
	go rb.Run(ctx)
	defer func() {
		cancel()
		ra.Close()
		rb.Close()
	}()

	require.Eventually(t, func() bool {
		for _, r := range []*Resource{ra, rb} {
			conns := r.Connections()
			if len(conns) != 1 || conns[0].State() != CConnected {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond, "nodes did not connect")

	tctx, tcancel := context.WithTimeout(ctx, 10*time.Second)
	defer tcancel()
	require.NoError(t, ra.ProposeStateChange(tctx, 0xf0, 0x30))

	ra.mu.Lock()
	word := ra.stateWord
	ra.mu.Unlock()
	assert.Equal(t, uint32(0x30), word&0xf0)

	require.Eventually(t, func() bool {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		return rb.stateWord&0xf0 == 0x30
	}, 10*time.Second, 20*time.Millisecond, "peer did not commit the change")
}
