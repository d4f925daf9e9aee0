package replication

import (
	"fmt"
	"hash"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/bitmap"
	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/protocol"
	"github.com/replimesh/replimesh/internal/uuids"
)

// outFrame is one queued outbound packet. sent, when set, runs after
// the frame left the socket (or the connection died), releasing any
// buffers the payload still references.
type outFrame struct {
	cmd     protocol.Command
	volume  int
	payload []byte
	sent    func()
}

// writeRecord is one completed peer write held until a PeerAck covers
// its dagtag.
type writeRecord struct {
	dagTag uint64
	volume int
	sector uint64
	size   uint32
}

// maxRecentWrites caps the PeerAck backlog; the oldest records drop
// first when the initiator never sends one.
const maxRecentWrites = 4096

// Connection is one paired data+meta link to a peer.
type Connection struct {
	resource *Resource

	PeerAddr   string
	LocalAddr  string
	PeerNodeID int32

	mu               sync.Mutex
	state            CState
	lastError        error
	version          int
	features         uint32
	net              protocol.NetProtocol
	resolveConflicts bool
	disconnectExpect bool
	lastReceived     time.Time
	lastMetaReceived time.Time
	lastDagTag       uint64
	peerDagTag       uint64
	priReachable     uint64
	verifyAlg        string
	csumAlg          string
	recentWrites     []writeRecord

	dataSock net.Conn
	metaSock net.Conn

	epochs  *epoch.List
	cookies cookieTable

	peerDevices map[int]*PeerDevice

	// integrity produces the receive-side digest context when an
	// integrity algorithm was negotiated.
	integrity func() hash.Hash

	sendQ chan outFrame
	ackQ  chan outFrame

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConnection(r *Resource, localAddr, peerAddr string, peerNodeID int32) *Connection {
	c := &Connection{
		resource:    r,
		PeerAddr:    peerAddr,
		LocalAddr:   localAddr,
		PeerNodeID:  peerNodeID,
		state:       CUnconnected,
		version:     protocol.VersionMin,
		peerDevices: make(map[int]*PeerDevice),
		sendQ:       make(chan outFrame, 128),
		ackQ:        make(chan outFrame, 128),
		stop:        make(chan struct{}),
	}
	c.epochs = epoch.NewList(r.Ordering(), r.caps, c.sendBarrierAck, nil)
	return c
}

// State returns the connection state.
func (c *Connection) State() CState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated protocol version.
func (c *Connection) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ResolveConflicts reports whether this side is the conflict resolver.
func (c *Connection) ResolveConflicts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveConflicts
}

// transition moves the connection to target, enforcing the state graph.
func (c *Connection) transition(target CState, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == target {
		return nil
	}
	if !c.state.CanTransitionTo(target) {
		return fmt.Errorf("illegal connection transition %s -> %s", c.state, target)
	}
	log.Info().
		Str("peer", c.PeerAddr).
		Str("from", c.state.String()).
		Str("to", target.String()).
		AnErr("cause", cause).
		Msg("connection state change")
	c.state = target
	c.lastError = cause
	return nil
}

// PeerDevice returns the peer-device for a volume.
func (c *Connection) PeerDevice(volume int) (*PeerDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pd, ok := c.peerDevices[volume]
	return pd, ok
}

// PeerDevices returns the peer-devices of every attached volume.
func (c *Connection) PeerDevices() []*PeerDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	pds := make([]*PeerDevice, 0, len(c.peerDevices))
	for _, pd := range c.peerDevices {
		pds = append(pds, pd)
	}
	return pds
}

// recordWrite remembers a completed peer write for later PeerAck
// settlement.
func (c *Connection) recordWrite(req *PeerRequest) {
	c.mu.Lock()
	c.recentWrites = append(c.recentWrites, writeRecord{
		dagTag: req.DagTag,
		volume: req.PeerDevice.Device.Volume,
		sector: req.Sector,
		size:   req.Size,
	})
	if n := len(c.recentWrites); n > maxRecentWrites {
		c.recentWrites = append([]writeRecord(nil), c.recentWrites[n-maxRecentWrites:]...)
	}
	c.mu.Unlock()
}

// lastActivity returns the most recent receive on either socket. A
// saturated peer may starve its ack sender while still streaming data,
// so traffic on the data socket counts as proof of life too.
func (c *Connection) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReceived.After(c.lastMetaReceived) {
		return c.lastReceived
	}
	return c.lastMetaReceived
}

// EpochCount returns the number of unfinished write epochs.
func (c *Connection) EpochCount() int {
	return c.epochs.Len()
}

func (c *Connection) eachPeerDevice(fn func(*PeerDevice)) {
	c.mu.Lock()
	pds := make([]*PeerDevice, 0, len(c.peerDevices))
	for _, pd := range c.peerDevices {
		pds = append(pds, pd)
	}
	c.mu.Unlock()
	for _, pd := range pds {
		fn(pd)
	}
}

// queueFrame queues a packet on the data-socket sender.
func (c *Connection) queueFrame(cmd protocol.Command, volume int, payload []byte) {
	select {
	case c.sendQ <- outFrame{cmd: cmd, volume: volume, payload: payload}:
	case <-c.stop:
	}
}

// queueAck queues a packet on the meta-socket sender.
func (c *Connection) queueAck(cmd protocol.Command, volume int, payload []byte) {
	select {
	case c.ackQ <- outFrame{cmd: cmd, volume: volume, payload: payload}:
	case <-c.stop:
	}
}

func (c *Connection) sendBarrierAck(barrierNr, setSize uint32) {
	p := protocol.BarrierAck{BarrierNr: barrierNr, SetSize: setSize}
	c.queueAck(protocol.CmdBarrierAck, -1, p.Marshal())
}

// senderLoop drains one outbound queue onto one socket.
func (c *Connection) senderLoop(sock net.Conn, q chan outFrame) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case f := <-q:
			c.mu.Lock()
			version := c.version
			c.mu.Unlock()
			err := protocol.WriteFrame(sock, version, f.cmd, f.volume, f.payload)
			if f.sent != nil {
				f.sent()
			}
			if err != nil {
				log.Warn().Err(err).Str("peer", c.PeerAddr).Msg("send failed")
				c.shutdown(err)
				return
			}
		}
	}
}

// shutdown is the single, idempotent teardown path. Every goroutine
// that detects a fatal condition funnels through here; the connect loop
// observes the state change and decides whether to retry.
func (c *Connection) shutdown(cause error) {
	c.stopOnce.Do(func() {
		target := CNetworkFailure
		c.mu.Lock()
		if c.disconnectExpect {
			target = CDisconnecting
		}
		c.mu.Unlock()
		if err := c.transition(target, cause); err != nil {
			log.Debug().Err(err).Msg("teardown transition")
		}
		close(c.stop)

		c.mu.Lock()
		data, meta := c.dataSock, c.metaSock
		c.dataSock, c.metaSock = nil, nil
		c.mu.Unlock()
		if data != nil {
			data.Close()
		}
		if meta != nil {
			meta.Close()
		}

		// Epochs drain under cleanup: every unfinished epoch is put
		// with the cleanup modifier so barrier bookkeeping unwinds
		// without acks.
		c.epochs.Cleanup()

		c.eachPeerDevice(func(pd *PeerDevice) {
			pd.disconnect()
			pd.Device.reclaimNet(c.resource.pool)
		})
	})
}

// Wait blocks until every per-connection goroutine exited. Must not be
// called from one of them.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// PeerDevice is the per-(connection, volume) replication state.
type PeerDevice struct {
	Device *Device
	Conn   *Connection

	mu       sync.Mutex
	repl     ReplState
	peerDisk uuids.DiskState
	peerRole uuids.Role

	self           *uuids.Vector
	peer           uuids.PeerVector
	crashedPrimary bool

	// uuidsReceived and stateReceived gate the connect-time handshake:
	// it runs once both packets arrived.
	uuidsReceived bool
	stateReceived bool

	peerSectors uint64

	// outOfSync is the bitmap toward this peer; recvCtx tracks an
	// inbound bitmap transfer.
	outOfSync *bitmap.Bitmap
	recvCtx   bitmap.TransferCtx

	peerSeq *peerSeq

	// ackSeq numbers outbound acks toward this peer.
	ackSeq uint32

	// resyncRate is the negotiated resync pace in KiB/s.
	resyncRate uint64

	rsTotal uint64
	rsDone  uint64
}

func newPeerDevice(c *Connection, d *Device) *PeerDevice {
	return &PeerDevice{
		Device:   d,
		Conn:     c,
		repl:     ReplOff,
		peerDisk: uuids.Diskless,
		peerSeq:  newPeerSeq(),
	}
}

// ReplState returns the replication state.
func (pd *PeerDevice) ReplState() ReplState {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.repl
}

func (pd *PeerDevice) setReplState(s ReplState) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if s != pd.repl {
		log.Info().
			Int("volume", pd.Device.Volume).
			Str("peer", pd.Conn.PeerAddr).
			Str("from", pd.repl.String()).
			Str("to", s.String()).
			Msg("replication state change")
		pd.repl = s
	}
}

// PeerDiskState returns the peer's last announced disk state.
func (pd *PeerDevice) PeerDiskState() uuids.DiskState {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.peerDisk
}

func (pd *PeerDevice) disconnect() {
	pd.setReplState(ReplOff)
	pd.mu.Lock()
	pd.peerDisk = uuids.Diskless
	pd.mu.Unlock()

	d := pd.Device
	for _, q := range []Queue{QueueActive, QueueSync, QueueRead, QueueDone, QueueNet} {
		for _, req := range d.queues.Drain(q) {
			if req.PeerDevice == pd {
				d.ReleaseInterval(req)
			}
		}
	}
}

// ResyncProgress returns done and total resync counters.
func (pd *PeerDevice) ResyncProgress() (done, total uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.rsDone, pd.rsTotal
}
