package replication

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/epoch"
	"github.com/replimesh/replimesh/internal/protocol"
)

// maxRequestSize bounds one mirrored write (1MiB, the block layer's
// largest bio).
const maxRequestSize = 1 << 20

type frameHandler func(c *Connection, pi protocol.Info) error

var frameHandlers = map[protocol.Command]frameHandler{
	protocol.CmdData:                (*Connection).receiveData,
	protocol.CmdTrim:                (*Connection).receiveTrim,
	protocol.CmdBarrier:             (*Connection).receiveBarrier,
	protocol.CmdUnplugRemote:        (*Connection).receiveUnplugRemote,
	protocol.CmdDataRequest:         (*Connection).receiveBlockRequest,
	protocol.CmdRSDataRequest:       (*Connection).receiveBlockRequest,
	protocol.CmdOVRequest:           (*Connection).receiveBlockRequest,
	protocol.CmdOVReply:             (*Connection).receiveDigestReply,
	protocol.CmdCsumRSRequest:       (*Connection).receiveDigestRequest,
	protocol.CmdDataReply:           (*Connection).receiveDataReply,
	protocol.CmdRSDataReply:         (*Connection).receiveRSDataReply,
	protocol.CmdBitmap:              (*Connection).receiveBitmap,
	protocol.CmdCompressedBitmap:    (*Connection).receiveBitmap,
	protocol.CmdSyncParam:           (*Connection).receiveSyncParam,
	protocol.CmdSyncParam89:         (*Connection).receiveSyncParam,
	protocol.CmdProtocol:            (*Connection).receiveProtocol,
	protocol.CmdProtocolUpdate:      (*Connection).receiveProtocol,
	protocol.CmdUUIDs:               (*Connection).receiveUUIDs,
	protocol.CmdUUIDs110:            (*Connection).receiveUUIDs110,
	protocol.CmdSizes:               (*Connection).receiveSizes,
	protocol.CmdState:               (*Connection).receiveState,
	protocol.CmdSyncUUID:            (*Connection).receiveSyncUUID,
	protocol.CmdOutOfSync:           (*Connection).receiveOutOfSync,
	protocol.CmdDagTag:              (*Connection).receiveDagTag,
	protocol.CmdPeerDagTag:          (*Connection).receivePeerDagTag,
	protocol.CmdCurrentUUID:         (*Connection).receiveCurrentUUID,
	protocol.CmdPriReachable:        (*Connection).receivePriReachable,
	protocol.CmdStateChgRequest:     (*Connection).receiveStateChgRequest,
	protocol.CmdConnStateChgRequest: (*Connection).receiveStateChgRequest,
	protocol.CmdTwopcPrepare:        (*Connection).receiveTwopc,
	protocol.CmdTwopcCommit:         (*Connection).receiveTwopc,
	protocol.CmdTwopcAbort:          (*Connection).receiveTwopc,
	protocol.CmdDelayProbe:          (*Connection).receiveDelayProbe,
}

// receiverLoop reads and dispatches frames on the data socket until a
// handler fails or the connection stops.
func (c *Connection) receiverLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		pi, err := protocol.ReadHeader(c.dataSocket(), c.Version())
		if err != nil {
			c.shutdown(classed(ClassNetworkFatal, "data socket: %w", err))
			return
		}
		c.touch()

		h := frameHandlers[pi.Cmd]
		if h == nil {
			c.shutdown(classed(ClassNetworkFatal, "unexpected packet %s on data socket", pi.Cmd))
			return
		}
		if err := h(c, pi); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Connection) dataSocket() io.ReadWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataSock
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastReceived = time.Now()
	c.mu.Unlock()
}

// readPayload reads a small control payload off the data socket.
func (c *Connection) readPayload(pi protocol.Info) ([]byte, error) {
	if pi.Size > maxRequestSize {
		return nil, classed(ClassNetworkFatal, "%s payload of %d bytes", pi.Cmd, pi.Size)
	}
	buf := make([]byte, pi.Size)
	if _, err := io.ReadFull(c.dataSocket(), buf); err != nil {
		return nil, classed(ClassNetworkFatal, "%s payload: %w", pi.Cmd, err)
	}
	return buf, nil
}

func (c *Connection) volumeDevice(pi protocol.Info) (*PeerDevice, error) {
	vol := pi.Volume
	if vol < 0 {
		vol = 0
	}
	pd, ok := c.PeerDevice(vol)
	if !ok {
		return nil, classed(ClassNetworkFatal, "%s for unknown volume %d", pi.Cmd, vol)
	}
	return pd, nil
}

func (c *Connection) digestSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.integrity == nil {
		return 0
	}
	return c.integrity().Size()
}

// verifyIntegrity consumes and checks the trailing digest of a data
// payload when an integrity algorithm was negotiated.
func (c *Connection) verifyIntegrity(data []byte) error {
	ds := c.digestSize()
	if ds == 0 {
		return nil
	}
	wire := make([]byte, ds)
	if _, err := io.ReadFull(c.dataSocket(), wire); err != nil {
		return classed(ClassNetworkFatal, "integrity digest: %w", err)
	}
	h := c.integrity()
	h.Write(data)
	if !hmacEqual(h.Sum(nil), wire) {
		return classed(ClassNetworkFatal,
			"integrity digest mismatch on %d byte payload", len(data))
	}
	return nil
}

// readDataPayload pulls a write payload into pool buffers, verifying
// the integrity digest when one was negotiated.
func (c *Connection) readDataPayload(pd *PeerDevice, size uint32) ([][]byte, []byte, error) {
	d := pd.Device
	ctx, cancel := context.WithTimeout(context.Background(), c.resource.opts.PingTimeout*10)
	defer cancel()
	bufs, err := c.resource.pool.Get(ctx, &d.PoolUsage, 1)
	if err != nil {
		return nil, nil, classed(ClassResource, "receive buffer: %w", err)
	}
	data := bufs[0][:size]
	if _, err := io.ReadFull(c.dataSocket(), data); err != nil {
		c.resource.pool.Put(&d.PoolUsage, bufs)
		return nil, nil, classed(ClassNetworkFatal, "write payload: %w", err)
	}
	if err := c.verifyIntegrity(data); err != nil {
		c.resource.pool.Put(&d.PoolUsage, bufs)
		return nil, nil, err
	}
	return bufs, data, nil
}

func (c *Connection) receiveData(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	var p protocol.Data
	hdr := make([]byte, protocol.DataLen)
	if _, err := io.ReadFull(c.dataSocket(), hdr); err != nil {
		return classed(ClassNetworkFatal, "Data header: %w", err)
	}
	if err := p.Unmarshal(hdr); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	size := pi.Size - protocol.DataLen - uint32(c.digestSize())
	if size == 0 || size > maxRequestSize || size%blockdev.SectorSize != 0 {
		return classed(ClassNetworkFatal, "write of %d bytes at sector %d", size, p.Sector)
	}

	bufs, data, err := c.readDataPayload(pd, size)
	if err != nil {
		return err
	}
	req := &PeerRequest{
		Sector:     p.Sector,
		Size:       size,
		BlockID:    p.BlockID,
		SeqNum:     p.SeqNum,
		Data:       data,
		PeerDevice: pd,
		Origin:     protocol.CmdData,
		bufs:       bufs,
		usage:      &pd.Device.PoolUsage,
	}
	if p.DPFlags&protocol.DPFlagDiscard != 0 {
		req.Flags |= FlagIsTrim
	}
	return c.submitPeerWrite(pd, req, p.DPFlags)
}

func (c *Connection) receiveTrim(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.Trim
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	req := &PeerRequest{
		Sector:     p.Sector,
		Size:       p.TrimSize,
		BlockID:    p.BlockID,
		SeqNum:     p.SeqNum,
		Flags:      FlagIsTrim,
		PeerDevice: pd,
		Origin:     protocol.CmdTrim,
	}
	return c.submitPeerWrite(pd, req, p.DPFlags)
}

// submitPeerWrite is the §receive_Data pipeline after the payload is in
// memory: dagtag, epoch accounting, two-primaries serialization, resync
// overlap, ack class, activity log, submit.
func (c *Connection) submitPeerWrite(pd *PeerDevice, req *PeerRequest, dpFlags uint32) error {
	d := pd.Device
	opts := &c.resource.opts

	c.mu.Lock()
	c.lastDagTag += uint64(req.Size >> 9)
	req.DagTag = c.lastDagTag
	resolver := c.resolveConflicts
	version := c.version
	c.mu.Unlock()

	e, _, barrier := c.epochs.AttachWrite()
	req.Epoch = e
	fua := dpFlags&protocol.DPFlagFUA != 0
	if barrier {
		fua = true
	}

	if opts.TwoPrimaries {
		if err := pd.peerSeq.WaitUntil(req.SeqNum, opts.PingTimeout); err != nil {
			c.freeAbortedWrite(req)
			return err
		}
		verdict, err := d.ResolveWriteConflict(req, resolver, version, opts.PingTimeout)
		if err != nil {
			c.freeAbortedWrite(req)
			return err
		}
		if !verdict.Submit {
			// Conflict resolver dropped the write; the epoch still saw
			// it come and go.
			ack := protocol.BlockAck{
				Sector:  req.Sector,
				BlockID: req.BlockID,
				BlkSize: req.Size,
				SeqNum:  pd.nextAckSeq(),
			}
			c.queueAck(verdict.DiscardAck, d.Volume, ack.Marshal())
			c.freeAbortedWrite(req)
			return nil
		}
	} else {
		pd.peerSeq.Update(req.SeqNum)
	}

	if pd.ReplState() == ReplSyncTarget {
		if err := d.WaitNoResyncOverlap(req.Sector, req.Size, opts.PingTimeout*10); err != nil {
			d.ReleaseInterval(req)
			c.freeAbortedWrite(req)
			return err
		}
	}

	switch {
	case dpFlags&protocol.DPFlagSendWriteAck != 0:
		req.Flags |= FlagSendWriteAck
	case dpFlags&protocol.DPFlagSendRecvAck != 0:
		// Protocol B acks on receipt.
		ack := protocol.BlockAck{
			Sector:  req.Sector,
			BlockID: req.BlockID,
			BlkSize: req.Size,
			SeqNum:  pd.nextAckSeq(),
		}
		c.queueAck(protocol.CmdRecvAck, d.Volume, ack.Marshal())
	}

	d.al.Begin(req.Sector, req.Size)
	d.queues.Move(req, QueueActive)
	req.cookie = d.inflight.Alloc(req)

	op := blockdev.OpWrite
	if req.Flags&FlagIsTrim != 0 {
		op = blockdev.OpDiscard
	}
	d.queue.Submit(blockdev.Request{
		Op:     op,
		Sector: req.Sector,
		Data:   req.Data,
		Size:   req.Size,
		FUA:    fua,
		Tag:    req.cookie,
	})
	return nil
}

// freeAbortedWrite unwinds a write that never reached the block layer.
func (c *Connection) freeAbortedWrite(req *PeerRequest) {
	req.PeerDevice.Device.ReleaseInterval(req)
	c.epochs.MayFinish(req.Epoch, epoch.EvPut)
	c.freeRequest(req)
}

func (c *Connection) freeRequest(req *PeerRequest) {
	if req.bufs != nil {
		c.resource.pool.Put(req.usage, req.bufs)
		req.bufs = nil
	}
	req.Data = nil
	if req.queue != QueueNone && req.queue != QueueFreed {
		req.PeerDevice.Device.queues.Move(req, QueueFreed)
	} else {
		req.queue = QueueFreed
	}
}

// writeCompleted finishes one mirrored write after the block layer
// reported back.
func (c *Connection) writeCompleted(req *PeerRequest, ioErr error) {
	pd := req.PeerDevice
	d := pd.Device
	d.al.End(req.Sector, req.Size)
	d.inflight.Free(req.cookie)
	d.queues.Move(req, QueueDone)

	ack := protocol.BlockAck{
		Sector:  req.Sector,
		BlockID: req.BlockID,
		BlkSize: req.Size,
		SeqNum:  pd.nextAckSeq(),
	}
	switch {
	case ioErr != nil:
		req.Flags |= FlagWasError
		log.Error().Err(ioErr).
			Uint64("sector", req.Sector).
			Int("volume", d.Volume).
			Msg("peer write failed locally")
		pd.SetOutOfSync(req.Sector, req.Size)
		c.queueAck(protocol.CmdNegAck, d.Volume, ack.Marshal())
	case req.Flags&FlagSendWriteAck != 0:
		c.queueAck(protocol.CmdWriteAck, d.Volume, ack.Marshal())
	}
	if ioErr == nil {
		c.recordWrite(req)
	}

	d.ReleaseInterval(req)
	c.epochs.MayFinish(req.Epoch, epoch.EvPut)
	c.freeRequest(req)
	if req.OnComplete != nil {
		req.OnComplete(ioErr)
	}
}

func (c *Connection) receiveBarrier(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.Barrier
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	e, res := c.epochs.GotBarrier(p.BarrierNr)
	switch c.epochs.Ordering() {
	case epoch.OrderNone, epoch.OrderBioBarrier:
		// Completion events finish the epoch on their own.
	case epoch.OrderDrainIO:
		if res == epoch.StillLive {
			c.epochs.WaitDrained(e, c.stop)
			c.epochs.MayFinish(e, epoch.EvBarrierDone)
		}
	case epoch.OrderBdevFlush:
		if res == epoch.StillLive {
			c.epochs.WaitDrained(e, c.stop)
			if c.epochs.MarkFlushIssued(e) {
				err := c.flushDevices()
				if err != nil {
					c.epochs.Degrade(epoch.OrderDrainIO)
				}
				c.epochs.MayFinish(e, epoch.EvBarrierDone)
			}
		}
	}
	c.epochs.StartNewEpoch()
	return nil
}

func (c *Connection) flushDevices() error {
	var firstErr error
	c.eachPeerDevice(func(pd *PeerDevice) {
		if err := pd.Device.Backend().Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		log.Info().Err(firstErr).Msg("local disk flush failed")
	}
	return firstErr
}

func (c *Connection) receiveUnplugRemote(pi protocol.Info) error {
	// The peer flushed its request queue; nothing to kick with a
	// completion-driven submit queue.
	_, err := c.readPayload(pi)
	return err
}

func (c *Connection) receiveDelayProbe(pi protocol.Info) error {
	_, err := c.readPayload(pi)
	return err
}

// completionLoop turns block-layer completions back into pipeline
// events for one device.
func (c *Connection) completionLoop(d *Device) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case comp, ok := <-d.queue.Completions():
			if !ok {
				return
			}
			req, ok := d.inflight.Lookup(comp.Req.Tag)
			if !ok {
				// Completion for a request freed during teardown.
				continue
			}
			switch req.CurrentQueue() {
			case QueueActive:
				c.writeCompleted(req, comp.Err)
			case QueueSync:
				c.resyncWriteCompleted(req, comp.Err)
			case QueueRead:
				c.readCompleted(req, comp.Err)
			default:
				log.Error().
					Str("queue", req.CurrentQueue().String()).
					Uint64("sector", req.Sector).
					Msg("completion for request on unexpected queue")
			}
		}
	}
}
