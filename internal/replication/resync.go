package replication

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/blockdev"
	"github.com/replimesh/replimesh/internal/protocol"
	"github.com/replimesh/replimesh/internal/uuids"
)

// Bitmap granularity: one bit covers 4KiB (eight sectors).
const (
	bitShift      = 3 // sector -> bit
	sectorsPerBit = 1 << bitShift
	bytesPerBit   = sectorsPerBit * blockdev.SectorSize
)

// resyncRequestSize is how much one resync request covers (32 bits).
const resyncRequestSize = 32 * bytesPerBit

// resyncWindow bounds in-flight resync requests toward the source.
const resyncWindow = 32

func (pd *PeerDevice) nextAckSeq() uint32 {
	return atomic.AddUint32(&pd.ackSeq, 1)
}

// SetOutOfSync marks a sector range dirty toward this peer, rounding
// outward to bit granularity.
func (pd *PeerDevice) SetOutOfSync(sector uint64, size uint32) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.outOfSync == nil {
		return
	}
	from := sector >> bitShift
	to := (sector + uint64(size>>9) - 1) >> bitShift
	pd.outOfSync.SetRange(from, to)
}

// SetInSync clears dirty bits fully covered by the sector range.
func (pd *PeerDevice) SetInSync(sector uint64, size uint32) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.outOfSync == nil {
		return
	}
	end := sector + uint64(size>>9)
	from := (sector + sectorsPerBit - 1) >> bitShift
	if end < sectorsPerBit {
		return
	}
	to := (end >> bitShift)
	if to == 0 || from > to-1 {
		return
	}
	pd.outOfSync.ClearRange(from, to-1)
}

// OutOfSyncAmount returns the number of dirty bits toward the peer.
func (pd *PeerDevice) OutOfSyncAmount() uint64 {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.outOfSync == nil {
		return 0
	}
	return pd.outOfSync.Weight()
}

// receiveBlockRequest services DataRequest, RSDataRequest and OVRequest:
// read the range locally and answer with the matching reply packet.
func (c *Connection) receiveBlockRequest(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.BlockRequest
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	if p.BlkSize == 0 || p.BlkSize > maxRequestSize || p.BlkSize%blockdev.SectorSize != 0 {
		return classed(ClassNetworkFatal, "%s for %d bytes", pi.Cmd, p.BlkSize)
	}

	d := pd.Device
	ctx, cancel := context.WithTimeout(context.Background(), c.resource.opts.PingTimeout*10)
	defer cancel()
	bufs, err := c.resource.pool.Get(ctx, &d.PoolUsage, 1)
	if err != nil {
		return classed(ClassResource, "read buffer: %w", err)
	}

	req := &PeerRequest{
		Sector:     p.Sector,
		Size:       p.BlkSize,
		BlockID:    p.BlockID,
		Data:       bufs[0][:p.BlkSize],
		PeerDevice: pd,
		Origin:     pi.Cmd,
		bufs:       bufs,
		usage:      &d.PoolUsage,
	}
	d.queues.Move(req, QueueRead)
	req.cookie = d.inflight.Alloc(req)
	d.queue.Submit(blockdev.Request{
		Op:     blockdev.OpRead,
		Sector: req.Sector,
		Data:   req.Data,
		Size:   req.Size,
		Tag:    req.cookie,
	})
	return nil
}

// receiveDigestRequest services checksum-based resync: when the local
// block matches the digest the peer sent, only an in-sync ack goes
// back; otherwise the full block does.
func (c *Connection) receiveDigestRequest(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.BlockRequest
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	h := c.csumHash()
	if len(buf) != protocol.BlockRequestLen+h.Size() {
		return classed(ClassNetworkFatal, "%s with %d byte digest",
			pi.Cmd, len(buf)-protocol.BlockRequestLen)
	}
	digest := buf[protocol.BlockRequestLen:]

	d := pd.Device
	data := make([]byte, p.BlkSize)
	if err := d.Backend().ReadSectors(data, p.Sector); err != nil {
		ack := protocol.BlockAck{Sector: p.Sector, BlockID: p.BlockID, BlkSize: p.BlkSize,
			SeqNum: pd.nextAckSeq()}
		c.queueAck(protocol.CmdNegRSDReply, d.Volume, ack.Marshal())
		return nil
	}

	h.Write(data)
	if bytes.Equal(h.Sum(nil), digest) {
		ack := protocol.BlockAck{Sector: p.Sector, BlockID: p.BlockID, BlkSize: p.BlkSize,
			SeqNum: pd.nextAckSeq()}
		c.queueAck(protocol.CmdRSIsInSync, d.Volume, ack.Marshal())
		pd.SetInSync(p.Sector, p.BlkSize)
		return nil
	}

	reply := protocol.Data{Sector: p.Sector, BlockID: p.BlockID}
	c.queueReply(protocol.CmdRSDataReply, d.Volume, reply.Marshal(), data, nil)
	return nil
}

// readCompleted answers a serviced block request after the local read
// finished.
func (c *Connection) readCompleted(req *PeerRequest, ioErr error) {
	pd := req.PeerDevice
	d := pd.Device
	d.inflight.Free(req.cookie)
	d.queues.Move(req, QueueDone)

	if ioErr != nil {
		neg := protocol.CmdNegDReply
		if req.Origin != protocol.CmdDataRequest {
			neg = protocol.CmdNegRSDReply
		}
		log.Error().Err(ioErr).Uint64("sector", req.Sector).Msg("read for peer failed")
		ack := protocol.BlockAck{Sector: req.Sector, BlockID: req.BlockID,
			BlkSize: req.Size, SeqNum: pd.nextAckSeq()}
		c.queueAck(neg, d.Volume, ack.Marshal())
		c.freeRequest(req)
		return
	}

	switch req.Origin {
	case protocol.CmdDataRequest, protocol.CmdRSDataRequest:
		replyCmd := protocol.CmdDataReply
		if req.Origin == protocol.CmdRSDataRequest {
			replyCmd = protocol.CmdRSDataReply
		}
		hdr := protocol.Data{Sector: req.Sector, BlockID: req.BlockID}
		// The payload stays referenced until the sender wrote it out.
		d.queues.Move(req, QueueNet)
		c.resource.pool.MoveToNet(&d.PoolUsage, len(req.bufs))
		bufs := req.bufs
		req.bufs = nil
		c.queueReply(replyCmd, d.Volume, hdr.Marshal(), req.Data, func() {
			d.parkNetBuffers(bufs)
			d.queues.Move(req, QueueFreed)
		})
	case protocol.CmdOVRequest:
		h := c.verifyHash()
		h.Write(req.Data)
		hdr := protocol.Data{Sector: req.Sector, BlockID: req.BlockID}
		c.queueReply(protocol.CmdOVReply, d.Volume, hdr.Marshal(), h.Sum(nil), nil)
		c.freeRequest(req)
	default:
		log.Error().Str("origin", req.Origin.String()).Msg("read completion for unexpected origin")
		c.freeRequest(req)
	}
}

// queueReply queues a header+payload frame on the data socket with an
// optional sent callback. Block-data replies carry the negotiated
// integrity digest; digest replies are excluded, their payload already
// is one.
func (c *Connection) queueReply(cmd protocol.Command, volume int, hdr, data []byte, sent func()) {
	var digest []byte
	if cmd == protocol.CmdDataReply || cmd == protocol.CmdRSDataReply {
		c.mu.Lock()
		mk := c.integrity
		c.mu.Unlock()
		if mk != nil {
			h := mk()
			h.Write(data)
			digest = h.Sum(nil)
		}
	}
	payload := make([]byte, 0, len(hdr)+len(data)+len(digest))
	payload = append(payload, hdr...)
	payload = append(payload, data...)
	payload = append(payload, digest...)
	select {
	case c.sendQ <- outFrame{cmd: cmd, volume: volume, payload: payload, sent: sent}:
	case <-c.stop:
		if sent != nil {
			sent()
		}
	}
}

// receiveRSDataReply is the sync-target side of one resync block: the
// source answered our request, write it out and ack.
func (c *Connection) receiveRSDataReply(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	var p protocol.Data
	hdr := make([]byte, protocol.DataLen)
	if _, err := io.ReadFull(c.dataSocket(), hdr); err != nil {
		return classed(ClassNetworkFatal, "RSDataReply header: %w", err)
	}
	if err := p.Unmarshal(hdr); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	size := pi.Size - protocol.DataLen - uint32(c.digestSize())
	if size == 0 || size > maxRequestSize || size%blockdev.SectorSize != 0 {
		return classed(ClassNetworkFatal, "resync write of %d bytes", size)
	}

	want, ok := c.cookies.Lookup(p.BlockID)
	if !ok {
		// Stale reply for a cancelled resync request: drain and drop,
		// trailing digest included.
		_, err := c.readPayload(protocol.Info{Cmd: pi.Cmd, Size: size + uint32(c.digestSize())})
		return err
	}
	c.cookies.Free(p.BlockID)

	bufs, data, err := c.readDataPayload(pd, size)
	if err != nil {
		return err
	}
	d := pd.Device
	req := &PeerRequest{
		Sector:     want.Sector,
		Size:       size,
		BlockID:    p.BlockID,
		Data:       data,
		PeerDevice: pd,
		Origin:     protocol.CmdRSDataReply,
		OnComplete: want.OnComplete,
		bufs:       bufs,
		usage:      &d.PoolUsage,
	}
	req.Interval.Sector = req.Sector
	req.Interval.Size = req.Size
	d.InsertResyncInterval(&req.Interval)
	d.queues.Move(req, QueueSync)
	req.cookie = d.inflight.Alloc(req)
	d.queue.Submit(blockdev.Request{
		Op:     blockdev.OpWrite,
		Sector: req.Sector,
		Data:   req.Data,
		Size:   req.Size,
		Tag:    req.cookie,
	})
	return nil
}

// resyncWriteCompleted finishes one resync block on the target.
func (c *Connection) resyncWriteCompleted(req *PeerRequest, ioErr error) {
	pd := req.PeerDevice
	d := pd.Device
	d.inflight.Free(req.cookie)
	d.RemoveResyncInterval(&req.Interval)
	d.queues.Move(req, QueueDone)

	ack := protocol.BlockAck{
		Sector:  req.Sector,
		BlockID: protocol.IDSyncerCmd,
		BlkSize: req.Size,
		SeqNum:  pd.nextAckSeq(),
	}
	if ioErr != nil {
		log.Error().Err(ioErr).Uint64("sector", req.Sector).Msg("resync write failed")
		c.queueAck(protocol.CmdNegAck, d.Volume, ack.Marshal())
	} else {
		c.queueAck(protocol.CmdRSWriteAck, d.Volume, ack.Marshal())
		pd.SetInSync(req.Sector, req.Size)
		pd.mu.Lock()
		pd.rsDone += uint64(req.Size) / bytesPerBit
		pd.mu.Unlock()
	}
	c.freeRequest(req)
	if req.OnComplete != nil {
		req.OnComplete(ioErr)
	}
}

// receiveDataReply completes a read we sent to the peer.
func (c *Connection) receiveDataReply(pi protocol.Info) error {
	var p protocol.Data
	hdr := make([]byte, protocol.DataLen)
	if _, err := io.ReadFull(c.dataSocket(), hdr); err != nil {
		return classed(ClassNetworkFatal, "DataReply header: %w", err)
	}
	if err := p.Unmarshal(hdr); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	size := pi.Size - protocol.DataLen - uint32(c.digestSize())
	payload, err := c.readPayload(protocol.Info{Cmd: pi.Cmd, Size: size})
	if err != nil {
		return err
	}
	if err := c.verifyIntegrity(payload); err != nil {
		return err
	}

	req, ok := c.cookies.Lookup(p.BlockID)
	if !ok {
		log.Debug().Uint64("block_id", p.BlockID).Msg("data reply for freed request")
		return nil
	}
	c.cookies.Free(p.BlockID)
	if req.Data != nil {
		copy(req.Data, payload)
	}
	if req.OnComplete != nil {
		req.OnComplete(nil)
	}
	return nil
}

// receiveDigestReply is the verify-source side: compare the peer's
// digest with the local block and report the result on the meta socket.
func (c *Connection) receiveDigestReply(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.Data
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	peerDigest := buf[protocol.DataLen:]

	req, ok := c.cookies.Lookup(p.BlockID)
	if !ok {
		log.Debug().Uint64("block_id", p.BlockID).Msg("verify reply for freed request")
		return nil
	}
	c.cookies.Free(p.BlockID)

	d := pd.Device
	data := make([]byte, req.Size)
	resultID := protocol.IDInSync
	if err := d.Backend().ReadSectors(data, req.Sector); err != nil {
		resultID = protocol.IDOutOfSync
	} else {
		h := c.verifyHash()
		h.Write(data)
		if !bytes.Equal(h.Sum(nil), peerDigest) {
			resultID = protocol.IDOutOfSync
			pd.SetOutOfSync(req.Sector, req.Size)
			log.Warn().Uint64("sector", req.Sector).Msg("online verify found block out of sync")
		}
	}
	ack := protocol.BlockAck{Sector: req.Sector, BlockID: resultID,
		BlkSize: req.Size, SeqNum: pd.nextAckSeq()}
	c.queueAck(protocol.CmdOVResult, d.Volume, ack.Marshal())
	if req.OnComplete != nil {
		req.OnComplete(nil)
	}
	return nil
}

// resyncLoop is the sync-target requester: walk the out-of-sync bitmap
// and pull dirty ranges from the source, bounded by a request window
// and the configured resync rate.
func (pd *PeerDevice) resyncLoop(c *Connection) {
	defer c.wg.Done()
	d := pd.Device
	window := make(chan struct{}, resyncWindow)
	bit := uint64(0)

	pd.mu.Lock()
	pd.rsTotal = pd.outOfSync.Weight()
	pd.rsDone = 0
	rate := pd.resyncRate
	pd.mu.Unlock()
	if rate == 0 {
		rate = 250 << 10 // 250 MiB/s
	}
	log.Info().
		Int("volume", d.Volume).
		Uint64("blocks", pd.rsTotal).
		Msg("resync started")

	for pd.ReplState() == ReplSyncTarget {
		pd.mu.Lock()
		next, ok := pd.outOfSync.FindNextSet(bit)
		pd.mu.Unlock()
		if !ok {
			break
		}
		bit = next
		run := uint64(1)
		for run < resyncRequestSize/bytesPerBit {
			pd.mu.Lock()
			set := pd.outOfSync.Test(bit + run)
			pd.mu.Unlock()
			if !set {
				break
			}
			run++
		}

		select {
		case window <- struct{}{}:
		case <-c.stop:
			return
		}

		req := &PeerRequest{
			Sector:     bit * sectorsPerBit,
			Size:       uint32(run) * bytesPerBit,
			PeerDevice: pd,
			Origin:     protocol.CmdRSDataRequest,
			OnComplete: func(error) { <-window },
		}
		cookie := c.cookies.Alloc(req)
		p := protocol.BlockRequest{Sector: req.Sector, BlockID: cookie, BlkSize: req.Size}
		c.queueFrame(protocol.CmdRSDataRequest, d.Volume, p.Marshal())
		bit += run

		// Pace to the configured rate (KiB/s).
		delay := time.Duration(uint64(req.Size)) * time.Second / time.Duration(rate<<10)
		select {
		case <-time.After(delay):
		case <-c.stop:
			return
		}
	}

	// Wait for the window to drain before declaring the resync done.
	for i := 0; i < resyncWindow; i++ {
		select {
		case window <- struct{}{}:
		case <-c.stop:
			return
		}
	}
	if pd.ReplState() == ReplSyncTarget && pd.OutOfSyncAmount() == 0 {
		pd.finishResync(c)
	}
}

// finishResync concludes a target-side resync: adopt the source's
// current UUID, clear the bitmap slot and persist.
func (pd *PeerDevice) finishResync(c *Connection) {
	pd.mu.Lock()
	if pd.self != nil && pd.peer.Current != 0 {
		slot := c.peerSlot()
		pd.self.PushHistory(pd.self.Bitmap[slot])
		pd.self.Bitmap[slot] = 0
		pd.self.Current = pd.peer.Current
	}
	done, total := pd.rsDone, pd.rsTotal
	pd.mu.Unlock()

	log.Info().
		Int("volume", pd.Device.Volume).
		Uint64("done", done).
		Uint64("total", total).
		Msg("resync finished")
	pd.setReplState(ReplEstablished)
	pd.persist()
}

// persist writes the peer-device's UUID vector and bitmap out.
func (pd *PeerDevice) persist() {
	pd.mu.Lock()
	self := pd.self
	bm := pd.outOfSync
	pd.mu.Unlock()
	store := pd.Device.Store()
	if store == nil {
		return
	}
	sb, err := store.Load()
	if err != nil {
		log.Error().Err(err).Msg("loading superblock for update")
		return
	}
	if self != nil {
		sb.SetVector(self)
	}
	if err := store.Save(sb); err != nil {
		log.Error().Err(err).Msg("persisting superblock")
	}
	if bm != nil {
		if err := store.SaveBitmap(int(pd.Conn.PeerNodeID), bm); err != nil {
			log.Error().Err(err).Msg("persisting bitmap")
		}
	}
}

func (c *Connection) peerSlot() int {
	id := int(c.PeerNodeID)
	if id < 0 || id >= uuids.MaxNodes {
		return 0
	}
	return id
}
