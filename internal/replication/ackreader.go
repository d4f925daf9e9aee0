package replication

import (
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replimesh/replimesh/internal/protocol"
)

// maxAckPayload bounds meta-socket payloads; everything on that socket
// is a small fixed-size control packet.
const maxAckPayload = 4096

// ackReaderLoop reads and dispatches packets on the meta socket. Acks
// must keep flowing even when the data socket is saturated with writes,
// which is the whole point of the second socket.
func (c *Connection) ackReaderLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		pi, err := protocol.ReadHeader(c.metaSocket(), c.Version())
		if err != nil {
			c.shutdown(classed(ClassNetworkFatal, "meta socket: %w", err))
			return
		}
		c.touchMeta()

		if pi.Size > maxAckPayload {
			c.shutdown(classed(ClassNetworkFatal, "%s ack payload of %d bytes", pi.Cmd, pi.Size))
			return
		}
		buf := make([]byte, pi.Size)
		if _, err := io.ReadFull(c.metaSocket(), buf); err != nil {
			c.shutdown(classed(ClassNetworkFatal, "%s ack payload: %w", pi.Cmd, err))
			return
		}

		if err := c.handleAck(pi, buf); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Connection) metaSocket() io.ReadWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metaSock
}

func (c *Connection) touchMeta() {
	c.mu.Lock()
	c.lastMetaReceived = time.Now()
	c.mu.Unlock()
}

func (c *Connection) handleAck(pi protocol.Info, buf []byte) error {
	switch pi.Cmd {
	case protocol.CmdPing:
		c.queueAck(protocol.CmdPingAck, -1, nil)
		return nil
	case protocol.CmdPingAck:
		return nil
	case protocol.CmdRecvAck, protocol.CmdWriteAck, protocol.CmdRSWriteAck,
		protocol.CmdSuperseded, protocol.CmdRetryWrite, protocol.CmdNegAck,
		protocol.CmdNegDReply, protocol.CmdNegRSDReply, protocol.CmdRSIsInSync,
		protocol.CmdRSCancel:
		return c.handleBlockAck(pi, buf)
	case protocol.CmdOVResult:
		return c.handleOVResult(pi, buf)
	case protocol.CmdBarrierAck:
		var p protocol.BarrierAck
		if err := p.Unmarshal(buf); err != nil {
			return classed(ClassNetworkFatal, "%w", err)
		}
		log.Debug().
			Uint32("barrier", p.BarrierNr).
			Uint32("set_size", p.SetSize).
			Msg("barrier ack from peer")
		return nil
	case protocol.CmdStateChgReply, protocol.CmdConnStateChgReply:
		var p protocol.StateChgReply
		if err := p.Unmarshal(buf); err != nil {
			return classed(ClassNetworkFatal, "%w", err)
		}
		log.Debug().Int32("retcode", p.Retcode).Msg("state change reply")
		return nil
	case protocol.CmdTwopcYes, protocol.CmdTwopcNo, protocol.CmdTwopcRetry:
		var p protocol.TwopcReply
		if err := p.Unmarshal(buf); err != nil {
			return classed(ClassNetworkFatal, "%w", err)
		}
		log.Debug().
			Str("verdict", pi.Cmd.String()).
			Uint32("tid", p.TID).
			Msg("two-phase commit reply")
		c.resource.twopcReplied(pi.Cmd, c.PeerNodeID, &p)
		return nil
	case protocol.CmdPeerAck:
		var p protocol.PeerAck
		if err := p.Unmarshal(buf); err != nil {
			return classed(ClassNetworkFatal, "%w", err)
		}
		return c.handlePeerAck(&p)
	case protocol.CmdPeersInSync:
		return c.handlePeersInSync(pi, buf)
	default:
		return classed(ClassNetworkFatal, "unexpected packet %s on meta socket", pi.Cmd)
	}
}

// handleBlockAck resolves one block ack: syncer acks adjust the bitmap
// by sector range; everything else refers to a tracked request cookie.
func (c *Connection) handleBlockAck(pi protocol.Info, buf []byte) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	var p protocol.BlockAck
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	if p.BlockID == protocol.IDSyncerCmd {
		// Resync-source side: the target wrote (or failed to write) one
		// resync block.
		switch pi.Cmd {
		case protocol.CmdRSWriteAck:
			pd.SetInSync(p.Sector, p.BlkSize)
			pd.mu.Lock()
			pd.rsDone += uint64(p.BlkSize) / bytesPerBit
			pd.mu.Unlock()
			pd.maybeFinishSource(c)
		case protocol.CmdNegAck:
			pd.SetOutOfSync(p.Sector, p.BlkSize)
			log.Warn().
				Uint64("sector", p.Sector).
				Msg("peer failed to write resync block")
		}
		return nil
	}

	req, ok := c.cookies.Lookup(p.BlockID)
	if !ok {
		log.Debug().
			Str("cmd", pi.Cmd.String()).
			Uint64("block_id", p.BlockID).
			Msg("ack for unknown request")
		return nil
	}
	c.cookies.Free(p.BlockID)

	var ioErr error
	switch pi.Cmd {
	case protocol.CmdNegAck, protocol.CmdNegDReply, protocol.CmdNegRSDReply:
		ioErr = classed(ClassLocalIO, "peer reported %s for sector %d", pi.Cmd, p.Sector)
		pd.SetOutOfSync(p.Sector, p.BlkSize)
	case protocol.CmdRSIsInSync:
		// Checksum resync: the block matched, no data transfer needed.
		pd.SetInSync(p.Sector, p.BlkSize)
		pd.mu.Lock()
		pd.rsDone += uint64(p.BlkSize) / bytesPerBit
		pd.mu.Unlock()
	case protocol.CmdSuperseded, protocol.CmdRetryWrite, protocol.CmdRSCancel:
		ioErr = classed(ClassStateConflict, "peer answered %s for sector %d", pi.Cmd, p.Sector)
	}
	if req.OnComplete != nil {
		req.OnComplete(ioErr)
	}
	return nil
}

func (c *Connection) handleOVResult(pi protocol.Info, buf []byte) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	var p protocol.BlockAck
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	if p.BlockID == protocol.IDOutOfSync {
		pd.SetOutOfSync(p.Sector, p.BlkSize)
		log.Warn().
			Int("volume", pd.Device.Volume).
			Uint64("sector", p.Sector).
			Msg("online verify mismatch reported by peer")
	}
	return nil
}

// handlePeerAck settles completed writes up to the acked dagtag
// against the sibling peers: every node in the mask holds the data,
// every node missing from it needs those blocks resynced.
func (c *Connection) handlePeerAck(p *protocol.PeerAck) error {
	// Completions land in disk order, not dagtag order; filter instead
	// of splitting.
	c.mu.Lock()
	var settled, pending []writeRecord
	for _, w := range c.recentWrites {
		if w.dagTag <= p.DagTag {
			settled = append(settled, w)
		} else {
			pending = append(pending, w)
		}
	}
	c.recentWrites = pending
	c.mu.Unlock()
	if len(settled) == 0 {
		return nil
	}

	for _, sib := range c.resource.Connections() {
		if sib == c || sib.PeerNodeID < 0 {
			continue
		}
		inMask := p.Mask&(1<<uint(sib.PeerNodeID)) != 0
		for _, w := range settled {
			pd, ok := sib.PeerDevice(w.volume)
			if !ok {
				continue
			}
			if inMask {
				pd.SetInSync(w.sector, w.size)
			} else {
				pd.SetOutOfSync(w.sector, w.size)
			}
		}
	}
	log.Debug().
		Uint64("mask", p.Mask).
		Uint64("dagtag", p.DagTag).
		Int("writes", len(settled)).
		Msg("peer ack settled")
	return nil
}

func (c *Connection) handlePeersInSync(pi protocol.Info, buf []byte) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	var p protocol.PeerBlockDesc
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	if p.Mask&(1<<uint(c.resource.selfSlot())) != 0 {
		pd.SetInSync(p.Sector, p.BlkSize)
	}
	return nil
}

// maybeFinishSource concludes the source side of a resync once the
// bitmap toward the peer is empty.
func (pd *PeerDevice) maybeFinishSource(c *Connection) {
	if pd.ReplState() != ReplSyncSource {
		return
	}
	if pd.OutOfSyncAmount() != 0 {
		return
	}
	pd.mu.Lock()
	slot := c.peerSlot()
	if pd.self != nil && pd.self.Bitmap[slot] != 0 {
		pd.self.PushHistory(pd.self.Bitmap[slot])
		pd.self.Bitmap[slot] = 0
	}
	done, total := pd.rsDone, pd.rsTotal
	pd.mu.Unlock()
	log.Info().
		Int("volume", pd.Device.Volume).
		Uint64("done", done).
		Uint64("total", total).
		Msg("resync finished on source")
	pd.setReplState(ReplEstablished)
	pd.persist()
}

// pingLoop keeps the meta socket verifiably alive: a ping goes out
// every ping interval, and silence longer than the interval plus the
// ping timeout tears the connection down.
func (c *Connection) pingLoop() {
	defer c.wg.Done()
	opts := &c.resource.opts
	interval := opts.PingInt
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			last := c.lastActivity()
			if !last.IsZero() && time.Since(last) > interval+timeout {
				c.shutdown(classed(ClassNetworkTransient,
					"peer did not answer within %s", interval+timeout))
				return
			}
			c.queueAck(protocol.CmdPing, -1, nil)
		}
	}
}
