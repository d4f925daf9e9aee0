package replication

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/replimesh/replimesh/internal/auth"
	"github.com/replimesh/replimesh/internal/bitmap"
	"github.com/replimesh/replimesh/internal/meta"
	"github.com/replimesh/replimesh/internal/protocol"
	"github.com/replimesh/replimesh/internal/transport"
	"github.com/replimesh/replimesh/internal/twopc"
	"github.com/replimesh/replimesh/internal/uuids"
)

// featuresVersion frames the feature packet, which predates version
// negotiation and always uses the oldest header.
const featuresVersion = 80

// maxBitmapPayload caps one bitmap packet.
const maxBitmapPayload = 4096

func hmacEqual(a, b []byte) bool { return hmac.Equal(a, b) }

// integrityHash maps a negotiated integrity algorithm name to a hash
// constructor. An empty name disables payload digests.
func integrityHash(alg string) (func() hash.Hash, error) {
	switch alg {
	case "":
		return nil, nil
	case "sha256":
		return sha256.New, nil
	case "blake2b":
		return func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}, nil
	default:
		return nil, fmt.Errorf("unknown integrity algorithm %q", alg)
	}
}

// digestHash resolves a verify or checksum algorithm name to a fresh
// hash context. An unnamed or unknown algorithm falls back to sha256.
func digestHash(alg string) hash.Hash {
	if mk, err := integrityHash(alg); err == nil && mk != nil {
		return mk()
	}
	return sha256.New()
}

// verifyHash returns the digest context for online verify, as
// negotiated by the last SyncParam exchange.
func (c *Connection) verifyHash() hash.Hash {
	c.mu.Lock()
	alg := c.verifyAlg
	c.mu.Unlock()
	return digestHash(alg)
}

// csumHash returns the digest context for checksum-based resync.
func (c *Connection) csumHash() hash.Hash {
	c.mu.Lock()
	alg := c.csumAlg
	c.mu.Unlock()
	return digestHash(alg)
}

// State word layout: role in bits 0-1, disk state in bits 2-5,
// replication state in bits 6-9.
func encodeStateWord(role uuids.Role, disk uuids.DiskState, repl ReplState) uint32 {
	return uint32(role)&0x3 | (uint32(disk)&0xf)<<2 | (uint32(repl)&0xf)<<6
}

func decodeStateWord(w uint32) (uuids.Role, uuids.DiskState, ReplState) {
	role := uuids.Role(w & 0x3)
	disk := uuids.DiskState((w >> 2) & 0xf)
	repl := ReplState((w >> 6) & 0xf)
	if role > uuids.Primary {
		role = uuids.Secondary
	}
	if disk > uuids.UpToDate {
		disk = uuids.Diskless
	}
	if repl > ReplBehind {
		repl = ReplOff
	}
	return role, disk, repl
}

// establish runs the post-pairing setup on a fresh socket pair: feature
// negotiation, optional authentication, parameter exchange, and finally
// starting the per-connection goroutines.
func (c *Connection) establish(pair *transport.Pair) error {
	r := c.resource
	opts := &r.opts

	c.mu.Lock()
	c.dataSock = pair.Data
	c.metaSock = pair.Meta
	c.resolveConflicts = pair.ResolveConflicts
	c.mu.Unlock()

	version, features, err := c.exchangeFeatures(pair)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.version = version
	c.features = features
	c.mu.Unlock()
	log.Info().
		Str("peer", c.PeerAddr).
		Int("version", version).
		Uint32("features", features).
		Msg("protocol agreed")

	if opts.Secret != "" {
		cfg := &auth.Config{
			Secret:     opts.Secret,
			Algorithm:  opts.Algorithm,
			SelfNodeID: int(r.NodeID),
			PeerNodeID: int(c.PeerNodeID),
			Version:    version,
		}
		if err := auth.Run(pair.Data, cfg); err != nil {
			return classed(ClassProtocolIncompatible, "%w", err)
		}
	}

	mk, err := integrityHash(opts.IntegrityAlg)
	if err != nil {
		return classed(ClassProtocolIncompatible, "%w", err)
	}
	c.mu.Lock()
	c.integrity = mk
	c.mu.Unlock()

	if err := c.transition(CConnected, nil); err != nil {
		return classed(ClassStateConflict, "%w", err)
	}

	if err := c.attachDevices(); err != nil {
		return err
	}

	c.wg.Add(4)
	go c.senderLoop(pair.Data, c.sendQ)
	go c.senderLoop(pair.Meta, c.ackQ)
	go c.receiverLoop()
	go c.ackReaderLoop()
	c.wg.Add(1)
	go c.pingLoop()
	c.eachPeerDevice(func(pd *PeerDevice) {
		c.wg.Add(1)
		go c.completionLoop(pd.Device)
	})

	c.sendParameters()
	return nil
}

// exchangeFeatures trades the feature packet and settles on a protocol
// version and the intersection of the feature flags.
func (c *Connection) exchangeFeatures(pair *transport.Pair) (int, uint32, error) {
	r := c.resource
	ours := protocol.Features{
		ProtocolMin:    protocol.VersionMin,
		FeatureFlags:   protocol.FeatureTrim,
		ProtocolMax:    protocol.VersionMax,
		SenderNodeID:   r.NodeID,
		ReceiverNodeID: c.PeerNodeID,
	}
	if err := protocol.WriteFrame(pair.Data, featuresVersion,
		protocol.CmdConnectionFeatures, -1, ours.Marshal()); err != nil {
		return 0, 0, classed(ClassNetworkTransient, "sending features: %w", err)
	}

	pi, err := protocol.ReadHeader(pair.Data, featuresVersion)
	if err != nil {
		return 0, 0, classed(ClassNetworkTransient, "reading features: %w", err)
	}
	if pi.Cmd != protocol.CmdConnectionFeatures {
		return 0, 0, classed(ClassProtocolIncompatible,
			"expected ConnectionFeatures packet, received %s", pi.Cmd)
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return 0, 0, err
	}
	var theirs protocol.Features
	if err := theirs.Unmarshal(buf); err != nil {
		return 0, 0, classed(ClassProtocolIncompatible, "%w", err)
	}

	version := protocol.VersionMax
	if int(theirs.ProtocolMax) < version {
		version = int(theirs.ProtocolMax)
	}
	if version < protocol.VersionMin || version < int(theirs.ProtocolMin) {
		return 0, 0, classed(ClassProtocolIncompatible,
			"incompatible protocol versions: peer [%d,%d], local [%d,%d]",
			theirs.ProtocolMin, theirs.ProtocolMax,
			protocol.VersionMin, protocol.VersionMax)
	}
	if theirs.SenderNodeID >= 0 && c.PeerNodeID >= 0 && theirs.SenderNodeID != c.PeerNodeID {
		return 0, 0, classed(ClassStateConflict,
			"peer announced node id %d, expected %d", theirs.SenderNodeID, c.PeerNodeID)
	}
	return version, ours.FeatureFlags & theirs.FeatureFlags, nil
}

// attachDevices builds the per-volume peer-device state, loading the
// UUID vectors and out-of-sync bitmaps from the metadata stores.
func (c *Connection) attachDevices() error {
	var firstErr error
	c.resource.eachDevice(func(d *Device) {
		pd := newPeerDevice(c, d)
		bits := (d.Backend().Sectors() + sectorsPerBit - 1) / sectorsPerBit
		if store := d.Store(); store != nil {
			sb, err := store.Load()
			if err != nil {
				if firstErr == nil {
					firstErr = classed(ClassLocalIO, "volume %d metadata: %w", d.Volume, err)
				}
				return
			}
			pd.self = sb.Vector()
			pd.crashedPrimary = sb.CrashedPrimary
			bm, err := store.LoadBitmap(int(c.PeerNodeID), bits)
			if err != nil {
				if firstErr == nil {
					firstErr = classed(ClassLocalIO, "volume %d bitmap: %w", d.Volume, err)
				}
				return
			}
			pd.outOfSync = bm
		} else {
			pd.self = &uuids.Vector{Current: uuids.JustCreated}
			pd.outOfSync = bitmap.New(bits)
		}
		c.mu.Lock()
		c.peerDevices[d.Volume] = pd
		c.mu.Unlock()
	})
	return firstErr
}

func (c *Connection) localNetProtocol() *protocol.NetProtocol {
	opts := &c.resource.opts
	p := &protocol.NetProtocol{
		WireProtocol: opts.WireProtocol,
		AfterSB0p:    uint32(opts.AfterSB0p),
		AfterSB1p:    uint32(opts.AfterSB1p),
		AfterSB2p:    uint32(opts.AfterSB2p),
		IntegrityAlg: opts.IntegrityAlg,
	}
	if opts.TwoPrimaries {
		p.TwoPrimaries = 1
	}
	if opts.DiscardMyData {
		p.ConnFlags |= 1
	}
	return p
}

// sendParameters pushes the net options and the per-volume parameter
// packets the peer needs before data can flow.
func (c *Connection) sendParameters() {
	opts := &c.resource.opts
	c.queueFrame(protocol.CmdProtocol, -1, c.localNetProtocol().Marshal())

	c.eachPeerDevice(func(pd *PeerDevice) {
		d := pd.Device
		sp := protocol.SyncParam{
			ResyncRate: opts.ResyncRate,
			VerifyAlg:  opts.VerifyAlg,
			CsumAlg:    opts.CsumAlg,
		}
		c.queueFrame(protocol.CmdSyncParam89, d.Volume, sp.Marshal())

		sectors := d.Backend().Sectors()
		sz := protocol.Sizes{
			DiskSize:   sectors,
			CurSize:    sectors,
			MaxBioSize: maxRequestSize,
		}
		c.queueFrame(protocol.CmdSizes, d.Volume, sz.Marshal())

		c.sendUUIDs(pd)

		role := uuids.Secondary
		if opts.Primary {
			role = uuids.Primary
		}
		st := protocol.State{State: encodeStateWord(role, d.DiskState(), pd.ReplState())}
		c.queueFrame(protocol.CmdState, d.Volume, st.Marshal())
	})
}

func (c *Connection) sendUUIDs(pd *PeerDevice) {
	opts := &c.resource.opts
	d := pd.Device
	slot := c.peerSlot()

	pd.mu.Lock()
	self := *pd.self
	dirty := uint64(0)
	if pd.outOfSync != nil {
		dirty = pd.outOfSync.Weight()
	}
	crashed := pd.crashedPrimary
	pd.mu.Unlock()

	var flags uint64
	if opts.DiscardMyData {
		flags |= protocol.UUIDFlagDiscardMyData
	}
	if crashed {
		flags |= protocol.UUIDFlagCrashedPrimary
	}
	if d.DiskState() <= uuids.Inconsistent {
		flags |= protocol.UUIDFlagInconsistent
	}

	if c.Version() >= protocol.Version110 {
		p := protocol.UUIDs110{
			Current:    self.Current,
			Dirty:      dirty,
			Flags:      flags,
			NodeMask:   1<<uint(c.resource.selfSlot()) | 1<<uint(slot),
			BitmapMask: 1 << uint(slot),
		}
		p.BitmapUUIDs = []uint64{self.Bitmap[slot]}
		for _, h := range self.History {
			if h != 0 {
				p.History = append(p.History, h)
			}
		}
		c.queueFrame(protocol.CmdUUIDs110, d.Volume, p.Marshal())
		return
	}

	p := protocol.UUIDs{
		Current: self.Current,
		Bitmap:  self.Bitmap[slot],
		History: [2]uint64{self.History[0], self.History[1]},
		Dirty:   dirty,
		Flags:   flags,
	}
	c.queueFrame(protocol.CmdUUIDs, d.Volume, p.Marshal())
}

func (c *Connection) receiveProtocol(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.NetProtocol
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	if pi.Cmd == protocol.CmdProtocol {
		want := c.localNetProtocol()
		switch {
		case p.WireProtocol != want.WireProtocol:
			return classed(ClassProtocolIncompatible,
				"incompatible communication protocols: peer %d, local %d",
				p.WireProtocol, want.WireProtocol)
		case p.AfterSB0p != want.AfterSB0p:
			return classed(ClassProtocolIncompatible, "incompatible after-sb-0pri settings")
		case p.AfterSB1p != want.AfterSB1p:
			return classed(ClassProtocolIncompatible, "incompatible after-sb-1pri settings")
		case p.AfterSB2p != want.AfterSB2p:
			return classed(ClassProtocolIncompatible, "incompatible after-sb-2pri settings")
		case p.TwoPrimaries != want.TwoPrimaries:
			return classed(ClassProtocolIncompatible, "incompatible allow-two-primaries settings")
		case p.IntegrityAlg != want.IntegrityAlg:
			return classed(ClassProtocolIncompatible,
				"incompatible data-integrity algorithms: peer %q, local %q",
				p.IntegrityAlg, want.IntegrityAlg)
		}
	}

	mk, err := integrityHash(p.IntegrityAlg)
	if err != nil {
		return classed(ClassProtocolIncompatible, "%w", err)
	}
	c.mu.Lock()
	c.net = p
	c.integrity = mk
	c.mu.Unlock()
	return nil
}

func (c *Connection) receiveSyncParam(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}

	var p protocol.SyncParam
	if len(buf) >= 4 && len(buf) < 24 {
		// The oldest SyncParam variant carried only the rate.
		p.ResyncRate = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	} else if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	for _, alg := range []string{p.VerifyAlg, p.CsumAlg} {
		if _, err := integrityHash(alg); err != nil {
			return classed(ClassProtocolIncompatible, "%w", err)
		}
	}

	pd.mu.Lock()
	pd.resyncRate = uint64(p.ResyncRate)
	pd.mu.Unlock()
	c.mu.Lock()
	c.verifyAlg = p.VerifyAlg
	c.csumAlg = p.CsumAlg
	c.mu.Unlock()
	log.Debug().
		Int("volume", pd.Device.Volume).
		Uint32("resync_rate", p.ResyncRate).
		Str("verify_alg", p.VerifyAlg).
		Str("csum_alg", p.CsumAlg).
		Msg("sync parameters from peer")
	return nil
}

func (c *Connection) receiveSizes(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.Sizes
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	local := pd.Device.Backend().Sectors()
	if p.CurSize != 0 && p.CurSize != local {
		log.Warn().
			Int("volume", pd.Device.Volume).
			Uint64("local_sectors", local).
			Uint64("peer_sectors", p.CurSize).
			Msg("device size mismatch with peer")
	}
	pd.mu.Lock()
	pd.peerSectors = p.CurSize
	pd.mu.Unlock()
	return nil
}

func (c *Connection) receiveUUIDs(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.UUIDs
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	pd.mu.Lock()
	pd.peer = uuids.PeerVector{
		Current:        p.Current,
		CrashedPrimary: p.Flags&protocol.UUIDFlagCrashedPrimary != 0,
		DiscardMyData:  p.Flags&protocol.UUIDFlagDiscardMyData != 0,
		DirtyBits:      p.Dirty,
	}
	pd.peer.Bitmap[c.resource.selfSlot()] = p.Bitmap
	pd.peer.History[0] = p.History[0]
	pd.peer.History[1] = p.History[1]
	if p.Flags&protocol.UUIDFlagInconsistent != 0 {
		pd.peerDisk = uuids.Inconsistent
	}
	pd.uuidsReceived = true
	pd.mu.Unlock()
	return c.maybeHandshake(pd)
}

func (c *Connection) receiveUUIDs110(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.UUIDs110
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	pd.mu.Lock()
	pd.peer = uuids.PeerVector{
		Current:        p.Current,
		CrashedPrimary: p.Flags&protocol.UUIDFlagCrashedPrimary != 0,
		DiscardMyData:  p.Flags&protocol.UUIDFlagDiscardMyData != 0,
		DirtyBits:      p.Dirty,
	}
	// Bitmap UUIDs arrive in ascending slot order of the mask bits.
	idx := 0
	for slot := 0; slot < uuids.MaxNodes && idx < len(p.BitmapUUIDs); slot++ {
		if p.BitmapMask&(1<<uint(slot)) == 0 {
			continue
		}
		pd.peer.Bitmap[slot] = p.BitmapUUIDs[idx]
		idx++
	}
	for i, h := range p.History {
		if i >= uuids.HistorySize {
			break
		}
		pd.peer.History[i] = h
	}
	if p.Flags&protocol.UUIDFlagInconsistent != 0 {
		pd.peerDisk = uuids.Inconsistent
	}
	pd.uuidsReceived = true
	pd.mu.Unlock()
	return c.maybeHandshake(pd)
}

func (c *Connection) receiveState(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.State
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	role, disk, repl := decodeStateWord(p.State)

	pd.mu.Lock()
	pd.peerRole = role
	pd.peerDisk = disk
	pd.stateReceived = true
	pd.mu.Unlock()
	log.Debug().
		Int("volume", pd.Device.Volume).
		Str("role", role.String()).
		Str("disk", disk.String()).
		Str("repl", repl.String()).
		Msg("peer state")
	return c.maybeHandshake(pd)
}

// maybeHandshake runs the UUID handshake once both the peer's UUIDs and
// its state arrived and no replication state was decided yet.
func (c *Connection) maybeHandshake(pd *PeerDevice) error {
	pd.mu.Lock()
	ready := pd.uuidsReceived && pd.stateReceived && pd.repl == ReplOff && pd.self != nil
	pd.mu.Unlock()
	if !ready {
		return nil
	}
	return c.runHandshake(pd)
}

func (c *Connection) runHandshake(pd *PeerDevice) error {
	r := c.resource
	opts := &r.opts
	d := pd.Device
	slot := c.peerSlot()

	role := uuids.Secondary
	if opts.Primary {
		role = uuids.Primary
	}

	pd.mu.Lock()
	in := &uuids.HandshakeInput{
		CompareInput: uuids.CompareInput{
			Self:             pd.self,
			Peer:             &pd.peer,
			SelfNodeID:       r.selfSlot(),
			PeerNodeID:       slot,
			Protocol:         c.Version(),
			ResolveConflicts: c.ResolveConflicts(),
			CrashedPrimary:   pd.crashedPrimary,
		},
		Role:              role,
		PeerRole:          pd.peerRole,
		DiskState:         d.DiskState(),
		PeerDiskState:     pd.peerDisk,
		DiscardMyData:     opts.DiscardMyData,
		SelfChanged:       0,
		AfterSB0p:         opts.AfterSB0p,
		AfterSB1p:         opts.AfterSB1p,
		AfterSB2p:         opts.AfterSB2p,
		AlwaysAutoRecover: opts.AlwaysAutoRecover,
		RRConflict:        opts.RRConflict,
		DryRun:            opts.DryRun,
	}
	if pd.outOfSync != nil {
		in.SelfChanged = pd.outOfSync.Weight()
	}
	pd.mu.Unlock()

	res, err := uuids.Handshake(in)
	if err != nil {
		switch {
		case errors.Is(err, uuids.ErrSplitBrain):
			return classed(ClassSplitBrain, "volume %d: %w", d.Volume, err)
		case errors.Is(err, uuids.ErrDryRun):
			c.mu.Lock()
			c.disconnectExpect = true
			c.mu.Unlock()
			return classed(ClassStateConflict, "%w", err)
		default:
			var pr *uuids.ProtocolRequiredError
			if errors.As(err, &pr) {
				return classed(ClassProtocolIncompatible, "volume %d: %w", d.Volume, err)
			}
			return classed(ClassStateConflict, "volume %d: %w", d.Volume, err)
		}
	}

	pd.mu.Lock()
	switch res.Action {
	case uuids.ActionFullSync:
		pd.self.Bitmap[slot] = meta.NewUUID()
		if pd.outOfSync != nil {
			pd.outOfSync.SetAll()
		}
	case uuids.ActionClearBitmap:
		if pd.outOfSync != nil {
			pd.outOfSync.ClearAll()
		}
	case uuids.ActionCopySlot:
		if res.PeerNodeID >= 0 && res.PeerNodeID < uuids.MaxNodes {
			pd.self.Bitmap[slot] = pd.self.Bitmap[res.PeerNodeID]
		}
	}
	pd.mu.Unlock()
	pd.persist()

	switch res.Repl {
	case uuids.Established:
		pd.setReplState(ReplEstablished)
	case uuids.WFBitmapS:
		pd.setReplState(ReplWFBitmapS)
		c.sendBitmap(pd)
	case uuids.WFBitmapT:
		pd.setReplState(ReplWFBitmapT)
	}
	return nil
}

// sendBitmap transfers the out-of-sync bitmap, RLE-compressed. When a
// run is too long for the VLI code it falls back to a plain word
// transfer from the start; the receiver merges, so the overlap is
// harmless.
func (c *Connection) sendBitmap(pd *PeerDevice) {
	pd.mu.Lock()
	bm := pd.outOfSync
	pd.mu.Unlock()
	if bm == nil {
		return
	}
	d := pd.Device

	ctx := &bitmap.TransferCtx{}
	for !ctx.Done(bm) {
		pd.mu.Lock()
		payload, err := bm.EncodeRLE(ctx, maxBitmapPayload)
		pd.mu.Unlock()
		if err != nil {
			log.Debug().Err(err).Msg("bitmap compression failed, sending plain")
			c.sendBitmapPlain(pd, bm)
			return
		}
		ctx.Bytes[0] += uint64(len(payload))
		ctx.Packets[0]++
		c.queueFrame(protocol.CmdCompressedBitmap, d.Volume, payload)
	}
	log.Info().
		Int("volume", d.Volume).
		Uint64("packets", ctx.Packets[0]).
		Uint64("bytes", ctx.Bytes[0]).
		Msg("bitmap sent compressed")
}

func (c *Connection) sendBitmapPlain(pd *PeerDevice, bm *bitmap.Bitmap) {
	d := pd.Device
	const chunkWords = maxBitmapPayload / 8
	words := bm.Words()
	for off := uint64(0); off < words; off += chunkWords {
		n := uint64(chunkWords)
		if off+n > words {
			n = words - off
		}
		pd.mu.Lock()
		payload := bm.MarshalWords(off, n)
		pd.mu.Unlock()
		c.queueFrame(protocol.CmdBitmap, d.Volume, payload)
	}
}

func (c *Connection) receiveBitmap(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}

	pd.mu.Lock()
	bm := pd.outOfSync
	if bm == nil {
		pd.mu.Unlock()
		return classed(ClassStateConflict, "bitmap packet for detached volume %d", pd.Device.Volume)
	}
	done := false
	switch pi.Cmd {
	case protocol.CmdBitmap:
		if len(buf)%8 != 0 {
			pd.mu.Unlock()
			return classed(ClassNetworkFatal, "bitmap packet of %d bytes", len(buf))
		}
		if err := bm.MergeWords(pd.recvCtx.WordOffset, buf); err != nil {
			pd.mu.Unlock()
			return classed(ClassNetworkFatal, "%w", err)
		}
		pd.recvCtx.WordOffset += uint64(len(buf) / 8)
		pd.recvCtx.Bytes[1] += uint64(len(buf))
		pd.recvCtx.Packets[1]++
		done = pd.recvCtx.WordOffset >= bm.Words()
	case protocol.CmdCompressedBitmap:
		done, err = bm.DecodeRLE(&pd.recvCtx, buf)
		if err != nil {
			pd.mu.Unlock()
			return classed(ClassNetworkFatal, "%w", err)
		}
		pd.recvCtx.Bytes[0] += uint64(len(buf))
		pd.recvCtx.Packets[0]++
	}
	if done {
		log.Info().
			Int("volume", pd.Device.Volume).
			Uint64("rle_packets", pd.recvCtx.Packets[0]).
			Uint64("plain_packets", pd.recvCtx.Packets[1]).
			Msg("bitmap received")
		pd.recvCtx = bitmap.TransferCtx{}
	}
	pd.mu.Unlock()

	if done {
		c.bitmapTransferDone(pd)
	}
	return nil
}

// bitmapTransferDone advances the resync state machine after a whole
// bitmap arrived.
func (c *Connection) bitmapTransferDone(pd *PeerDevice) {
	switch pd.ReplState() {
	case ReplWFBitmapT:
		// The source's view is merged into ours; answer with the merged
		// bitmap and start pulling blocks.
		c.sendBitmap(pd)
		pd.setReplState(ReplSyncTarget)
		c.wg.Add(1)
		go pd.resyncLoop(c)
	case ReplWFBitmapS:
		pd.mu.Lock()
		if pd.outOfSync != nil {
			pd.rsTotal = pd.outOfSync.Weight()
		}
		pd.rsDone = 0
		pd.mu.Unlock()
		pd.setReplState(ReplSyncSource)
	default:
		log.Debug().
			Int("volume", pd.Device.Volume).
			Str("repl", pd.ReplState().String()).
			Msg("bitmap received outside a bitmap exchange")
	}
}

func (c *Connection) receiveSyncUUID(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.SyncUUID
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	pd.mu.Lock()
	pd.peer.Current = p.UUID
	pd.mu.Unlock()
	if pd.ReplState() == ReplWFSyncUUID {
		pd.setReplState(ReplSyncTarget)
		c.wg.Add(1)
		go pd.resyncLoop(c)
	}
	return nil
}

func (c *Connection) receiveOutOfSync(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.BlockDesc
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	pd.SetOutOfSync(p.Sector, p.BlkSize)
	return nil
}

func (c *Connection) receiveDagTag(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.DagTag
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	c.mu.Lock()
	c.peerDagTag = p.DagTag
	// Realign our tag counter so later writes carry the peer's
	// numbering; PeerAck settlement compares against it.
	c.lastDagTag = p.DagTag
	c.mu.Unlock()
	return nil
}

func (c *Connection) receivePeerDagTag(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.PeerDagTag
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	log.Debug().
		Int32("node", p.NodeID).
		Uint64("dagtag", p.DagTag).
		Msg("peer lags behind node")
	return nil
}

func (c *Connection) receiveCurrentUUID(pi protocol.Info) error {
	pd, err := c.volumeDevice(pi)
	if err != nil {
		return err
	}
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.CurrentUUID
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	pd.mu.Lock()
	pd.peer.Current = p.UUID
	pd.mu.Unlock()
	log.Info().
		Int("volume", pd.Device.Volume).
		Str("uuid", fmt.Sprintf("%016x", p.UUID)).
		Msg("peer rotated its current uuid")
	return nil
}

func (c *Connection) receivePriReachable(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.PriReachable
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	c.mu.Lock()
	c.priReachable = p.Reachable
	c.mu.Unlock()
	return nil
}

func (c *Connection) receiveTwopc(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.TwopcRequest
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}
	tp := c.resource.twopc
	if tp == nil {
		log.Debug().Uint32("tid", p.TID).Msg("two-phase commit request without a handler")
		return nil
	}
	tp.Handle(pi.Cmd, &p, func(cmd protocol.Command, reply *twopc.Reply) {
		c.queueAck(cmd, -1, reply.Wire().Marshal())
	})
	return nil
}

// One-phase state change return codes.
const (
	retSuccess          int32 = 1
	retRefusedByPrimary int32 = -8
	retConcurrentChange int32 = -18
)

// receiveStateChgRequest serves the pre-110 one-phase state change: the
// peer asks for a mask/value update of the shared state word and gets a
// return code on the meta socket. A prepared two-phase transaction
// outranks it.
func (c *Connection) receiveStateChgRequest(pi protocol.Info) error {
	buf, err := c.readPayload(pi)
	if err != nil {
		return err
	}
	var p protocol.RequestState
	if err := p.Unmarshal(buf); err != nil {
		return classed(ClassNetworkFatal, "%w", err)
	}

	replyCmd := protocol.CmdStateChgReply
	if pi.Cmd == protocol.CmdConnStateChgRequest {
		replyCmd = protocol.CmdConnStateChgReply
	}

	r := c.resource
	retcode := retSuccess
	// Role lives in bits 0-1 of the state word.
	const roleMask = uint32(0x3)
	if _, busy := r.twopc.InFlight(); busy {
		retcode = retConcurrentChange
	} else if r.opts.Primary && p.Mask&roleMask != 0 &&
		p.Val&roleMask != uint32(uuids.Primary) {
		// Refuse a change that would demote us while we hold the device.
		retcode = retRefusedByPrimary
	} else {
		r.mu.Lock()
		r.stateWord = r.stateWord&^p.Mask | p.Val&p.Mask
		r.mu.Unlock()
	}

	log.Info().
		Uint32("mask", p.Mask).
		Uint32("val", p.Val).
		Int32("retcode", retcode).
		Msg("one-phase state change")

	reply := protocol.StateChgReply{Retcode: retcode}
	c.queueAck(replyCmd, pi.Volume, reply.Marshal())
	return nil
}
