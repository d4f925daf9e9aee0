package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/replimesh/replimesh/internal/protocol"
)

// First packets are exchanged before feature negotiation, so they use
// the oldest header generation both ends are guaranteed to parse.
const firstPacketVersion = 80

// PairConfig parameterizes the dual-socket connect dance.
type PairConfig struct {
	LocalAddr string
	PeerAddr  string

	// DialTimeout bounds one outbound connect attempt.
	DialTimeout time.Duration

	// AcceptWait bounds one wait for an inbound socket before the next
	// outbound attempt.
	AcceptWait time.Duration

	// SettleWait is slept once both sockets are bound, before the final
	// liveness check confirms the peer kept them.
	SettleWait time.Duration
}

func (c *PairConfig) withDefaults() PairConfig {
	out := *c
	if out.DialTimeout == 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.AcceptWait == 0 {
		out.AcceptWait = time.Second
	}
	if out.SettleWait == 0 {
		out.SettleWait = 100 * time.Millisecond
	}
	return out
}

// Pair is an established data+meta socket pair toward one peer.
type Pair struct {
	Data net.Conn
	Meta net.Conn

	// ResolveConflicts is set on the side that accepted the meta socket.
	// Exactly one end of a connection carries it; that end decides
	// discard-versus-retry for concurrent overlapping writes.
	ResolveConflicts bool
}

// Close closes both sockets.
func (p *Pair) Close() {
	if p.Data != nil {
		p.Data.Close()
	}
	if p.Meta != nil {
		p.Meta.Close()
	}
}

// PairConns runs the connect dance against one peer: dial outbound
// sockets announcing their role with a first packet, collect inbound
// sockets from the shared listener classified by their first packet,
// and finish once a live data+meta pair is bound. Crossed roles drop
// the older socket and flip a coin before retrying, which breaks the
// symmetric race between two nodes connecting simultaneously.
func PairConns(ctx context.Context, set *ListenerSet, cfg PairConfig) (*Pair, error) {
	cfg = cfg.withDefaults()
	w, err := set.Register(cfg.LocalAddr, cfg.PeerAddr)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	var data, meta net.Conn
	resolveConflicts := false
	skipDial := false
	closeBoth := func() {
		if data != nil {
			data.Close()
			data = nil
		}
		if meta != nil {
			meta.Close()
			meta = nil
		}
	}

	for {
		if !skipDial {
			s, err := dialPeer(ctx, cfg)
			if err != nil && !IsTransient(err) {
				closeBoth()
				return nil, err
			}
			if s != nil {
				switch {
				case data == nil:
					data = s
					err = protocol.WriteFrame(s, firstPacketVersion, protocol.CmdInitialData, -1, nil)
				case meta == nil:
					resolveConflicts = false
					meta = s
					err = protocol.WriteFrame(s, firstPacketVersion, protocol.CmdInitialMeta, -1, nil)
				default:
					s.Close()
				}
				if err != nil {
					log.Warn().Err(err).Msg("sending initial packet failed")
				}
			}
		}
		skipDial = false

		if data != nil && meta != nil {
			select {
			case <-ctx.Done():
				closeBoth()
				return nil, ctx.Err()
			case <-time.After(cfg.SettleWait):
			}
			if socketOkay(&data) && socketOkay(&meta) {
				break
			}
		}

		select {
		case <-ctx.Done():
			closeBoth()
			return nil, ctx.Err()
		case <-time.After(cfg.AcceptWait):
		case s := <-w.Accepted():
			cmd, err := receiveFirstPacket(s, cfg.DialTimeout)
			socketOkay(&data)
			socketOkay(&meta)
			switch {
			case err == nil && cmd == protocol.CmdInitialData:
				if data != nil {
					log.Warn().Str("peer", cfg.PeerAddr).Msg("initial data packet crossed")
					data.Close()
					data = s
					skipDial = coinFlip()
					continue
				}
				data = s
			case err == nil && cmd == protocol.CmdInitialMeta:
				resolveConflicts = true
				if meta != nil {
					log.Warn().Str("peer", cfg.PeerAddr).Msg("initial meta packet crossed")
					meta.Close()
					meta = s
					skipDial = coinFlip()
					continue
				}
				meta = s
			default:
				log.Warn().Err(err).Str("peer", cfg.PeerAddr).Msg("error receiving initial packet")
				s.Close()
				skipDial = coinFlip()
				continue
			}
		}

		socketOkay(&data)
		socketOkay(&meta)
	}

	for _, c := range []net.Conn{data, meta} {
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
	}
	return &Pair{Data: data, Meta: meta, ResolveConflicts: resolveConflicts}, nil
}

func dialPeer(ctx context.Context, cfg PairConfig) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", cfg.PeerAddr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// receiveFirstPacket reads the role-announcing first packet from an
// accepted socket.
func receiveFirstPacket(conn net.Conn, timeout time.Duration) (protocol.Command, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	pi, err := protocol.ReadHeader(conn, firstPacketVersion)
	if err != nil {
		return 0, err
	}
	if pi.Size != 0 {
		return 0, fmt.Errorf("initial packet %s carries %d payload bytes", pi.Cmd, pi.Size)
	}
	return pi.Cmd, nil
}

// socketOkay checks whether the peer still holds the socket open,
// without consuming data. A dead socket is closed and *pc set to nil.
func socketOkay(pc *net.Conn) bool {
	if *pc == nil {
		return false
	}
	sc, ok := (*pc).(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		(*pc).Close()
		*pc = nil
		return false
	}

	alive := false
	raw.Read(func(fd uintptr) bool {
		var tb [4]byte
		n, _, err := unix.Recvfrom(int(fd), tb[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		alive = n > 0 || err == unix.EAGAIN
		return true
	})
	if !alive {
		(*pc).Close()
		*pc = nil
	}
	return alive
}

func coinFlip() bool {
	return rand.Intn(2) == 1
}

// IsTransient reports whether a network error is expected during normal
// connection establishment and should be retried rather than tearing
// the connection down.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		unix.ECONNREFUSED,
		unix.ECONNRESET,
		unix.ECONNABORTED,
		unix.ENETUNREACH,
		unix.EHOSTUNREACH,
		unix.EHOSTDOWN,
		unix.EADDRNOTAVAIL,
		unix.EINTR,
		unix.EAGAIN,
		unix.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
