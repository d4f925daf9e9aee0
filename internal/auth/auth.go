// Package auth implements the mutual HMAC challenge-response exchange
// that runs on the data socket after feature negotiation when a shared
// secret is configured.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/replimesh/replimesh/internal/protocol"
)

// ChallengeLen is the size of the random challenge each side sends.
const ChallengeLen = 64

// Authentication failures. All of them are fatal for the connection.
var (
	ErrReflectedChallenge = errors.New("auth: peer presented our own challenge")
	ErrBadDigest          = errors.New("auth: peer presented wrong digest")
	ErrUnknownAlgorithm   = errors.New("auth: unknown hmac algorithm")
)

// Config parameterizes one exchange.
type Config struct {
	Secret string

	// Algorithm is the negotiated HMAC hash, "sha256" or "blake2b".
	Algorithm string

	// SelfNodeID and PeerNodeID are mixed into the digests on protocol
	// 110 and newer to stop digest reflection between connections.
	SelfNodeID int
	PeerNodeID int

	Version int
}

func (c *Config) newHMAC() (func() hash.Hash, error) {
	key := []byte(c.Secret)
	switch c.Algorithm {
	case "", "sha256":
		return func() hash.Hash { return hmac.New(sha256.New, key) }, nil
	case "blake2b":
		return func() hash.Hash {
			h, err := blake2b.New256(key)
			if err != nil {
				// Only fails for oversized keys, which Validate on the
				// config layer rejects.
				panic(err)
			}
			return h
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAlgorithm, c.Algorithm)
	}
}

func (c *Config) digest(mk func() hash.Hash, challenge []byte, nodeID int) []byte {
	h := mk()
	h.Write(challenge)
	if c.Version >= protocol.Version110 {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], uint32(nodeID))
		h.Write(id[:])
	}
	return h.Sum(nil)
}

// Run performs the exchange over rw: send our challenge, receive the
// peer's, answer it with HMAC(secret, peer_challenge || our node id),
// and verify the peer's answer to ours. Both sides run the identical
// sequence, so the exchange is symmetric.
func Run(rw io.ReadWriter, cfg *Config) error {
	mk, err := cfg.newHMAC()
	if err != nil {
		return err
	}

	myChallenge := make([]byte, ChallengeLen)
	if _, err := rand.Read(myChallenge); err != nil {
		return fmt.Errorf("auth: generating challenge: %w", err)
	}
	if err := protocol.WriteFrame(rw, cfg.Version, protocol.CmdAuthChallenge, -1, myChallenge); err != nil {
		return fmt.Errorf("auth: sending challenge: %w", err)
	}

	peerChallenge, err := recvPayload(rw, cfg.Version, protocol.CmdAuthChallenge, ChallengeLen, 2*ChallengeLen)
	if err != nil {
		return err
	}
	if len(peerChallenge) == len(myChallenge) && hmac.Equal(peerChallenge, myChallenge) {
		return ErrReflectedChallenge
	}

	// Answer the peer's challenge; our node id binds the digest to this
	// connection's direction.
	response := cfg.digest(mk, peerChallenge, cfg.SelfNodeID)
	if err := protocol.WriteFrame(rw, cfg.Version, protocol.CmdAuthResponse, -1, response); err != nil {
		return fmt.Errorf("auth: sending response: %w", err)
	}

	want := cfg.digest(mk, myChallenge, cfg.PeerNodeID)
	got, err := recvPayload(rw, cfg.Version, protocol.CmdAuthResponse, len(want), len(want))
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrBadDigest
	}
	return nil
}

func recvPayload(r io.Reader, version int, cmd protocol.Command, minSize, maxSize int) ([]byte, error) {
	info, err := protocol.ReadHeader(r, version)
	if err != nil {
		return nil, fmt.Errorf("auth: reading header: %w", err)
	}
	if info.Cmd != cmd {
		return nil, fmt.Errorf("auth: expected %s packet, received %s (0x%04x)",
			cmd, info.Cmd, uint16(info.Cmd))
	}
	if int(info.Size) < minSize {
		return nil, fmt.Errorf("auth: %s payload too small (%d bytes)", cmd, info.Size)
	}
	if int(info.Size) > maxSize {
		return nil, fmt.Errorf("auth: %s payload too big (%d bytes)", cmd, info.Size)
	}
	buf := make([]byte, info.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("auth: reading %s payload: %w", cmd, err)
	}
	return buf, nil
}
