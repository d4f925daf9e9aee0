package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral port and releases it so a later bind of
// the same address succeeds.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestPairConnsLoopback(t *testing.T) {
	addrA := freePort(t)
	addrB := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	run := func(local, peer string) (*Pair, error) {
		return PairConns(ctx, NewListenerSet(), PairConfig{
			LocalAddr:   local,
			PeerAddr:    peer,
			DialTimeout: time.Second,
			AcceptWait:  200 * time.Millisecond,
			SettleWait:  50 * time.Millisecond,
		})
	}

	var wg sync.WaitGroup
	var pairA, pairB *Pair
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); pairA, errA = run(addrA, addrB) }()
	go func() { defer wg.Done(); pairB, errB = run(addrB, addrA) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	defer pairA.Close()
	defer pairB.Close()

	// Exactly one end accepted the meta socket and resolves conflicts.
	assert.NotEqual(t, pairA.ResolveConflicts, pairB.ResolveConflicts)

	// Both ends agree on which socket is which.
	for _, s := range []struct {
		name string
		a, b net.Conn
	}{
		{"data", pairA.Data, pairB.Data},
		{"meta", pairA.Meta, pairB.Meta},
	} {
		msg := []byte("ping-" + s.name)
		_, err := s.a.Write(msg)
		require.NoError(t, err, s.name)
		got := make([]byte, len(msg))
		s.b.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(s.b, got)
		require.NoError(t, err, s.name)
		assert.Equal(t, msg, got, s.name)
	}
}

func TestUnknownPeerRejected(t *testing.T) {
	set := NewListenerSet()
	w, err := set.Register("127.0.0.1:0", "10.255.1.2:7788")
	require.NoError(t, err)
	defer w.Close()

	conn, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "unexpected connection must be closed")

	select {
	case <-w.Accepted():
		t.Fatal("socket delivered to a waiter for another peer")
	default:
	}
}

func TestBusyWaiterRejected(t *testing.T) {
	set := NewListenerSet()
	w, err := set.Register("127.0.0.1:0", "127.0.0.1:1")
	require.NoError(t, err)
	defer w.Close()

	first, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	// The waiter holds the first socket; a second one is rejected.
	require.Eventually(t, func() bool { return len(w.Accepted()) == 1 },
		5*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	delivered := <-w.Accepted()
	delivered.Close()
}

func TestListenerSharedAndRefcounted(t *testing.T) {
	set := NewListenerSet()
	w1, err := set.Register("127.0.0.1:0", "10.0.0.1:7788")
	require.NoError(t, err)
	w2, err := set.Register("127.0.0.1:0", "10.0.0.2:7788")
	require.NoError(t, err)

	assert.Equal(t, w1.Addr().String(), w2.Addr().String(), "same bind shares one listener")

	_, err = set.Register("127.0.0.1:0", "10.0.0.1:9999")
	assert.Error(t, err, "duplicate peer on one listener")

	w1.Close()
	conn, err := net.Dial("tcp", w2.Addr().String())
	require.NoError(t, err, "listener must survive while a waiter remains")
	conn.Close()

	addr := w2.Addr().String()
	w2.Close()
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "listener must close with the last waiter")
}

func TestIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "connection refused: %v", err)

	assert.True(t, IsTransient(io.EOF))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("disk on fire")))
}
