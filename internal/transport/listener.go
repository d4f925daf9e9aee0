// Package transport establishes the paired data and meta sockets toward
// a peer. Listeners are shared between connections that bind the same
// local address; inbound accepts are dispatched to the waiter whose peer
// address matches the source of the connection.
package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// ListenerSet owns the shared listeners of one resource, keyed by local
// bind address.
type ListenerSet struct {
	mu        sync.Mutex
	listeners map[string]*sharedListener
}

// NewListenerSet creates an empty listener set.
func NewListenerSet() *ListenerSet {
	return &ListenerSet{listeners: make(map[string]*sharedListener)}
}

type sharedListener struct {
	set  *ListenerSet
	addr string
	ln   net.Listener
	refs int

	mu      sync.Mutex
	waiters map[string]*Waiter // keyed by peer host
	closed  bool
}

// Waiter links one connection to a shared listener. Inbound sockets from
// the registered peer address are delivered through Accepted; a waiter
// holds at most one undelivered socket, further accepts are rejected as
// busy until it is drained.
type Waiter struct {
	listener *sharedListener
	peerHost string
	accepted chan net.Conn
}

// Register acquires (creating if needed) the shared listener for
// localAddr and registers a waiter for inbound connections from
// peerAddr. The waiter must be released with Close.
func (s *ListenerSet) Register(localAddr, peerAddr string) (*Waiter, error) {
	peerHost, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		peerHost = peerAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.listeners[localAddr]
	if sl == nil {
		ln, err := net.Listen("tcp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", localAddr, err)
		}
		sl = &sharedListener{
			set:     s,
			addr:    localAddr,
			ln:      ln,
			waiters: make(map[string]*Waiter),
		}
		s.listeners[localAddr] = sl
		go sl.acceptLoop()
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, dup := sl.waiters[peerHost]; dup {
		return nil, fmt.Errorf("peer %s already has a waiter on %s", peerHost, localAddr)
	}
	w := &Waiter{
		listener: sl,
		peerHost: peerHost,
		accepted: make(chan net.Conn, 1),
	}
	sl.waiters[peerHost] = w
	sl.refs++
	return w, nil
}

// Addr returns the bound address of the underlying listener. Useful when
// the local address was registered with port 0.
func (w *Waiter) Addr() net.Addr {
	return w.listener.ln.Addr()
}

// Accepted returns the channel on which inbound sockets from the
// waiter's peer are delivered.
func (w *Waiter) Accepted() <-chan net.Conn {
	return w.accepted
}

// Close deregisters the waiter, dropping the shared listener when it was
// the last reference. An undelivered accepted socket is closed.
func (w *Waiter) Close() {
	sl := w.listener
	sl.set.mu.Lock()
	sl.mu.Lock()
	delete(sl.waiters, w.peerHost)
	sl.refs--
	last := sl.refs == 0
	if last {
		sl.closed = true
		delete(sl.set.listeners, sl.addr)
	}
	sl.mu.Unlock()
	sl.set.mu.Unlock()

	if last {
		sl.ln.Close()
	}
	select {
	case c := <-w.accepted:
		c.Close()
	default:
	}
}

func (sl *sharedListener) acceptLoop() {
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			sl.mu.Lock()
			closed := sl.closed
			sl.mu.Unlock()
			if closed {
				return
			}
			log.Warn().Err(err).Str("addr", sl.addr).Msg("accept failed")
			continue
		}
		sl.dispatch(conn)
	}
}

// dispatch hands an accepted socket to the waiter registered for its
// source address. Sockets from unknown peers, and sockets for waiters
// that already hold one, are closed.
func (sl *sharedListener) dispatch(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	sl.mu.Lock()
	w := sl.waiters[host]
	sl.mu.Unlock()

	if w == nil {
		log.Error().
			Str("from", conn.RemoteAddr().String()).
			Str("to", sl.addr).
			Msg("closing unexpected connection")
		conn.Close()
		return
	}
	select {
	case w.accepted <- conn:
	default:
		log.Error().
			Str("peer", host).
			Msg("receiver busy; rejecting incoming connection")
		conn.Close()
	}
}
