package czrpc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// idleSweepInterval is how often the server checks subscriber connections
// against cfg.heartbeatTimeout, matching the protocol's documented 1 s sweep
// cadence used elsewhere (async client timeout sweep).
const idleSweepInterval = time.Second

// Server listens on one or more TCP endpoints, round-robins accepted
// sockets across an IO-assignment pool, and dispatches routed frames
// through a Router. It is the Go translation of the original server.hpp +
// its io_service/thread_pool pair: Go's scheduler already multiplexes
// socket readiness, so "ios_threads" becomes the width of the
// accepted-connection distribution pool rather than a reactor size.
type Server struct {
	cfg    *serverConfig
	router *Router

	mu        sync.Mutex
	listeners []net.Listener
	ioQueues  []chan net.Conn
	conns     sync.Map // *Conn -> struct{}, every currently accepted connection
	idleSweep *ticker
	wg        sync.WaitGroup
	closed    bool
}

// NewServer builds a Server. Call Serve to start listening.
func NewServer(opts ...ServerOption) *Server {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Server{
		cfg:    cfg,
		router: NewRouter(cfg.workThreads, cfg.log),
	}
}

// Router exposes the server's handler-binding surface.
func (s *Server) Router() *Router { return s.router }

// Serve binds every configured listen endpoint and begins accepting. It
// returns once all listeners are bound, propagating the first bind failure
// to the caller -- unrecoverable startup errors are the one class of error
// this package surfaces rather than swallowing, per the error handling
// design.
func (s *Server) Serve() error {
	if len(s.cfg.listen) == 0 {
		return errors.New("czrpc: no listen endpoints configured")
	}

	s.ioQueues = make([]chan net.Conn, s.cfg.ioThreads)
	for i := range s.ioQueues {
		s.ioQueues[i] = make(chan net.Conn, 64)
		s.wg.Add(1)
		go s.ioWorker(s.ioQueues[i])
	}

	for _, addr := range s.cfg.listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "czrpc: listen %s", addr)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}

	if s.cfg.heartbeatTimeout > 0 {
		s.idleSweep = newTicker(idleSweepInterval, true, s.sweepIdleSubscribers)
	}
	return nil
}

// sweepIdleSubscribers disconnects any subscriber connection that has sent
// nothing (no heartbeat, no other request) for at least cfg.heartbeatTimeout.
// Non-subscriber connections, and subscribers whose kind has not yet been
// observed, are left alone.
func (s *Server) sweepIdleSubscribers() {
	s.conns.Range(func(key, _ any) bool {
		c := key.(*Conn)
		kind, ok := c.Kind()
		if !ok || kind != wire.KindSub {
			return true
		}
		if c.IdleFor() >= s.cfg.heartbeatTimeout {
			s.cfg.log.WithField("session", c.SessionID()).Warn("czrpc: disconnecting idle subscriber")
			_ = c.Disconnect()
		}
		return true
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	var next int
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.cfg.log.WithError(err).Warn("czrpc: accept failed")
			return
		}
		q := s.ioQueues[next%len(s.ioQueues)]
		next++
		select {
		case q <- conn:
		default:
			// IO queue saturated: hand off synchronously rather than drop
			// the socket.
			q <- conn
		}
	}
}

func (s *Server) ioWorker(q chan net.Conn) {
	defer s.wg.Done()
	for raw := range q {
		s.startConn(raw)
	}
}

func (s *Server) startConn(raw net.Conn) {
	var c *Conn
	c = NewConn(raw, WithConnLogger(s.cfg.log))
	s.conns.Store(c, struct{}{})
	c.Start(s.router.Route, func(_ *Conn, err error) {
		s.onDisconnect(c, err)
	})
	s.onConnect(c)
}

func (s *Server) onConnect(c *Conn) {
	if s.cfg.connectNotify == nil {
		return
	}
	if sid := c.SessionID(); sid != "" {
		s.cfg.connectNotify(sid)
	}
}

func (s *Server) onDisconnect(c *Conn, err error) {
	s.conns.Delete(c)
	if kind, ok := c.Kind(); ok && kind == wire.KindSub {
		s.router.handleDisconnect(c)
	}
	if s.cfg.disconnectNotify == nil {
		return
	}
	if sid := c.SessionID(); sid != "" {
		s.cfg.disconnectNotify(sid)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the acceptor pool, then the IO-assignment pool, in reverse
// order of acquisition, per the shutdown policy in the concurrency model.
// The dispatch worker pool (Router) drains its own in-flight tasks as they
// naturally complete; Close does not wait for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, q := range s.ioQueues {
		close(q)
	}
	if s.idleSweep != nil {
		s.idleSweep.stop()
	}
	s.wg.Wait()
	return firstErr
}
