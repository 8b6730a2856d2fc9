package czrpc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// PushHandler receives a decoded typed push for a subscribed topic.
type PushHandler func(topic string, msg Message)

// RawPushHandler receives a raw-bytes push for a subscribed topic.
type RawPushHandler func(topic string, body []byte)

// Subscriber states, matching the state machine in the component design:
// disconnected -> (connect ok) -> reading -> (error) -> backoff -> (retry)
// -> reading | disconnected (on Close).
const (
	subStateDisconnected int32 = iota
	subStateReading
	subStateBackoff
)

// Subscriber maintains a local subscription table, replays it as
// subscribe-control frames on every (re)connect, and dispatches incoming
// pushes to the bound handler. Grounded in the original sub_client.hpp /
// sub_router.hpp.
type Subscriber struct {
	cfg *clientConfig

	mu      sync.Mutex
	conn    *Conn
	typed   map[string]PushHandler
	raw     map[string]RawPushHandler
	topicOf map[string]bool // topic -> true if registered typed, false if raw

	state     int32
	closed    uint32
	reconnect chan struct{}
	heartbeat *ticker
}

// NewSubscriber builds a Subscriber and starts its connect loop.
func NewSubscriber(opts ...ClientOption) *Subscriber {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	s := &Subscriber{
		cfg:       cfg,
		typed:     make(map[string]PushHandler),
		raw:       make(map[string]RawPushHandler),
		topicOf:   make(map[string]bool),
		reconnect: make(chan struct{}, 1),
	}
	go s.connectLoop()
	return s
}

// writeRequest encodes fr as header/content parts so the underlying Conn can
// hand them to its vectorised writer as one writev.
func writeRequest(c *Conn, fr wire.RequestFrame) error {
	header, content := wire.EncodeRequestParts(fr)
	return c.AsyncWrite(header, content)
}

// Subscribe binds a typed handler to topic and, once connected, sends a
// subscribe-control frame for it.
func (s *Subscriber) Subscribe(topic string, h PushHandler) {
	s.mu.Lock()
	s.typed[topic] = h
	s.topicOf[topic] = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = writeRequest(conn, wire.NewSubscribeControl(topic, true))
	}
}

// SubscribeRaw binds a raw-bytes handler to topic.
func (s *Subscriber) SubscribeRaw(topic string, h RawPushHandler) {
	s.mu.Lock()
	s.raw[topic] = h
	s.topicOf[topic] = false
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = writeRequest(conn, wire.NewSubscribeControl(topic, true))
	}
}

// Unsubscribe drops the local binding for topic and sends an
// unsubscribe-control frame.
func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.typed, topic)
	delete(s.raw, topic)
	delete(s.topicOf, topic)
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = writeRequest(conn, wire.NewSubscribeControl(topic, false))
	}
}

func (s *Subscriber) connectLoop() {
	for {
		if atomic.LoadUint32(&s.closed) == 1 {
			atomic.StoreInt32(&s.state, subStateDisconnected)
			return
		}
		conn, err := net.DialTimeout("tcp", s.cfg.endpoint, s.cfg.connectTimeout)
		if err != nil {
			atomic.StoreInt32(&s.state, subStateBackoff)
			s.cfg.log.WithError(err).Warn("czrpc: subscriber dial failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		c := NewConn(conn, WithConnLogger(s.cfg.log))
		StartRecvLoop(c, wire.ReadPush, s.onPush, s.onConnError)

		s.mu.Lock()
		s.conn = c
		topics := make(map[string]bool, len(s.topicOf))
		for t, isTyped := range s.topicOf {
			topics[t] = isTyped
		}
		s.mu.Unlock()

		for topic := range topics {
			_ = writeRequest(c, wire.NewSubscribeControl(topic, true))
		}

		if s.cfg.heartbeat {
			s.heartbeat = newTicker(s.cfg.heartbeatPeriod, true, func() {
				_ = writeRequest(c, wire.NewHeartbeat())
			})
		}

		atomic.StoreInt32(&s.state, subStateReading)
		if s.cfg.onConnectSuccess != nil {
			s.cfg.onConnectSuccess()
		}

		<-s.reconnect
		if s.heartbeat != nil {
			s.heartbeat.stop()
			s.heartbeat = nil
		}
		if atomic.LoadUint32(&s.closed) == 1 {
			atomic.StoreInt32(&s.state, subStateDisconnected)
			return
		}
		atomic.StoreInt32(&s.state, subStateBackoff)
		time.Sleep(time.Second)
	}
}

func (s *Subscriber) onConnError(c *Conn, err error) {
	s.cfg.log.WithError(err).Debug("czrpc: subscriber connection error")
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Subscriber) onPush(fr wire.PushFrame, _ *Conn) {
	s.mu.Lock()
	typedHandler, hasTyped := s.typed[fr.Topic]
	rawHandler, hasRaw := s.raw[fr.Topic]
	s.mu.Unlock()

	switch {
	case fr.Mode == wire.ModeSerialize && hasTyped:
		msg, err := unmarshalMessage(fr.MessageName, fr.Body)
		if err != nil {
			s.cfg.log.WithError(err).WithField("topic", fr.Topic).Warn("czrpc: push decode failed")
			return
		}
		typedHandler(fr.Topic, msg)
	case fr.Mode == wire.ModeNonSerialize && hasRaw:
		rawHandler(fr.Topic, fr.Body)
	default:
		s.cfg.log.WithField("topic", fr.Topic).Warn("czrpc: push for unknown topic, discarding")
	}
}

// State reports the subscriber's current connection state, primarily for
// tests and diagnostics.
func (s *Subscriber) State() int32 { return atomic.LoadInt32(&s.state) }

// Close stops the connect loop and disconnects the current connection.
func (s *Subscriber) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}
