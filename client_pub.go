package czrpc

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// Publisher issues one-way publish frames; no response is ever expected.
// Grounded in the original pub_client.hpp, sharing the same connect-on-
// demand discipline as SyncClient since a publisher never reads from its
// socket.
type Publisher struct {
	cfg  *clientConfig
	mu   sync.Mutex
	conn net.Conn
}

// NewPublisher builds a Publisher. The first Publish/PublishRaw dials the
// configured endpoint.
func NewPublisher(opts ...ClientOption) *Publisher {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Publisher{cfg: cfg}
}

func (p *Publisher) ensureConnected() error {
	if p.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", p.cfg.endpoint, p.cfg.connectTimeout)
	if err != nil {
		return errors.Wrap(err, "czrpc: dial")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	p.conn = conn
	if p.cfg.onConnectSuccess != nil {
		p.cfg.onConnectSuccess()
	}
	return nil
}

// Publish serializes msg and publishes it on topic.
func (p *Publisher) Publish(topic string, msg Message) error {
	name, body, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	return p.send(wire.RequestFrame{
		Mode: wire.ModeSerialize, Kind: wire.KindPub,
		Protocol: topic, MessageName: name, Body: body,
	})
}

// PublishRaw publishes an opaque byte payload on topic.
func (p *Publisher) PublishRaw(topic string, body []byte) error {
	return p.send(wire.RequestFrame{
		Mode: wire.ModeNonSerialize, Kind: wire.KindPub,
		Protocol: topic, Body: body,
	})
}

func (p *Publisher) send(fr wire.RequestFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnected(); err != nil {
		return err
	}
	if _, err := p.conn.Write(wire.EncodeRequest(fr)); err != nil {
		_ = p.conn.Close()
		p.conn = nil
		return errors.Wrap(err, "czrpc: publish write")
	}
	return nil
}

// Close disconnects the underlying socket, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
