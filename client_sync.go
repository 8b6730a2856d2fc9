package czrpc

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// SyncClient performs one blocking call at a time. Grounded in the original
// client_base.hpp/rpc_client.hpp: a single outstanding call serialized by a
// mutex, a deadline that aborts a stuck read, and implicit reconnection on
// the next call after a failure.
type SyncClient struct {
	cfg  *clientConfig
	mu   sync.Mutex
	conn net.Conn
}

// NewSyncClient builds a SyncClient. The first Call/CallRaw dials the
// configured endpoint.
func NewSyncClient(opts ...ClientOption) *SyncClient {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &SyncClient{cfg: cfg}
}

func (s *SyncClient) ensureConnected() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.cfg.endpoint, s.cfg.connectTimeout)
	if err != nil {
		return errors.Wrap(err, "czrpc: dial")
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	s.conn = conn
	if s.cfg.onConnectSuccess != nil {
		s.cfg.onConnectSuccess()
	}
	return nil
}

// Call issues a typed request and blocks for the typed response.
func (s *SyncClient) Call(protocol string, req Message) (Message, error) {
	name, body, err := marshalMessage(req)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(wire.RequestFrame{
		Mode: wire.ModeSerialize, Kind: wire.KindRPC,
		Protocol: protocol, MessageName: name, Body: body,
	})
	if err != nil {
		return nil, err
	}
	if err := errorFromCode(int32(resp.Code)); err != nil {
		return nil, err
	}
	return unmarshalMessage(resp.MessageName, resp.Body)
}

// CallRaw issues a raw-bytes request and blocks for the raw response.
func (s *SyncClient) CallRaw(protocol string, body []byte) ([]byte, error) {
	resp, err := s.call(wire.RequestFrame{
		Mode: wire.ModeNonSerialize, Kind: wire.KindRPC,
		Protocol: protocol, Body: body,
	})
	if err != nil {
		return nil, err
	}
	if err := errorFromCode(int32(resp.Code)); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *SyncClient) call(fr wire.RequestFrame) (wire.ResponseFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		return wire.ResponseFrame{}, err
	}

	deadline := time.Now().Add(s.cfg.requestTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return wire.ResponseFrame{}, err
	}

	if _, err := s.conn.Write(wire.EncodeRequest(fr)); err != nil {
		s.closeLocked()
		return wire.ResponseFrame{}, errors.Wrap(err, "czrpc: write request")
	}

	headerBuf := make([]byte, wire.ResponseHeaderLen)
	if _, err := io.ReadFull(s.conn, headerBuf); err != nil {
		s.closeLocked()
		return wire.ResponseFrame{}, s.classifyReadErr(err)
	}
	h, err := wire.DecodeResponseHeader(headerBuf)
	if err != nil {
		s.closeLocked()
		return wire.ResponseFrame{}, err
	}
	content := make([]byte, h.ContentLen())
	if _, err := io.ReadFull(s.conn, content); err != nil {
		s.closeLocked()
		return wire.ResponseFrame{}, s.classifyReadErr(err)
	}

	_ = s.conn.SetDeadline(time.Time{})
	return wire.DecodeResponseContent(h, content)
}

func (s *SyncClient) classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrRequestTimeout
	}
	return errors.Wrap(err, "czrpc: read response")
}

func (s *SyncClient) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close disconnects the underlying socket, if any.
func (s *SyncClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
