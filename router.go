package czrpc

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// Request is passed to a bound handler. Exactly one of Message (typed
// handlers) or Raw (raw handlers) is populated, per the uniform handler
// contract the design notes prescribe in place of the original's
// compile-time-reflected argument dispatch.
type Request struct {
	SessionID string
	Protocol  string
	Message   Message // typed handlers only
	Raw       []byte  // raw handlers only
}

// Response is the write-back capability a handler uses to reply. It is
// bound to one connection and one call id; at most one of Set/SetRaw should
// be called.
type Response struct {
	conn   *Conn
	callID uint32
}

// Set replies with a typed protobuf message.
func (r *Response) Set(m Message) error {
	name, body, err := marshalMessage(m)
	if err != nil {
		return err
	}
	header, content := wire.EncodeResponseParts(wire.ResponseFrame{
		Code: wire.CodeOK, CallID: r.callID, MessageName: name, Body: body,
	})
	return r.conn.AsyncWrite(header, content)
}

// SetRaw replies with an opaque byte payload.
func (r *Response) SetRaw(body []byte) error {
	header, content := wire.EncodeResponseParts(wire.ResponseFrame{
		Code: wire.CodeOK, CallID: r.callID, Body: body,
	})
	return r.conn.AsyncWrite(header, content)
}

// TypedHandler handles a protobuf-serialized request.
type TypedHandler func(req Request, resp *Response)

// RawHandler handles an opaque-bytes request.
type RawHandler func(req Request, resp *Response)

// Router maps protocol names to handlers, dispatches incoming request
// frames onto a bounded worker pool, and owns the server-side topic table
// used for pub/sub fanout. It replaces the original's process-wide
// singleton router and topic_manager with an explicit, server-scoped
// instance, per the design notes.
type Router struct {
	mu    sync.RWMutex
	typed map[string]TypedHandler
	raw   map[string]RawHandler

	topics *topicTable
	sem    *semaphore.Weighted
	log    logrus.FieldLogger
}

// NewRouter builds a Router whose dispatch worker pool allows at most
// workThreads concurrent handler/fanout invocations -- the Go translation of
// the original router's hand-rolled thread_pool, via a weighted semaphore
// the way a bounded worker pool is commonly built on top of
// golang.org/x/sync/semaphore.
func NewRouter(workThreads int64, log logrus.FieldLogger) *Router {
	if workThreads <= 0 {
		workThreads = 1
	}
	if log == nil {
		log = silentLogger()
	}
	return &Router{
		typed:  make(map[string]TypedHandler),
		raw:    make(map[string]RawHandler),
		topics: newTopicTable(),
		sem:    semaphore.NewWeighted(workThreads),
		log:    log,
	}
}

// Bind registers (or replaces) the typed handler for protocol.
func (r *Router) Bind(protocol string, h TypedHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed[protocol] = h
}

// BindRaw registers (or replaces) the raw handler for protocol. The typed
// and raw tables are independent: the same protocol name may be bound in
// both.
func (r *Router) BindRaw(protocol string, h RawHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[protocol] = h
}

// Unbind removes the typed handler for protocol, if any.
func (r *Router) Unbind(protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.typed, protocol)
}

// UnbindRaw removes the raw handler for protocol, if any.
func (r *Router) UnbindRaw(protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.raw, protocol)
}

func (r *Router) lookupTyped(protocol string) (TypedHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.typed[protocol]
	return h, ok
}

func (r *Router) lookupRaw(protocol string) (RawHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.raw[protocol]
	return h, ok
}

// runTask acquires a worker slot, runs fn, then releases the slot. Panics
// are recovered per the error table's "handler exception" disposition; the
// caller decides what the disposition does (log-only vs disconnect).
func (r *Router) runTask(fn func()) {
	_ = r.sem.Acquire(context.Background(), 1)
	go func() {
		defer r.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithField("panic", rec).Error("czrpc: handler panic recovered")
			}
		}()
		fn()
	}()
}

// Route is the RouteFunc bound to every server-accepted Conn.
func (r *Router) Route(fr wire.RequestFrame, c *Conn) {
	switch fr.Kind {
	case wire.KindRPC, wire.KindAsyncRPC:
		r.dispatchCall(fr, c)
	case wire.KindPub:
		r.dispatchPublish(fr, c)
	case wire.KindSub:
		r.dispatchSub(fr, c)
	default:
		r.log.WithField("kind", fr.Kind).Warn("czrpc: unknown request kind")
	}
}

func (r *Router) dispatchCall(fr wire.RequestFrame, c *Conn) {
	resp := &Response{conn: c, callID: fr.CallID}

	if fr.Mode == wire.ModeNonSerialize {
		h, ok := r.lookupRaw(fr.Protocol)
		if !ok {
			r.writeRouteFailed(c, fr.CallID)
			return
		}
		r.runTask(func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.WithField("panic", rec).WithField("protocol", fr.Protocol).
						Error("czrpc: raw handler panic, disconnecting")
					_ = c.Disconnect()
				}
			}()
			h(Request{SessionID: c.SessionID(), Protocol: fr.Protocol, Raw: fr.Body}, resp)
		})
		return
	}

	h, ok := r.lookupTyped(fr.Protocol)
	if !ok {
		r.writeRouteFailed(c, fr.CallID)
		return
	}
	r.runTask(func() {
		msg, err := unmarshalMessage(fr.MessageName, fr.Body)
		if err != nil {
			r.log.WithError(err).WithField("protocol", fr.Protocol).
				Warn("czrpc: typed decode failed, dropping call")
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithField("panic", rec).WithField("protocol", fr.Protocol).
					Warn("czrpc: typed handler panic, no response sent")
			}
		}()
		h(Request{SessionID: c.SessionID(), Protocol: fr.Protocol, Message: msg}, resp)
	})
}

func (r *Router) writeRouteFailed(c *Conn, callID uint32) {
	header, content := wire.EncodeResponseParts(wire.ResponseFrame{
		Code: wire.CodeRouteFailed, CallID: callID,
	})
	_ = c.AsyncWrite(header, content)
}

func (r *Router) dispatchPublish(fr wire.RequestFrame, _ *Conn) {
	topic := fr.Protocol
	mode := fr.Mode
	messageName := fr.MessageName
	body := append([]byte(nil), fr.Body...)
	r.runTask(func() {
		header, content := wire.EncodePushParts(wire.PushFrame{
			Mode: mode, Topic: topic, MessageName: messageName, Body: body,
		})
		for _, sub := range r.topics.subscribers(topic) {
			if err := sub.AsyncWrite(header, content); err != nil {
				_ = sub.Disconnect()
			}
		}
	})
}

func (r *Router) dispatchSub(fr wire.RequestFrame, c *Conn) {
	switch {
	case wire.IsHeartbeat(fr):
		// No-op beyond the touch() every decoded frame already does in
		// StartRecvLoop; the idle sweep (see Server.sweepIdleSubscribers)
		// reads that timestamp, not this switch.
	case wire.IsSubscribe(fr):
		r.topics.add(fr.Protocol, c)
	case wire.IsUnsubscribe(fr):
		r.topics.remove(fr.Protocol, c)
	default:
		r.log.WithField("protocol", fr.Protocol).Warn("czrpc: malformed sub control frame")
	}
}

// handleDisconnect removes every topic binding for c. Called by Server when
// a connection whose Kind() is wire.KindSub closes.
func (r *Router) handleDisconnect(c *Conn) {
	r.topics.removeAll(c)
}
