package czrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/chx-czrpc/czrpc-go/wire"
)

// AsyncResult is delivered to an AsyncCallback at most once per call.
type AsyncResult struct {
	Message Message // typed calls only, nil otherwise
	Raw     []byte  // raw calls only
	Err     error   // ErrRouteFailed, ErrRequestTimeout, or a decode/transport error
}

// AsyncCallback receives the eventual outcome of one AsyncCall/AsyncCallRaw.
type AsyncCallback func(AsyncResult)

type outstandingCall struct {
	typed       bool
	cb          AsyncCallback
	submittedAt time.Time
	fired       uint32 // guards at-most-once callback invocation
}

// AsyncClient is the hard core of the client side: a monotonically
// increasing call id, a concurrent outstanding-call table, a 1s sweep that
// times out stale calls, and automatic reconnect with optional resend of
// not-yet-flushed buffers. Grounded in the original async_rpc_client.hpp.
type AsyncClient struct {
	cfg *clientConfig

	mu      sync.Mutex
	conn    *Conn
	pending [][]byte // buffered-but-unsent frames, only populated when cfg.resend

	nextCallID uint32
	outstand   sync.Map // uint32 -> *outstandingCall

	sweep   *ticker
	workSem *semaphore.Weighted

	closed    uint32
	reconnect chan struct{}
}

// NewAsyncClient builds an AsyncClient and starts its connect loop and
// sweep ticker. Call Close to stop both.
func NewAsyncClient(opts ...ClientOption) *AsyncClient {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	a := &AsyncClient{
		cfg:       cfg,
		workSem:   semaphore.NewWeighted(cfg.callbackThreads),
		reconnect: make(chan struct{}, 1),
	}
	a.sweep = newTicker(cfg.sweepInterval, true, a.sweepOnce)
	a.dial()
	return a
}

func (a *AsyncClient) dial() {
	go a.connectLoop()
}

func (a *AsyncClient) connectLoop() {
	for {
		if atomic.LoadUint32(&a.closed) == 1 {
			return
		}
		conn, err := net.DialTimeout("tcp", a.cfg.endpoint, a.cfg.connectTimeout)
		if err != nil {
			a.cfg.log.WithError(err).Warn("czrpc: async client dial failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		c := NewConn(conn, WithConnLogger(a.cfg.log))
		StartRecvLoop(c, wire.ReadResponse, a.onResponse, a.onConnError)

		a.mu.Lock()
		a.conn = c
		pending := a.pending
		a.pending = nil
		var resend [][]byte
		live := make(map[uint32]bool, len(pending))
		for _, buf := range pending {
			fr, err := wire.DecodeRequest(buf)
			if _, ok := a.outstand.Load(fr.CallID); err == nil && ok {
				live[fr.CallID] = true
				resend = append(resend, buf)
			}
		}
		a.outstand.Range(func(key, _ any) bool {
			if !live[key.(uint32)] {
				a.outstand.Delete(key)
			}
			return true
		})
		a.mu.Unlock()

		for _, buf := range resend {
			_ = c.AsyncWrite(buf)
		}

		if a.cfg.onConnectSuccess != nil {
			a.cfg.onConnectSuccess()
		}

		<-a.waitReconnect()
		if atomic.LoadUint32(&a.closed) == 1 {
			return
		}
		time.Sleep(time.Second)
	}
}

func (a *AsyncClient) waitReconnect() <-chan struct{} {
	return a.reconnect
}

func (a *AsyncClient) onConnError(c *Conn, err error) {
	a.cfg.log.WithError(err).Debug("czrpc: async client connection error")
	select {
	case a.reconnect <- struct{}{}:
	default:
	}
}

// onResponse correlates a response to its outstanding call and dispatches
// the callback on the callback worker pool. A response whose call id is not
// found (already timed out, or from a stale connection) is logged and
// discarded per the resolved "late arrival" open question.
func (a *AsyncClient) onResponse(resp wire.ResponseFrame, _ *Conn) {
	v, ok := a.outstand.LoadAndDelete(resp.CallID)
	if !ok {
		a.cfg.log.WithField("call_id", resp.CallID).Debug("czrpc: late response discarded")
		return
	}
	oc := v.(*outstandingCall)
	if !atomic.CompareAndSwapUint32(&oc.fired, 0, 1) {
		return
	}
	a.runCallback(oc, resp)
}

func (a *AsyncClient) runCallback(oc *outstandingCall, resp wire.ResponseFrame) {
	_ = a.workSem.Acquire(context.Background(), 1)
	go func() {
		defer a.workSem.Release(1)
		result := AsyncResult{Err: errorFromCode(int32(resp.Code))}
		if result.Err == nil {
			if oc.typed {
				msg, err := unmarshalMessage(resp.MessageName, resp.Body)
				if err != nil {
					result.Err = err
				} else {
					result.Message = msg
				}
			} else {
				result.Raw = resp.Body
			}
		}
		oc.cb(result)
	}()
}

// sweepOnce fires once per SweepInterval (default 1s): any outstanding call
// older than RequestTimeout is removed and its callback fired with
// ErrRequestTimeout. The outstanding table's lock (sync.Map's internal
// bookkeeping) is never held while a callback runs.
func (a *AsyncClient) sweepOnce() {
	now := time.Now()
	var expired []*outstandingCall
	a.outstand.Range(func(key, value any) bool {
		oc := value.(*outstandingCall)
		if now.Sub(oc.submittedAt) >= a.cfg.requestTimeout {
			a.outstand.Delete(key)
			expired = append(expired, oc)
		}
		return true
	})
	for _, oc := range expired {
		if !atomic.CompareAndSwapUint32(&oc.fired, 0, 1) {
			continue
		}
		o := oc
		_ = a.workSem.Acquire(context.Background(), 1)
		go func() {
			defer a.workSem.Release(1)
			o.cb(AsyncResult{Err: ErrRequestTimeout})
		}()
	}
}

func (a *AsyncClient) submit(fr wire.RequestFrame, typed bool, cb AsyncCallback) {
	id := atomic.AddUint32(&a.nextCallID, 1)
	fr.CallID = id
	oc := &outstandingCall{typed: typed, cb: cb, submittedAt: time.Now()}
	a.outstand.Store(id, oc)

	buf := wire.EncodeRequest(fr)
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		a.bufferOrDrop(buf, oc, id)
		return
	}
	if err := conn.AsyncWrite(buf); err != nil {
		a.bufferOrDrop(buf, oc, id)
	}
}

func (a *AsyncClient) bufferOrDrop(buf []byte, oc *outstandingCall, id uint32) {
	if a.cfg.resend {
		a.mu.Lock()
		a.pending = append(a.pending, buf)
		a.mu.Unlock()
		return
	}
	if atomic.CompareAndSwapUint32(&oc.fired, 0, 1) {
		a.outstand.Delete(id)
		oc.cb(AsyncResult{Err: errors.Wrap(ErrNotConnected, "czrpc: write failed")})
	}
}

// AsyncCall issues a typed call; cb fires at most once, with a decoded
// response, ErrRouteFailed, ErrRequestTimeout, or a marshal, decode or write
// error. It does not fire for a call still outstanding on the previous
// connection when the client reconnects, nor for one outstanding at Close.
func (a *AsyncClient) AsyncCall(protocol string, req Message, cb AsyncCallback) {
	name, body, err := marshalMessage(req)
	if err != nil {
		cb(AsyncResult{Err: err})
		return
	}
	a.submit(wire.RequestFrame{
		Mode: wire.ModeSerialize, Kind: wire.KindAsyncRPC,
		Protocol: protocol, MessageName: name, Body: body,
	}, true, cb)
}

// AsyncCallRaw issues a raw-bytes call; cb fires at most once, as for
// AsyncCall.
func (a *AsyncClient) AsyncCallRaw(protocol string, body []byte, cb AsyncCallback) {
	a.submit(wire.RequestFrame{
		Mode: wire.ModeNonSerialize, Kind: wire.KindAsyncRPC,
		Protocol: protocol, Body: body,
	}, false, cb)
}

// Close stops the sweep ticker and the current connection. Any callback
// still outstanding is never fired (documented, implementation-defined per
// the shutdown policy in the concurrency model).
func (a *AsyncClient) Close() error {
	if !atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		return nil
	}
	a.sweep.stop()
	select {
	case a.reconnect <- struct{}{}:
	default:
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}
