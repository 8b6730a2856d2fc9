package czrpc

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServerOption configures a Server at construction time, the generalized
// form of the teacher's own Config struct (session.go's KeepAliveInterval
// etc.), and grounded in hayabusa-cloud-framer's functional-options
// (NewReader(r, opts ...Option)) convention.
type ServerOption func(*serverConfig)

type serverConfig struct {
	listen            []string
	ioThreads         int
	workThreads       int64
	connectNotify     func(sessionID string)
	disconnectNotify  func(sessionID string)
	log               logrus.FieldLogger
	heartbeatTimeout  time.Duration // 0 disables server-side heartbeat enforcement
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		ioThreads:   1,
		workThreads: 1,
		log:         silentLogger(),
	}
}

// WithListen adds one or more TCP endpoints ("host:port") to listen on.
func WithListen(addrs ...string) ServerOption {
	return func(c *serverConfig) { c.listen = append(c.listen, addrs...) }
}

// WithIOThreads sets the size of the accept/IO-assignment pool. Default 1.
func WithIOThreads(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.ioThreads = n
		}
	}
}

// WithWorkThreads sets the size of the dispatch worker pool. Default 1.
func WithWorkThreads(n int64) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.workThreads = n
		}
	}
}

// WithConnectNotify registers a callback fired with a connection's session
// id once it has been accepted and started.
func WithConnectNotify(fn func(sessionID string)) ServerOption {
	return func(c *serverConfig) { c.connectNotify = fn }
}

// WithDisconnectNotify registers a callback fired with a connection's
// session id once it has disconnected.
func WithDisconnectNotify(fn func(sessionID string)) ServerOption {
	return func(c *serverConfig) { c.disconnectNotify = fn }
}

// WithServerLogger overrides the server's logger.
func WithServerLogger(log logrus.FieldLogger) ServerOption {
	return func(c *serverConfig) { c.log = log }
}

// WithHeartbeatTimeout enables server-side dead-subscriber detection: a
// subscriber connection that sends nothing (neither a heartbeat control
// frame nor any other request) for d is disconnected. Disabled (d == 0) by
// default, per the resolved open question on heartbeat enforcement.
func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.heartbeatTimeout = d }
}

// ClientOption configures a client (SyncClient, AsyncClient, Publisher or
// Subscriber) at construction time.
type ClientOption func(*clientConfig)

type clientConfig struct {
	endpoint         string
	connectTimeout   time.Duration
	requestTimeout   time.Duration
	resend           bool
	callbackThreads  int64
	heartbeat        bool
	heartbeatPeriod  time.Duration
	sweepInterval    time.Duration
	log              logrus.FieldLogger
	onConnectSuccess func()
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		connectTimeout:  3 * time.Second,
		requestTimeout:  10 * time.Second,
		callbackThreads: 1,
		heartbeatPeriod: 10 * time.Second,
		sweepInterval:   time.Second,
		log:             silentLogger(),
	}
}

// WithEndpoint sets the "host:port" the client connects and reconnects to.
func WithEndpoint(addr string) ClientOption {
	return func(c *clientConfig) { c.endpoint = addr }
}

// WithConnectTimeout sets the dial timeout. Default 3s.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.connectTimeout = d }
}

// WithRequestTimeout sets the per-call timeout the client enforces itself
// (sync client: a read/write deadline on the call; async client: the age at
// which the periodic sweep times a call out). Default 10s.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.requestTimeout = d }
}

// WithResend enables retaining not-yet-flushed write buffers across a
// reconnect instead of dropping them (async client only). Default false.
// Never resends a call whose callback has already fired with
// request_timeout -- resend concerns buffered-but-unsent bytes only.
func WithResend(b bool) ClientOption {
	return func(c *clientConfig) { c.resend = b }
}

// WithCallbackThreads sets the size of the async client's callback worker
// pool. Default 1.
func WithCallbackThreads(n int64) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.callbackThreads = n
		}
	}
}

// WithHeartbeat enables the subscriber client sending a heartbeat control
// frame every period (default 10s if period <= 0).
func WithHeartbeat(enabled bool, period time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.heartbeat = enabled
		if period > 0 {
			c.heartbeatPeriod = period
		}
	}
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(log logrus.FieldLogger) ClientOption {
	return func(c *clientConfig) { c.log = log }
}

// WithConnectSuccess registers a callback fired every time the client
// establishes (or re-establishes) a connection.
func WithConnectSuccess(fn func()) ClientOption {
	return func(c *clientConfig) { c.onConnectSuccess = fn }
}

// withSweepInterval overrides the async client's outstanding-call sweep
// interval; unexported because only tests need to shrink it below the
// protocol's documented 1s default.
func withSweepInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.sweepInterval = d }
}
