package czrpc

import "github.com/pkg/errors"

// Sentinel errors returned across the package. Compare with errors.Is.
var (
	// ErrClosed is returned by Conn.AsyncWrite once Disconnect has run.
	ErrClosed = errors.New("czrpc: connection closed")

	// ErrSendTooBig is returned by AsyncWrite when the total size of the
	// frame's parts, header included, exceeds wire.MaxBuffer. The header
	// bytes count against the limit, so a frame whose content alone is just
	// under wire.MaxBuffer can still be refused.
	ErrSendTooBig = errors.New("czrpc: frame exceeds max buffer size")

	// ErrRouteFailed mirrors wire.CodeRouteFailed: no handler is bound for
	// the requested protocol.
	ErrRouteFailed = errors.New("czrpc: route failed")

	// ErrRequestTimeout mirrors wire.CodeRequestTimeout: the call's timeout
	// elapsed before any response arrived (the AsyncClient sweep, or the
	// SyncClient read deadline).
	ErrRequestTimeout = errors.New("czrpc: request timeout")

	// ErrNotConnected is delivered, wrapped, to an AsyncClient callback when
	// the call could not be written (no connection yet, or the write was
	// refused) and resend is disabled.
	ErrNotConnected = errors.New("czrpc: not connected")
)

// errorFromCode converts a wire response code into a Go error, or nil for
// wire.CodeOK.
func errorFromCode(code int32) error {
	switch code {
	case 0:
		return nil
	case 1:
		return ErrRouteFailed
	case 2:
		return ErrRequestTimeout
	default:
		return errors.Errorf("czrpc: unknown error code %d", code)
	}
}
