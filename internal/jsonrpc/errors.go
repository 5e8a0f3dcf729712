package jsonrpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionClosed fails every call still pending when the transport
	// stream ends, and every call issued afterwards.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOrphanResponse marks a response whose id matched no pending call.
	// It is logged and discarded, never returned to a caller.
	ErrOrphanResponse = errors.New("orphan response")
)

// TransportError is a failure of the underlying channel: spawn failure,
// broken pipe, refused connection or a non-2xx HTTP status.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: server returned status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a call abandoned locally after its deadline. Whether
// the server processed it is unknown.
type TimeoutError struct {
	ID     int64
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %d (%s) timed out after %s", e.ID, e.Method, e.After)
}

// Timeout lets TimeoutError satisfy net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError is an unparseable or malformed wire message.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is a well-formed JSON-RPC error object returned by the server,
// surfaced verbatim.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

// AsRemoteError converts a response error object into a *RemoteError.
func (e *Error) AsRemoteError() *RemoteError {
	if e == nil {
		return nil
	}
	return &RemoteError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Kind names the category of err for rendering and metrics labels.
func Kind(err error) string {
	var (
		transportErr *TransportError
		timeoutErr   *TimeoutError
		protocolErr  *ProtocolError
		remoteErr    *RemoteError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remoteErr):
		return "remote"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &protocolErr):
		return "protocol"
	default:
		return "other"
	}
}
