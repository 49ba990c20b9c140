// Package cdp provides a resilient Chrome DevTools Protocol client.
//
// A Connection correlates commands with responses and dispatches events
// over a single Conn. A Client wraps a Connection and adds crash and close
// tracking, parking of commands that failed on a dropped transport, and
// reconnection with replay of domain enable commands.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/coder/websocket"
)

// MaxMessageSize is the read limit applied to WebSocket connections.
// Screenshots and DOM snapshots routinely exceed the library default.
const MaxMessageSize = 64 << 20

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn to a WebSocket debugger URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxMessageSize)
	return conn, nil
}

// TransientKind classifies transport failures that a reconnect can cure.
type TransientKind int

const (
	// NotTransient marks errors that must reach the caller.
	NotTransient TransientKind = iota
	// TransientNotOpen means the socket was not open when written to.
	TransientNotOpen
	// TransientClosing means the socket was closing or already closed by a close frame.
	TransientClosing
	// TransientClosed means the underlying connection went away.
	TransientClosed
)

// String returns a human-readable name for the kind.
func (k TransientKind) String() string {
	switch k {
	case NotTransient:
		return "not-transient"
	case TransientNotOpen:
		return "not-open"
	case TransientClosing:
		return "closing"
	case TransientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportError is an error raised by the Conn, classified once at the
// transport boundary.
type TransportError struct {
	Op   string // "read", "write"
	Kind TransientKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cdp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport failure that should be
// retried on the next connection rather than returned to the caller.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind != NotTransient
}

// transportError wraps a Conn error with its classification.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Kind: classifyTransportError(err), Err: err}
}

// classifyTransportError maps a Conn error onto a TransientKind.
// Typed errors are checked first; the message signatures cover Conn
// implementations that only report text.
func classifyTransportError(err error) TransientKind {
	switch {
	case err == nil:
		return NotTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NotTransient
	case errors.Is(err, ErrNotOpen):
		return TransientNotOpen
	case errors.Is(err, ErrConnectionReset), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return TransientClosed
	case websocket.CloseStatus(err) != -1:
		return TransientClosing
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "CLOSING or CLOSED"):
		return TransientClosing
	case strings.Contains(msg, "is not open"):
		return TransientNotOpen
	case strings.Contains(msg, "connection closed"):
		return TransientClosed
	}
	return NotTransient
}
