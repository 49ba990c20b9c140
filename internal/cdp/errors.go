package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCrashed is wrapped by errors returned for commands sent to a crashed target.
var ErrCrashed = errors.New("target crashed")

// ErrReset is wrapped by errors returned for commands sent after Close.
var ErrReset = errors.New("connection reset")

// ErrConnectionReset is returned for calls still pending when a Connection is torn down.
var ErrConnectionReset = errors.New("connection closed")

// ErrNotOpen is returned when writing to a Connection that is no longer open.
var ErrNotOpen = errors.New("connection is not open")

// ErrNoHost is returned by operations that need the browser's HTTP endpoint.
var ErrNoHost = errors.New("endpoint has no host")

// ErrUnknownSession is returned when no attached target matches a session ID.
var ErrUnknownSession = errors.New("unknown session")

// ProtocolError represents an error reported by the target for a single command.
// Data is whatever JSON value the target attached, usually a string.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if detail := e.detail(); detail != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, detail)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// detail renders Data: strings unquoted, other values as compact JSON.
func (e *ProtocolError) detail() string {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// CommandError is raised locally, without a round-trip, for commands a
// crashed or closed client refuses to send.
type CommandError struct {
	Method string
	Err    error // ErrCrashed or ErrReset
}

func (e *CommandError) Error() string {
	if errors.Is(e.Err, ErrCrashed) {
		return fmt.Sprintf("%s will not run as the target browser or tab CDP connection has crashed", e.Method)
	}
	return fmt.Sprintf("%s will not run as browser CDP connection was reset", e.Method)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConnectError reports a failure to establish the initial connection.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to CDP endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReconnectFailedMessage is the user-facing text of the AsyncError raised
// when a lost connection cannot be restored.
const ReconnectFailedMessage = "There was an error reconnecting to the Chrome DevTools protocol. Please restart the browser."

// AsyncError is delivered to Config.OnAsyncError for failures that happen
// outside any caller's Send, such as an unrecoverable reconnect.
type AsyncError struct {
	Message string
	IsFatal bool
	Err     error
}

func (e AsyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", e.Message, e.Err)
	}
	return e.Message
}

func (e AsyncError) Unwrap() error { return e.Err }
