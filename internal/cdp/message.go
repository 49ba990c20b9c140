package cdp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request represents a CDP command request.
type Request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response represents a CDP command response.
type Response struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`

	// decodeErr is set when the frame carried an id but could not be decoded.
	decodeErr error
}

// Event represents a CDP event notification.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// message is used internally to determine message type during parsing.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// parseMessage parses a raw CDP message and returns either a Response or Event.
// Returns (response, nil, nil) for command responses.
// Returns (nil, event, nil) for events.
// Returns (nil, nil, error) for parse errors.
//
// A frame that names a command id but is otherwise undecodable still yields
// a Response, so the waiting call fails instead of hanging.
func parseMessage(data []byte) (*Response, *Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		var head struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(data, &head) == nil && head.ID != 0 {
			return &Response{
				ID:        head.ID,
				decodeErr: fmt.Errorf("failed to parse CDP response %d: %w", head.ID, err),
			}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to parse CDP message: %w", err)
	}

	// Messages with an ID are responses to commands
	if msg.ID != 0 {
		return &Response{
			ID:        msg.ID,
			Result:    msg.Result,
			Error:     msg.Error,
			SessionID: msg.SessionID,
		}, nil, nil
	}

	// Messages with a method but no ID are events
	if msg.Method != "" {
		return nil, &Event{
			Method:    msg.Method,
			Params:    msg.Params,
			SessionID: msg.SessionID,
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown CDP message format: %s", string(data))
}

// isEnableCommand reports whether method activates a protocol domain
// and is therefore safe to repeat on a fresh connection.
func isEnableCommand(method string) bool {
	return strings.HasSuffix(method, ".enable")
}
