package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Connection layers request/response correlation and event dispatch over a Conn.
// It never retries; once the Conn fails the Connection is finished and a new
// one must be created.
type Connection struct {
	conn    Conn
	logger  *zap.Logger
	writeMu sync.Mutex
	msgID   atomic.Int64

	// pending maps command IDs to response channels
	pending   sync.Map // map[int64]chan *Response
	listeners sync.Map // map[string]*eventHandlers
	handlerID atomic.Uint64

	// closed signals that the connection is finished
	closed    atomic.Bool
	closedCh  chan struct{}
	closeErr  error
	closeMu   sync.Mutex
	closeOnce sync.Once

	// done signals that the read loop has exited
	done chan struct{}
}

// NewConnection starts reading from conn and returns the Connection.
// A nil logger disables logging.
func NewConnection(conn Conn, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		conn:     conn,
		logger:   logger,
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a command and waits for its response.
//
// The call ends when the matching response arrives, ctx is done, or the
// Connection is torn down. Teardown rejects with a transient TransportError
// wrapping ErrConnectionReset. A protocol error for this command is returned
// as *ProtocolError and does not affect the Connection.
func (c *Connection) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("failed to send %s: %w", method, transportError("write", ErrNotOpen))
	}

	id := c.msgID.Add(1)
	data, err := json.Marshal(Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create response channel before sending
	respCh := make(chan *Response, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		err = transportError("write", err)
		if IsTransient(err) {
			c.abort(err)
		}
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		return resp.result()
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closedCh:
		// The response may have been dispatched just before teardown.
		select {
		case resp := <-respCh:
			return resp.result()
		default:
		}
		return nil, fmt.Errorf("%s: %w", method, transportError("read", ErrConnectionReset))
	}
}

func (r *Response) result() (json.RawMessage, error) {
	if r.decodeErr != nil {
		return nil, r.decodeErr
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// On registers a handler for every event with the given method.
// Handlers run on the read loop, in registration order, and must not
// block waiting on Call. The returned function removes the handler.
func (c *Connection) On(method string, handler func(Event)) func() {
	return c.OnSession(method, "", handler)
}

// OnSession registers a handler for events with the given method that
// arrive on sessionID. An empty sessionID matches all sessions.
func (c *Connection) OnSession(method, sessionID string, handler func(Event)) func() {
	actual, _ := c.listeners.LoadOrStore(method, &eventHandlers{})
	handlers := actual.(*eventHandlers)
	id := c.handlerID.Add(1)
	handlers.add(handlerEntry{id: id, sessionID: sessionID, fn: handler})
	return func() { handlers.remove(id) }
}

// Disconnected is closed once the Connection stops, for any reason.
func (c *Connection) Disconnected() <-chan struct{} {
	return c.closedCh
}

// Err returns the transport error that ended the Connection, or nil if
// it is open or was closed with Close.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Pending returns the number of calls awaiting a response.
func (c *Connection) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes the Conn and waits for the read loop to exit.
// Pending calls are rejected. Safe to call more than once.
func (c *Connection) Close() error {
	if !c.shutdown(nil) {
		<-c.done
		return nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")

	// Wait for read loop to exit
	<-c.done

	return err
}

// shutdown marks the Connection finished. Returns true on the first call.
func (c *Connection) shutdown(cause error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeMu.Lock()
		c.closeErr = cause
		c.closeMu.Unlock()
		c.closed.Store(true)
		close(c.closedCh)
	})
	return first
}

// abort tears down the Connection after a fatal write error.
func (c *Connection) abort(cause error) {
	if c.shutdown(cause) {
		c.logger.Debug("connection aborted after write failure", zap.Error(cause))
		_ = c.conn.Close(websocket.StatusInternalError, "write failed")
	}
}

// readLoop reads messages from the connection and dispatches them.
func (c *Connection) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if c.shutdown(transportError("read", err)) {
				c.logger.Warn("CDP connection lost", zap.Error(err))
			}
			return
		}

		resp, evt, err := parseMessage(data)
		if err != nil {
			c.logger.Debug("dropping malformed CDP message", zap.Error(err))
			continue
		}

		if resp != nil {
			c.dispatchResponse(resp)
		} else if evt != nil {
			c.dispatchEvent(evt)
		}
	}
}

// dispatchResponse sends a response to the waiting caller.
func (c *Connection) dispatchResponse(resp *Response) {
	ch, ok := c.pending.Load(resp.ID)
	if !ok {
		c.logger.Debug("dropping response for unknown command", zap.Int64("id", resp.ID))
		return
	}
	select {
	case ch.(chan *Response) <- resp:
	default:
		// Channel full, response dropped
	}
}

// dispatchEvent calls all registered handlers for an event.
func (c *Connection) dispatchEvent(evt *Event) {
	if actual, ok := c.listeners.Load(evt.Method); ok {
		actual.(*eventHandlers).call(*evt, c.logger)
	}
}

type handlerEntry struct {
	id        uint64
	sessionID string
	fn        func(Event)
}

// eventHandlers manages a thread-safe list of event handlers.
type eventHandlers struct {
	mu       sync.RWMutex
	handlers []handlerEntry
}

func (h *eventHandlers) add(entry handlerEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, entry)
}

func (h *eventHandlers) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, entry := range h.handlers {
		if entry.id == id {
			h.handlers = append(h.handlers[:i:i], h.handlers[i+1:]...)
			return
		}
	}
}

func (h *eventHandlers) call(evt Event, logger *zap.Logger) {
	h.mu.RLock()
	handlers := h.handlers
	h.mu.RUnlock()

	for _, entry := range handlers {
		if entry.sessionID != "" && entry.sessionID != evt.SessionID {
			continue
		}
		invoke(entry.fn, evt, logger)
	}
}

// invoke runs a handler, keeping a panicking subscriber from killing the read loop.
func invoke(fn func(Event), evt Event, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("CDP event handler panicked",
				zap.String("method", evt.Method),
				zap.Any("panic", r))
		}
	}()
	fn(evt)
}
