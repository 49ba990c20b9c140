package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const (
	testTargetID  = "TARGET1"
	testTargetURL = "ws://127.0.0.1:9222/devtools/page/" + testTargetID
)

// fakeConn is an in-process Conn. Every written request is recorded and
// answered with whatever respond returns.
type fakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	written  []Request
	closed   bool
	closeCh  chan struct{}

	// respond builds the reply to a written request; nil means no reply.
	respond func(req Request) *Response
	// failWrite may reject a write before it is recorded.
	failWrite func(req Request) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 256),
		closeCh:  make(chan struct{}),
		respond:  okResponse,
	}
}

func okResponse(req Request) *Response {
	return &Response{ID: req.ID, Result: json.RawMessage(`{}`)}
}

func noResponse(Request) *Response { return nil }

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-f.incoming:
		return websocket.MessageText, msg, nil
	case <-f.closeCh:
		return 0, nil, errors.New("WebSocket connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("WebSocket is not open: readyState 3 (CLOSED)")
	}
	if f.failWrite != nil {
		if err := f.failWrite(req); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.written = append(f.written, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if resp := respond(req); resp != nil {
			f.deliver(resp)
		}
	}
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

// drop simulates the remote end going away.
func (f *fakeConn) drop() {
	_ = f.Close(websocket.StatusAbnormalClosure, "")
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) deliver(v any) {
	data, _ := json.Marshal(v)
	f.deliverRaw(data)
}

func (f *fakeConn) deliverRaw(data []byte) {
	select {
	case f.incoming <- data:
	case <-f.closeCh:
	}
}

func (f *fakeConn) emit(method string, params any, sessionID string) {
	raw, _ := json.Marshal(params)
	f.deliver(Event{Method: method, Params: raw, SessionID: sessionID})
}

func (f *fakeConn) setRespond(fn func(Request) *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeConn) setFailWrite(fn func(Request) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = fn
}

func (f *fakeConn) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]Request, len(f.written))
	copy(result, f.written)
	return result
}

func (f *fakeConn) methods() []string {
	var methods []string
	for _, req := range f.requests() {
		methods = append(methods, req.Method)
	}
	return methods
}

func (f *fakeConn) count(method string) int {
	n := 0
	for _, req := range f.requests() {
		if req.Method == method {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeConns and remembers them in dial order.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	conns    []*fakeConn
	urls     []string

	// build creates the conn for the n-th dial (0-based); nil uses newFakeConn.
	build func(ctx context.Context, n int) (*fakeConn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	n := d.attempts
	d.attempts++
	build := d.build
	d.mu.Unlock()

	fc := newFakeConn()
	if build != nil {
		var err error
		if fc, err = build(ctx, n); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	d.conns = append(d.conns, fc)
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	return fc, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// waitConn waits until the i-th conn has been dialled.
func (d *fakeDialer) waitConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var fc *fakeConn
	eventually(t, "dial", func() bool {
		fc = d.conn(i)
		return fc != nil
	})
	return fc
}

// newTestClient creates a client over d and closes it when the test ends.
func newTestClient(t *testing.T, cfg Config, d *fakeDialer) *Client {
	t.Helper()

	if cfg.Endpoint.Target == "" {
		cfg.Endpoint.Target = testTargetURL
	}
	cfg.Dialer = d.Dial

	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordingObserver records Reconnected calls into a shared log.
type recordingObserver struct {
	mu    sync.Mutex
	calls int
	log   *callLog
	opts  map[string]any
}

func (o *recordingObserver) Reconnected() {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.log != nil {
		o.log.add("observer")
	}
}

func (o *recordingObserver) NetworkEnableOptions() map[string]any {
	return o.opts
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// callLog is a thread-safe ordered record of named events.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// generationNow returns the number of completed reconnects.
func (c *Client) generationNow() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
