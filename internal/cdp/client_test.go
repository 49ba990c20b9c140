package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func hostEndpoint() Endpoint {
	return Endpoint{Target: testTargetURL, Host: "127.0.0.1", Port: DefaultPort}
}

func TestNew_DialsResolvedURL(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{}, d)

	if d.dials() != 1 {
		t.Fatalf("expected 1 dial, got %d", d.dials())
	}
	if d.urls[0] != testTargetURL {
		t.Errorf("expected dial to %s, got %s", testTargetURL, d.urls[0])
	}
	if c.State() != ClientOpen {
		t.Errorf("expected open client, got %s", c.State())
	}
	if c.ReconnectState() != StateConnected {
		t.Errorf("expected connected, got %s", c.ReconnectState())
	}
	if c.TargetID() != testTargetID {
		t.Errorf("expected target ID %s, got %s", testTargetID, c.TargetID())
	}
}

func TestNew_ConnectErrors(t *testing.T) {
	t.Parallel()

	t.Run("dial failure", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{build: func(context.Context, int) (*fakeConn, error) {
			return nil, errors.New("connection refused")
		}}
		_, err := New(context.Background(), Config{Endpoint: Endpoint{Target: testTargetURL}, Dialer: d.Dial})

		var connErr *ConnectError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected *ConnectError, got %v", err)
		}
		if connErr.Endpoint != testTargetURL {
			t.Errorf("expected endpoint %s, got %s", testTargetURL, connErr.Endpoint)
		}
	})

	t.Run("unresolvable target", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{}
		_, err := New(context.Background(), Config{Endpoint: Endpoint{Target: "ABC"}, Dialer: d.Dial})

		var connErr *ConnectError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected *ConnectError, got %v", err)
		}
		if !errors.Is(err, ErrNoHost) {
			t.Errorf("expected ErrNoHost, got %v", err)
		}
		if d.dials() != 0 {
			t.Error("expected no dial for unresolvable target")
		}
	})
}

func TestClient_Send(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{build: func(context.Context, int) (*fakeConn, error) {
		fc := newFakeConn()
		fc.setRespond(func(req Request) *Response {
			return &Response{ID: req.ID, Result: json.RawMessage(`{"root":{"nodeId":1}}`)}
		})
		return fc, nil
	}}
	c := newTestClient(t, Config{}, d)

	result, err := c.Send(testContext(t), "DOM.getDocument", map[string]int{"depth": 1})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(result) != `{"root":{"nodeId":1}}` {
		t.Errorf("unexpected result %s", result)
	}

	req := d.conn(0).requests()[0]
	if req.Method != "DOM.getDocument" || req.SessionID != "" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestClient_SendProtocolError(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{}, d)
	d.conn(0).setRespond(func(req Request) *Response {
		return &Response{ID: req.ID, Error: &ProtocolError{Code: -32601, Message: "'Foo.bar' wasn't found"}}
	})

	_, err := c.Send(testContext(t), "Foo.bar", nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if c.State() != ClientOpen {
		t.Errorf("expected client to stay open, got %s", c.State())
	}
	if d.dials() != 1 {
		t.Errorf("protocol errors must not reconnect, got %d dials", d.dials())
	}
}

func TestClient_SendAfterCloseRejectsWithoutWriting(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{}, d)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := c.Send(testContext(t), "Page.navigate", nil)
	if !errors.Is(err, ErrReset) {
		t.Fatalf("expected ErrReset, got %v", err)
	}
	want := "Page.navigate will not run as browser CDP connection was reset"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if len(d.conn(0).requests()) != 0 {
		t.Error("expected nothing written after close")
	}
	if !d.conn(0).isClosed() {
		t.Error("expected transport to be closed")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{}, d)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if !c.Closed() {
		t.Error("expected Closed to be true")
	}
	if d.dials() != 1 {
		t.Errorf("Close must not reconnect, got %d dials", d.dials())
	}
}

func TestClient_TargetCrashed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		endpoint    Endpoint
		crashedID   string
		wantCrashed bool
	}{
		{"own target with host", hostEndpoint(), testTargetID, true},
		{"own target url with host", hostEndpoint(), testTargetURL, true},
		{"other target", hostEndpoint(), "OTHER", false},
		{"no host", Endpoint{Target: testTargetURL}, testTargetID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &fakeDialer{}
			c := newTestClient(t, Config{Endpoint: tt.endpoint}, d)

			var synced atomic.Bool
			c.On("Test.sync", func(Event) { synced.Store(true) })

			fc := d.conn(0)
			fc.emit("Target.targetCrashed", map[string]any{"targetId": tt.crashedID, "status": "crashed"}, "")
			fc.emit("Test.sync", struct{}{}, "")
			eventually(t, "sync event", synced.Load)

			if c.Crashed() != tt.wantCrashed {
				t.Fatalf("expected crashed=%v, got state %s", tt.wantCrashed, c.State())
			}

			_, err := c.Send(testContext(t), "Page.reload", nil)
			if !tt.wantCrashed {
				if err != nil {
					t.Errorf("expected send to succeed, got %v", err)
				}
				return
			}

			if !errors.Is(err, ErrCrashed) {
				t.Fatalf("expected ErrCrashed, got %v", err)
			}
			want := "Page.reload will not run as the target browser or tab CDP connection has crashed"
			if err.Error() != want {
				t.Errorf("expected %q, got %q", want, err.Error())
			}
			if len(fc.requests()) != 0 {
				t.Error("expected nothing written after crash")
			}
		})
	}
}

func TestClient_BrowserClientCrashEvents(t *testing.T) {
	t.Parallel()

	bd := &fakeDialer{}
	browserClient := newTestClient(t, Config{
		Endpoint: Endpoint{Target: "ws://127.0.0.1:9222/devtools/browser/B1", Host: "127.0.0.1"},
	}, bd)

	d := &fakeDialer{}
	c := newTestClient(t, Config{Endpoint: hostEndpoint(), BrowserClient: browserClient}, d)

	bd.conn(0).emit("Target.targetCrashed", map[string]string{"targetId": testTargetID}, "")
	eventually(t, "crash via browser client", c.Crashed)

	if browserClient.Crashed() {
		t.Error("browser client must not crash for a tab's target")
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	failures := []string{
		"WebSocket is not open: readyState 0 (CONNECTING)",
		"WebSocket is already in CLOSING or CLOSED state",
		"WebSocket connection closed",
	}

	for n := 1; n <= len(failures); n++ {
		t.Run(failures[n-1], func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32
			d := &fakeDialer{build: func(_ context.Context, i int) (*fakeConn, error) {
				fc := newFakeConn()
				fc.setFailWrite(func(req Request) error {
					if req.Method != "DOM.getDocument" {
						return nil
					}
					attempts.Add(1)
					if i < n {
						return errors.New(failures[i])
					}
					return nil
				})
				return fc, nil
			}}
			c := newTestClient(t, Config{}, d)

			if _, err := c.Send(testContext(t), "DOM.getDocument", nil); err != nil {
				t.Fatalf("expected retried send to succeed, got %v", err)
			}
			if got := attempts.Load(); got != int32(n+1) {
				t.Errorf("expected %d attempts, got %d", n+1, got)
			}
			if d.dials() != n+1 {
				t.Errorf("expected %d dials, got %d", n+1, d.dials())
			}
		})
	}
}

func TestClient_ParkedSendWaitsForReconnect(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	d := &fakeDialer{build: func(ctx context.Context, i int) (*fakeConn, error) {
		if i > 0 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return newFakeConn(), nil
	}}
	c := newTestClient(t, Config{}, d)

	d.conn(0).drop()
	eventually(t, "reconnecting", func() bool { return c.ReconnectState() == StateReconnecting })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Page.navigate", nil)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("send completed before reconnect: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected parked send to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked send was not retried")
	}
	if got := d.conn(1).count("Page.navigate"); got != 1 {
		t.Errorf("expected 1 write on the new connection, got %d", got)
	}
}

func TestClient_ParkedSendHonoursContext(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{build: func(ctx context.Context, i int) (*fakeConn, error) {
		if i > 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return newFakeConn(), nil
	}}
	c := newTestClient(t, Config{}, d)

	d.conn(0).drop()
	eventually(t, "reconnecting", func() bool { return c.ReconnectState() == StateReconnecting })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, "Page.navigate", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "Page.navigate") {
		t.Errorf("expected method in error, got %q", err.Error())
	}
}

func TestClient_CloseRejectsParkedSends(t *testing.T) {
	t.Parallel()

	var asyncErrs atomic.Int32
	var reconnects atomic.Int32
	d := &fakeDialer{build: func(ctx context.Context, i int) (*fakeConn, error) {
		if i > 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return newFakeConn(), nil
	}}
	c := newTestClient(t, Config{
		OnAsyncError: func(AsyncError) { asyncErrs.Add(1) },
		OnReconnect:  func(*Client) { reconnects.Add(1) },
	}, d)

	d.conn(0).drop()
	eventually(t, "reconnect attempt", func() bool { return d.dials() == 2 })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "DOM.getDocument", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReset) {
			t.Fatalf("expected ErrReset, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked send was not rejected by Close")
	}

	<-c.done
	if asyncErrs.Load() != 0 {
		t.Error("closing during reconnect must not report an async error")
	}
	if reconnects.Load() != 0 {
		t.Error("closing during reconnect must not complete the reconnect")
	}
	if !c.Closed() {
		t.Error("expected client to stay closed")
	}
}

func TestClient_On(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{}, d)

	var calls atomic.Int32
	off := c.On("Page.loadEventFired", func(Event) { calls.Add(1) })

	d.conn(0).emit("Page.loadEventFired", struct{}{}, "")
	eventually(t, "event", func() bool { return calls.Load() == 1 })

	off()

	var synced atomic.Bool
	c.On("Test.sync", func(Event) { synced.Store(true) })
	d.conn(0).emit("Page.loadEventFired", struct{}{}, "")
	d.conn(0).emit("Test.sync", struct{}{}, "")
	eventually(t, "sync event", synced.Load)

	if calls.Load() != 1 {
		t.Errorf("expected no calls after unsubscribe, got %d", calls.Load())
	}
}

func TestClient_Clone(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := newTestClient(t, Config{Endpoint: hostEndpoint(), FullyManageTabs: true}, d)

	clone, err := c.Clone(testContext(t))
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	t.Cleanup(func() { _ = clone.Close() })

	if clone == c {
		t.Fatal("expected a distinct client")
	}
	if clone.Endpoint() != c.Endpoint() {
		t.Errorf("expected endpoint %v, got %v", c.Endpoint(), clone.Endpoint())
	}
	if !clone.FullyManageTabs() {
		t.Error("expected clone to keep fully managed mode")
	}
	if d.dials() != 2 {
		t.Errorf("expected clone to dial its own connection, got %d dials", d.dials())
	}

	if err := clone.Close(); err != nil {
		t.Fatalf("clone Close failed: %v", err)
	}
	if c.Closed() {
		t.Fatal("closing the clone must not close the original")
	}
	if _, err := c.Send(testContext(t), "Page.enable", nil); err != nil {
		t.Errorf("expected original to keep working, got %v", err)
	}
}

func TestClient_NewTab(t *testing.T) {
	t.Parallel()

	t.Run("without host", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, Config{}, &fakeDialer{})
		if _, err := c.NewTab(testContext(t), "https://example.com"); !errors.Is(err, ErrNoHost) {
			t.Errorf("expected ErrNoHost, got %v", err)
		}
	})

	t.Run("with host", func(t *testing.T) {
		t.Parallel()

		host, port := discoveryServer(t, nil)
		c := newTestClient(t, Config{Endpoint: Endpoint{Target: testTargetURL, Host: host, Port: port}}, &fakeDialer{})

		target, err := c.NewTab(testContext(t), "https://example.com")
		if err != nil {
			t.Fatalf("NewTab failed: %v", err)
		}
		if target.ID != "NEW1" {
			t.Errorf("expected NEW1, got %s", target.ID)
		}
		if target.URL != "https%3A%2F%2Fexample.com" {
			t.Errorf("expected escaped url in request, got %s", target.URL)
		}
	})
}

func TestClient_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	d := &fakeDialer{}
	c := newTestClient(t, Config{Metrics: metrics}, d)
	fc := d.conn(0)

	if _, err := c.Send(testContext(t), "Page.enable", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	fc.setRespond(func(req Request) *Response {
		return &Response{ID: req.ID, Error: &ProtocolError{Code: -32000, Message: "nope"}}
	})
	_, _ = c.Send(testContext(t), "Page.navigate", nil)

	_ = c.Close()
	_, _ = c.Send(testContext(t), "Page.navigate", nil)

	tests := []struct {
		outcome string
		want    float64
	}{
		{"ok", 1},
		{"protocol_error", 1},
		{"rejected", 1},
		{"error", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(metrics.commands.WithLabelValues(tt.outcome)); got != tt.want {
			t.Errorf("commands_total{outcome=%q} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}

func TestClient_NilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.observeCommand(nil)
	m.observeParked()
	m.observeReconnect(true)
	m.observeReplay(errors.New("x"))
}

func TestClientState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state ClientState
		want  string
	}{
		{ClientOpen, "open"},
		{ClientCrashed, "crashed"},
		{ClientClosed, "closed"},
		{ClientState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ClientState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

