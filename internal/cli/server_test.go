package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/grantcarthew/cdpmux/internal/browser"
	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// cdpServer is a minimal browser: HTTP discovery plus a WebSocket
// endpoint that answers every command.
//
// Commands with special behaviour:
//   - Test.fail replies with a protocol error.
//   - Test.dropOnce drops the first connection that sends it.
//   - Page.enable is followed by a Page.loadEventFired event; with
//     dropAfterEnable the first connection is dropped right after.
type cdpServer struct {
	srv  *httptest.Server
	host string
	port int

	dropAfterEnable bool

	mu       sync.Mutex
	methods  []string
	conns    int
	dropped  bool
	sessions []string
}

func newCDPServer(t *testing.T) *cdpServer {
	t.Helper()

	s := &cdpServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(browser.VersionInfo{
			Browser:      "Chrome/120.0.0.0",
			ProtocolVer:  "1.3",
			WebSocketURL: s.wsURL("browser/B1"),
		})
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]browser.Target{
			{ID: "P1", Type: "page", Title: "Example Domain", URL: "https://example.com", WebSocketURL: s.wsURL("page/P1")},
			{ID: "SW1", Type: "service_worker", URL: "https://example.com/sw.js"},
		})
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(browser.Target{
			ID:           "NEW1",
			Type:         "page",
			URL:          r.URL.RawQuery,
			WebSocketURL: s.wsURL("page/NEW1"),
		})
	})
	mux.HandleFunc("/devtools/", s.serveWebSocket)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	host, portStr, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split server address: %v", err)
	}
	s.host = host
	s.port, _ = strconv.Atoi(portStr)
	return s
}

func (s *cdpServer) wsURL(path string) string {
	return "ws://" + s.srv.Listener.Addr().String() + "/devtools/" + path
}

func (s *cdpServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.conns++
	first := s.conns == 1
	s.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req cdp.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.sessions = append(s.sessions, req.SessionID)
		drop := req.Method == "Test.dropOnce" && !s.dropped
		if drop {
			s.dropped = true
		}
		s.mu.Unlock()

		if drop {
			_ = conn.Close(websocket.StatusGoingAway, "dropped")
			return
		}

		resp := cdp.Response{ID: req.ID, SessionID: req.SessionID}
		switch {
		case req.Method == "Test.fail":
			resp.Error = &cdp.ProtocolError{Code: -32601, Message: "'Test.fail' wasn't found"}
		case strings.HasPrefix(req.Method, "Test.echo"):
			resp.Result, _ = json.Marshal(map[string]any{"method": req.Method, "params": req.Params})
		default:
			resp.Result = json.RawMessage(`{}`)
		}
		if err := writeJSON(ctx, conn, resp); err != nil {
			return
		}

		if req.Method == "Page.enable" {
			evt := cdp.Event{Method: "Page.loadEventFired", Params: json.RawMessage(`{"timestamp":1}`)}
			if err := writeJSON(ctx, conn, evt); err != nil {
				return
			}
			if first && s.dropAfterEnable {
				_ = conn.Close(websocket.StatusGoingAway, "dropped")
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *cdpServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *cdpServer) receivedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions...)
}

func (s *cdpServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}
