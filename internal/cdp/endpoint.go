package cdp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grantcarthew/cdpmux/internal/browser"
)

// DefaultPort is the conventional remote debugging port.
const DefaultPort = 9222

// Endpoint identifies what a Client connects to.
//
// Target is either a WebSocket debugger URL or a target ID. Host and Port
// locate the browser's HTTP discovery endpoint; their presence marks the
// target as locally owned, which enables crash self-detection and NewTab.
type Endpoint struct {
	Target string
	Host   string
	Port   int
}

// HasHost reports whether the endpoint carries browser host information.
func (e Endpoint) HasHost() bool {
	return e.Host != ""
}

// TargetID returns the target identifier. For a debugger URL such as
// ws://127.0.0.1:9222/devtools/page/ABC it is the last path segment.
func (e Endpoint) TargetID() string {
	if isWebSocketURL(e.Target) {
		if i := strings.LastIndex(e.Target, "/"); i >= 0 {
			return e.Target[i+1:]
		}
	}
	return e.Target
}

// String returns the endpoint in a form suitable for logs and errors.
func (e Endpoint) String() string {
	if !e.HasHost() {
		return e.Target
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.port()))
	if e.Target == "" {
		return addr
	}
	return addr + " " + e.Target
}

func (e Endpoint) port() int {
	if e.Port == 0 {
		return DefaultPort
	}
	return e.Port
}

// matches reports whether id names this endpoint's target.
func (e Endpoint) matches(id string) bool {
	return id != "" && (id == e.Target || id == e.TargetID())
}

// resolve returns the WebSocket URL to dial.
// A target ID is looked up in the browser's target list; an empty target
// selects the browser-level endpoint from /json/version.
func (e Endpoint) resolve(ctx context.Context) (string, error) {
	if isWebSocketURL(e.Target) {
		return e.Target, nil
	}
	if !e.HasHost() {
		return "", fmt.Errorf("%w: cannot resolve target %q", ErrNoHost, e.Target)
	}

	if e.Target == "" {
		version, err := browser.FetchVersion(ctx, e.Host, e.port())
		if err != nil {
			return "", err
		}
		return version.WebSocketURL, nil
	}

	target, err := browser.FindTarget(ctx, e.Host, e.port(), e.Target)
	if err != nil {
		return "", err
	}
	if target.WebSocketURL == "" {
		return "", fmt.Errorf("target %s has no WebSocket URL", e.Target)
	}
	return target.WebSocketURL, nil
}

func isWebSocketURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}
