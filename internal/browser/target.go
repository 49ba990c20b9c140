// Package browser talks to the HTTP discovery endpoints of a browser
// started with remote debugging enabled.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrTargetNotFound is returned when no target has the requested ID.
var ErrTargetNotFound = errors.New("target not found")

// Target represents a CDP target (page, worker, etc).
type Target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Description  string `json:"description,omitempty"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo contains browser version information from /json/version.
type VersionInfo struct {
	Browser       string `json:"Browser"`
	ProtocolVer   string `json:"Protocol-Version"`
	UserAgent     string `json:"User-Agent"`
	V8Version     string `json:"V8-Version"`
	WebKitVersion string `json:"WebKit-Version"`
	WebSocketURL  string `json:"webSocketDebuggerUrl"`
}

// FetchTargets retrieves the list of available targets from the CDP endpoint.
// Uses http.DefaultClient which has no timeout; callers must provide a context
// with timeout.
func FetchTargets(ctx context.Context, host string, port int) ([]Target, error) {
	var targets []Target
	if err := fetchJSON(ctx, http.MethodGet, endpointURL(host, port, "/json"), &targets); err != nil {
		return nil, fmt.Errorf("fetch targets: %w", err)
	}
	return targets, nil
}

// FetchVersion retrieves browser version info from the CDP endpoint.
// Uses http.DefaultClient which has no timeout; callers must provide a context
// with timeout.
func FetchVersion(ctx context.Context, host string, port int) (*VersionInfo, error) {
	var info VersionInfo
	if err := fetchJSON(ctx, http.MethodGet, endpointURL(host, port, "/json/version"), &info); err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	return &info, nil
}

// CreateTarget opens a new tab at pageURL and returns its description.
// An empty pageURL opens about:blank.
func CreateTarget(ctx context.Context, host string, port int, pageURL string) (*Target, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	// Chrome 111+ rejects GET on /json/new.
	u := endpointURL(host, port, "/json/new") + "?" + url.QueryEscape(pageURL)

	var target Target
	if err := fetchJSON(ctx, http.MethodPut, u, &target); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	return &target, nil
}

// FindTarget fetches the target list and returns the target with the given ID.
func FindTarget(ctx context.Context, host string, port int, id string) (*Target, error) {
	targets, err := FetchTargets(ctx, host, port)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if targets[i].ID == id {
			return &targets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
}

// FindPageTarget returns the first page-type target from the list.
func FindPageTarget(targets []Target) *Target {
	for i := range targets {
		if targets[i].Type == "page" {
			return &targets[i]
		}
	}
	return nil
}

func endpointURL(host string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", host, port, path)
}

func fetchJSON(ctx context.Context, method, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
