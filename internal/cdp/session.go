package cdp

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// AttachedTarget describes a target attached to an owning client's connection.
type AttachedTarget struct {
	SessionID string
	TargetID  string
	Type      string
	URL       string
	Title     string
}

// SessionManager tracks attached targets by session ID.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]AttachedTarget // keyed by sessionID
	order    []string                  // session IDs in attachment order (newest last)
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]AttachedTarget),
	}
}

// Add records an attached target, replacing any entry for the same session.
func (m *SessionManager) Add(t AttachedTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[t.SessionID]; !exists {
		m.order = append(m.order, t.SessionID)
	}
	m.sessions[t.SessionID] = t
}

// Remove removes a session. Returns false if it was not tracked.
func (m *SessionManager) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return false
	}
	delete(m.sessions, sessionID)

	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the target attached as sessionID.
func (m *SessionManager) Get(sessionID string) (AttachedTarget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[sessionID]
	return t, ok
}

// FindByTarget returns the session attached to targetID.
func (m *SessionManager) FindByTarget(targetID string) (AttachedTarget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.sessions {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return AttachedTarget{}, false
}

// All returns the attached targets in attachment order.
func (m *SessionManager) All() []AttachedTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AttachedTarget, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.sessions[id])
	}
	return result
}

// Count returns the number of sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Clear forgets every session.
func (m *SessionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]AttachedTarget)
	m.order = nil
}

// Session returns a session client for a target attached while fully
// managing tabs.
func (c *Client) Session(sessionID string) (*Client, error) {
	t, ok := c.Sessions().Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return c.AttachSession(t.TargetID, sessionID), nil
}

// AttachSession returns a session client for sessionID on the owning
// client's Connection. The session client never closes or reconnects the
// Connection; it closes itself when its session detaches.
func (c *Client) AttachSession(targetID, sessionID string) *Client {
	root := c.owner()
	child := &Client{
		cfg:       root.cfg,
		logger:    root.logger.With(zap.String("sessionId", sessionID)),
		parent:    root,
		targetID:  targetID,
		sessionID: sessionID,
		notify:    make(chan struct{}),
	}

	root.mu.Lock()
	if root.state != ClientClosed {
		root.children[child] = struct{}{}
	}
	root.mu.Unlock()

	var offs []func()
	if root.cfg.Endpoint.HasHost() {
		offs = append(offs, root.subscribe("Target.targetCrashed", "", child.handleTargetCrashed))
	}
	offs = append(offs, root.subscribe("Target.detachedFromTarget", "", child.handleDetached))

	child.mu.Lock()
	child.offs = append(child.offs, offs...)
	child.mu.Unlock()

	return child
}

func (c *Client) handleDetached(evt Event) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil || params.SessionID != c.sessionID {
		return
	}
	_ = c.Close()
}

// forgetChild drops a closed session client and its enable records.
func (c *Client) forgetChild(child *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.children, child)
	kept := c.enabled[:0]
	for _, rec := range c.enabled {
		if rec.sessionID != child.sessionID {
			kept = append(kept, rec)
		}
	}
	c.enabled = kept
}
