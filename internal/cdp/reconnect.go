package cdp

import (
	"go.uber.org/zap"
)

// ReconnectState represents the state of an owning client's connection.
type ReconnectState int

const (
	// StateConnected indicates an active, healthy CDP connection.
	StateConnected ReconnectState = iota
	// StateReconnecting indicates a replacement connection is being set up.
	StateReconnecting
	// StateFailed indicates the connection is lost and will not be restored
	// automatically.
	StateFailed
)

// String returns a human-readable name for the connection state.
func (s ReconnectState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectState returns the connection state of the owning client.
func (c *Client) ReconnectState() ReconnectState {
	root := c.owner()
	root.mu.Lock()
	defer root.mu.Unlock()
	return root.link
}

// supervise waits for the current Connection to drop and replaces it.
// It is the only goroutine that installs Connections, so reconnects are
// serialized and further disconnect signals during an attempt are ignored.
func (c *Client) supervise(conn *Connection) {
	defer close(c.done)

	for {
		select {
		case <-conn.Disconnected():
		case <-c.closing:
			return
		}

		// A crashed target is not worth reconnecting to.
		if c.State() != ClientOpen {
			return
		}

		next, ok := c.reconnect(conn.Err())
		if !ok {
			return
		}
		conn = next
	}
}

// reconnect dials the endpoint again, replays enable commands and installs
// the new Connection. Returns false if the client should stop supervising.
func (c *Client) reconnect(cause error) (*Connection, bool) {
	c.setLink(StateReconnecting)
	c.logger.Warn("CDP connection lost, reconnecting",
		zap.String("url", c.wsURL),
		zap.Error(cause))

	ctx, cancel := c.closingContext(c.cfg.ReconnectTimeout)
	raw, err := c.cfg.Dialer(ctx, c.wsURL)
	cancel()
	if err != nil {
		if c.Closed() {
			return nil, false
		}
		c.setLink(StateFailed)
		c.cfg.Metrics.observeReconnect(false)
		c.logger.Error("failed to reconnect to CDP endpoint",
			zap.String("url", c.wsURL),
			zap.Error(err))
		c.reportAsyncError(AsyncError{
			Message: ReconnectFailedMessage,
			IsFatal: true,
			Err:     err,
		})
		return nil, false
	}

	conn := NewConnection(raw, c.logger)

	// Handlers go on before replay so events triggered by the enable
	// commands are not missed. Sessions belong to the old connection and
	// are cleared first so attachments seen during replay are kept.
	c.mu.Lock()
	c.next = conn
	c.sessions.Clear()
	for _, sub := range c.subs {
		sub.off = conn.OnSession(sub.method, sub.sessionID, sub.fn)
	}
	c.mu.Unlock()

	replayed := c.replay(conn)

	// replay returns with c.mu held.
	c.next = nil
	if c.state == ClientClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, false
	}
	c.conn = conn
	c.generation++
	c.link = StateConnected
	c.signalLocked()
	c.mu.Unlock()

	c.cfg.Metrics.observeReconnect(true)
	c.logger.Info("CDP connection restored", zap.Int("replayed", replayed))

	if c.cfg.Observer != nil {
		c.cfg.Observer.Reconnected()
	}
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect(c)
	}
	return conn, true
}

// replay resends recorded enable commands in order. Records added while it
// runs are picked up too: it only returns, with c.mu held, once every record
// has been sent, so the caller can install conn before anything else is
// recorded. Failures are logged and do not stop the remaining commands.
func (c *Client) replay(conn *Connection) int {
	sent := make(map[string]bool)
	for {
		c.mu.Lock()
		rec, ok := c.unreplayedLocked(sent)
		if !ok {
			return len(sent)
		}
		c.mu.Unlock()
		sent[rec.key] = true

		ctx, cancel := c.closingContext(c.cfg.ReplayTimeout)
		_, err := conn.Call(ctx, rec.method, rec.params, rec.sessionID)
		cancel()

		c.cfg.Metrics.observeReplay(err)
		if err != nil {
			c.logger.Warn("failed to replay enable command",
				zap.String("method", rec.method),
				zap.String("sessionId", rec.sessionID),
				zap.Error(err))
			continue
		}
		c.logger.Debug("replayed enable command",
			zap.String("method", rec.method),
			zap.String("sessionId", rec.sessionID))
	}
}

// unreplayedLocked returns the first record not in sent. c.mu must be held.
func (c *Client) unreplayedLocked(sent map[string]bool) (enableRecord, bool) {
	for _, rec := range c.enabled {
		if !sent[rec.key] {
			return rec, true
		}
	}
	return enableRecord{}, false
}

func (c *Client) setLink(state ReconnectState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = state
}

func (c *Client) reportAsyncError(err AsyncError) {
	if c.cfg.OnAsyncError == nil {
		c.logger.Error("unhandled asynchronous CDP error", zap.Error(err))
		return
	}
	c.cfg.OnAsyncError(err)
}
