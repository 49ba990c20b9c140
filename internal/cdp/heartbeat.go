package cdp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatTimeout bounds a single heartbeat probe.
const DefaultHeartbeatTimeout = 5 * time.Second

// heartbeatMethod is a lightweight command that exercises the full
// round-trip without side effects.
const heartbeatMethod = "Browser.getVersion"

// heartbeat probes the connection every HeartbeatInterval until the client
// closes. A probe that gets no answer in time means the socket is stalled
// without having reported an error, so the connection is torn down and the
// supervisor reconnects as for any other drop.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
		}

		if c.State() != ClientOpen || c.ReconnectState() != StateConnected {
			continue
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if err := c.probe(conn); err != nil {
			c.logger.Warn("CDP heartbeat failed, dropping connection", zap.Error(err))
			conn.abort(transportError("heartbeat", ErrConnectionReset))
		}
	}
}

// probe sends one heartbeat on conn. Only a missing answer is a failure:
// transport errors are already being handled by the supervisor and a
// protocol error still proves the target is responding.
func (c *Client) probe(conn *Connection) error {
	ctx, cancel := c.closingContext(c.cfg.HeartbeatTimeout)
	defer cancel()

	_, err := conn.Call(ctx, heartbeatMethod, nil, "")
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		c.logger.Debug("heartbeat not answered normally", zap.Error(err))
	}
	return nil
}
