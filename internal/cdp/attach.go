package cdp

import (
	"encoding/json"

	"go.uber.org/zap"
)

// networkExemptTypes lists target types that never get Network.enable on
// attach. Service workers are handled at the browser level, pages are
// driven by their own client and "other" targets reject the domain.
var networkExemptTypes = map[string]bool{
	"service_worker": true,
	"page":           true,
	"other":          true,
}

// DefaultNetworkEnableOptions are the Network.enable parameters sent to
// attached targets when the Observer supplies none.
func DefaultNetworkEnableOptions() map[string]any {
	return map[string]any{
		"maxTotalBufferSize":    0,
		"maxResourceBufferSize": 0,
		"maxPostDataSize":       64 * 1024,
	}
}

type attachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         targetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// handleAttachedToTarget runs on the read loop, so the commands it
// triggers are sent from a separate goroutine.
func (c *Client) handleAttachedToTarget(evt Event) {
	var params attachedToTargetEvent
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		c.logger.Debug("ignoring malformed Target.attachedToTarget", zap.Error(err))
		return
	}

	c.sessions.Add(AttachedTarget{
		SessionID: params.SessionID,
		TargetID:  params.TargetInfo.TargetID,
		Type:      params.TargetInfo.Type,
		URL:       params.TargetInfo.URL,
		Title:     params.TargetInfo.Title,
	})

	go c.prepareAttachedTarget(params)
}

// prepareAttachedTarget enables network inspection on the new target and
// releases it if it is paused waiting for a debugger. Both steps are
// best-effort; the target may already be gone.
func (c *Client) prepareAttachedTarget(params attachedToTargetEvent) {
	ctx, cancel := c.closingContext(DefaultTimeout)
	defer cancel()

	// During a reconnect the target belongs to the Connection being prepared.
	c.mu.Lock()
	conn := c.conn
	if c.next != nil {
		conn = c.next
	}
	c.mu.Unlock()

	log := c.logger.With(
		zap.String("sessionId", params.SessionID),
		zap.String("targetType", params.TargetInfo.Type))

	if !networkExemptTypes[params.TargetInfo.Type] {
		if _, err := conn.Call(ctx, "Network.enable", c.networkEnableOptions(), params.SessionID); err != nil {
			log.Debug("failed to enable network for attached target", zap.Error(err))
		}
	}

	if params.WaitingForDebugger {
		if _, err := conn.Call(ctx, "Runtime.runIfWaitingForDebugger", nil, params.SessionID); err != nil {
			log.Debug("failed to resume attached target", zap.Error(err))
		}
	}
}

func (c *Client) networkEnableOptions() map[string]any {
	if o, ok := c.cfg.Observer.(NetworkEnableOptioner); ok {
		if opts := o.NetworkEnableOptions(); opts != nil {
			return opts
		}
	}
	return DefaultNetworkEnableOptions()
}

func (c *Client) handleDetachedFromTarget(evt Event) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return
	}
	c.sessions.Remove(params.SessionID)
}
