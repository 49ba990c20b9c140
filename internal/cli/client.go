package cli

import (
	"context"

	"go.uber.org/zap"

	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// clientConfig builds the CDP client configuration from the global flags.
func clientConfig(logger *zap.Logger) cdp.Config {
	cfg := cdp.DefaultConfig()
	cfg.Endpoint = cdp.Endpoint{Target: Target, Host: Host, Port: Port}
	cfg.FullyManageTabs = FullyManageTabs
	cfg.Logger = logger
	cfg.HeartbeatInterval = Heartbeat
	if Timeout > 0 {
		cfg.ReconnectTimeout = Timeout
		cfg.ReplayTimeout = Timeout
	}
	return cfg
}

// commandContext returns a context bounded by --timeout.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, Timeout)
}

// connect creates a client for the configured endpoint.
func connect(ctx context.Context, cfg cdp.Config) (*cdp.Client, error) {
	ctx, cancel := commandContext(ctx)
	defer cancel()
	return cdp.New(ctx, cfg)
}
