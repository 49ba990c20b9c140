package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grantcarthew/cdpmux/internal/cdp"
	"github.com/grantcarthew/cdpmux/internal/cli/format"
)

var (
	// watchEnable lists domains to enable before watching. They are
	// enabled again after every reconnect.
	watchEnable []string
	// watchCount stops watching after this many events; zero means forever.
	watchCount int
	// watchMetricsAddr serves Prometheus metrics and client status.
	watchMetricsAddr string
	// watchFilter is an expression events must satisfy to be printed.
	watchFilter string
)

var watchCmd = &cobra.Command{
	Use:   "watch <event>...",
	Short: "Print protocol events",
	Long: `Subscribes to the given protocol events and prints them until
interrupted.

Domains passed with --enable are enabled first and re-enabled after a
reconnect, so the event stream resumes when the connection comes back.
A reconnect prints a notice on stderr; a reconnect that fails ends the
command with an error.

Examples:
  cdpmux watch Page.loadEventFired --enable Page.enable
  cdpmux --target 9A3E... watch Network.requestWillBeSent --enable Network.enable
  cdpmux --fully-manage-tabs watch Target.attachedToTarget --count 1
  cdpmux watch Network.responseReceived --enable Network.enable \
    --filter 'params.response.status >= 400'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchEnable, "enable", nil, "Enable commands to send before watching (repeatable)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many events")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics and /status on this address")
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "Only print events matching this expression (method, sessionId, params)")
	rootCmd.AddCommand(watchCmd)
}

// eventOutput is the JSON form of a watched event.
type eventOutput struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Time      time.Time       `json:"time"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	filter, err := compileFilter(watchFilter)
	if err != nil {
		return outputError(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg := clientConfig(logger)
	cfg.OnReconnect = func(c *cdp.Client) {
		outputNotice(fmt.Sprintf("reconnected to %s", c.Endpoint()))
	}
	cfg.OnAsyncError = func(err cdp.AsyncError) {
		if err.IsFatal {
			cancel(err)
			return
		}
		outputNotice(err.Error())
	}

	var reg *prometheus.Registry
	if watchMetricsAddr != "" {
		reg = prometheus.NewRegistry()
		cfg.Metrics = cdp.NewMetrics(reg)
	}

	client, err := connect(ctx, cfg)
	if err != nil {
		return outputError(err.Error())
	}
	// Handlers block on events until ctx is done, so cancel before closing.
	defer func() {
		cancel(nil)
		_ = client.Close()
	}()

	if reg != nil {
		srv, err := serveMetrics(watchMetricsAddr, reg, client, logger)
		if err != nil {
			return outputError(err.Error())
		}
		defer srv.Close()
	}

	events := make(chan eventOutput, 64)
	for _, method := range args {
		client.On(method, func(evt cdp.Event) {
			out := eventOutput{Method: evt.Method, SessionID: evt.SessionID, Params: evt.Params, Time: time.Now()}
			select {
			case events <- out:
			case <-ctx.Done():
			}
		})
	}

	for _, method := range watchEnable {
		sendCtx, sendCancel := commandContext(ctx)
		_, err := client.Send(sendCtx, method, nil)
		sendCancel()
		if err != nil {
			return outputError(err.Error())
		}
	}

	opts := format.NewOutputOptions(JSONOutput, NoColor)
	seen := 0
	for {
		select {
		case evt := <-events:
			ok, err := filter.match(cdp.Event{Method: evt.Method, SessionID: evt.SessionID, Params: evt.Params})
			if err != nil {
				logger.Warn("skipping event", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if err := printEvent(evt, opts); err != nil {
				return outputError(err.Error())
			}
			seen++
			if watchCount > 0 && seen >= watchCount {
				return nil
			}
		case <-ctx.Done():
			if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return outputError(err.Error())
			}
			return nil
		}
	}
}

func printEvent(evt eventOutput, opts format.OutputOptions) error {
	if JSONOutput {
		return outputJSON(os.Stdout, evt)
	}
	return format.Event(os.Stdout, cdp.Event{
		Method:    evt.Method,
		SessionID: evt.SessionID,
		Params:    evt.Params,
	}, evt.Time, opts)
}

// serveMetrics starts the metrics server in the background.
func serveMetrics(addr string, reg *prometheus.Registry, client *cdp.Client, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           newMetricsRouter(reg, client),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Debug("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}
