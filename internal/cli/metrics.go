package cli

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// statusOutput reports the watched client's state.
type statusOutput struct {
	Endpoint        string   `json:"endpoint"`
	State           string   `json:"state"`
	Link            string   `json:"link"`
	Enabled         []string `json:"enabled"`
	Sessions        int      `json:"sessions"`
	FullyManageTabs bool     `json:"fullyManageTabs"`
}

// newMetricsRouter exposes reg at /metrics and the client state at /status.
func newMetricsRouter(reg *prometheus.Registry, client *cdp.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		status := statusOutput{
			Endpoint:        client.Endpoint().String(),
			State:           client.State().String(),
			Link:            client.ReconnectState().String(),
			Enabled:         client.EnabledCommands(),
			Sessions:        client.Sessions().Count(),
			FullyManageTabs: client.FullyManageTabs(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return r
}
