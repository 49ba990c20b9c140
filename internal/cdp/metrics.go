package cdp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a Client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands   *prometheus.CounterVec
	parked     prometheus.Counter
	reconnects *prometheus.CounterVec
	replayed   *prometheus.CounterVec
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "commands_total",
			Help:      "CDP commands completed, by outcome",
		}, []string{"outcome"}),

		parked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "parked_commands_total",
			Help:      "Commands parked after a transient transport error",
		}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts, by result",
		}, []string{"result"}),

		replayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "replayed_commands_total",
			Help:      "Enable commands replayed after reconnect, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeCommand(err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandOutcome(err)).Inc()
}

func (m *Metrics) observeParked() {
	if m == nil {
		return
	}
	m.parked.Inc()
}

func (m *Metrics) observeReconnect(ok bool) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) observeReplay(err error) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(result(err == nil)).Inc()
}

func commandOutcome(err error) string {
	var protoErr *ProtocolError
	var cmdErr *CommandError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &protoErr):
		return "protocol_error"
	case errors.As(err, &cmdErr):
		return "rejected"
	default:
		return "error"
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
