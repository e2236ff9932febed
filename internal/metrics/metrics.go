// Package metrics holds the Prometheus collectors for the session host.
// Every helper is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	SessionsCreated    prometheus.Counter
	SessionsClosed     prometheus.Counter
	SessionsEnded      prometheus.Counter
	SessionsActive     prometheus.Gauge
	CreateFailures     *prometheus.CounterVec
	OutputBytes        prometheus.Counter
	InputBytes         prometheus.Counter
	ForegroundDuration prometheus.Histogram
	WSConnections      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_sessions_created_total",
			Help: "Total number of pty sessions created",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_sessions_closed_total",
			Help: "Total number of pty sessions closed by request",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_sessions_ended_total",
			Help: "Total number of pty output streams that reached end of stream",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_sessions_active",
			Help: "Number of sessions currently in the session table",
		}),
		CreateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ptyhost_session_create_failures_total",
			Help: "Session creation failures by reason",
		}, []string{"reason"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_output_bytes_total",
			Help: "Bytes read from pty masters",
		}),
		InputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "ptyhost_input_bytes_total",
			Help: "Bytes written to pty masters",
		}),
		ForegroundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptyhost_foreground_lookup_duration_seconds",
			Help:    "Time spent resolving the foreground process of a session",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "ptyhost_ws_connections",
			Help: "Number of open terminal websocket connections",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
}

func (m *Metrics) CreateFailed(reason string) {
	if m == nil {
		return
	}
	m.CreateFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) ObserveForeground(d time.Duration) {
	if m == nil {
		return
	}
	m.ForegroundDuration.Observe(d.Seconds())
}

func (m *Metrics) WSOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
