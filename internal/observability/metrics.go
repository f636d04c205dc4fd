package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/voxrelay/internal/reliability"
)

// Metrics groups all Prometheus instruments used by the relay. Each Metrics
// owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	ActiveSockets   prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		ActiveSockets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sockets",
			Help:      "Number of open WebSocket connections.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed transcription and chat calls by operation and kind.",
		}, []string{"op", "kind"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_ms",
			Help:      "Latency of transcription and chat calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		}, []string{"op"}),
		Latency: NewLatencyWindow(256),
	}
}

// ObserveUpstream records one transcription or chat call.
func (m *Metrics) ObserveUpstream(op string, took time.Duration, err error) {
	m.UpstreamLatency.WithLabelValues(op).Observe(float64(took.Milliseconds()))
	var kind string
	if err != nil {
		kind = string(reliability.KindOf(err))
		m.UpstreamErrors.WithLabelValues(op, kind).Inc()
	}
	m.Latency.Observe(op, took, kind)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
