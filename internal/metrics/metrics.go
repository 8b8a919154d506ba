// Package metrics exposes a narrow Recorder interface consumed by the
// gateway and ingress, plus a concrete Prometheus-backed implementation
// registered once at server construction. The core never imports
// prometheus/client_golang directly, following the enrichment pack's
// internal/monitoring/metrics.go shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the sink the gateway/ingress update. Nop satisfies
// it for tests and embeddings that don't want Prometheus wired up.
type Recorder interface {
	SetActiveTunnels(n int)
	SetActiveConnections(n int)
	ObserveRequest(statusClass string, durationSeconds float64)
	IncRateLimitDenied(limit string)
}

// Prometheus is the default Recorder, backed by client_golang collectors
// registered against reg.
type Prometheus struct {
	activeTunnels     prometheus.Gauge
	activeConnections prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitDenied   *prometheus.CounterVec
}

// NewPrometheus registers the sellia_* collectors against reg (pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide default).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		activeTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sellia_active_tunnels",
			Help: "Number of tunnels currently registered.",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sellia_active_connections",
			Help: "Number of live control-channel connections.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sellia_requests_total",
			Help: "Public requests handled, by response status class.",
		}, []string{"status_class"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sellia_request_duration_seconds",
			Help:    "End-to-end duration of a proxied public request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status_class"}),
		rateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sellia_rate_limit_denied_total",
			Help: "Rate-limit denials, by limit name.",
		}, []string{"limit"}),
	}
}

func (p *Prometheus) SetActiveTunnels(n int)     { p.activeTunnels.Set(float64(n)) }
func (p *Prometheus) SetActiveConnections(n int) { p.activeConnections.Set(float64(n)) }

func (p *Prometheus) ObserveRequest(statusClass string, durationSeconds float64) {
	p.requestsTotal.WithLabelValues(statusClass).Inc()
	p.requestDuration.WithLabelValues(statusClass).Observe(durationSeconds)
}

func (p *Prometheus) IncRateLimitDenied(limit string) {
	p.rateLimitDenied.WithLabelValues(limit).Inc()
}

// Nop is a Recorder that discards everything, used where no metrics
// backend has been wired (tests, minimal embeddings).
type Nop struct{}

func (Nop) SetActiveTunnels(int)                  {}
func (Nop) SetActiveConnections(int)              {}
func (Nop) ObserveRequest(string, float64)        {}
func (Nop) IncRateLimitDenied(string)             {}

// StatusClass maps an HTTP status code to the low-cardinality label used
// by ObserveRequest/requests_total ("2xx", "4xx", ...).
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
