// Package metrics holds the Prometheus collectors of the notification
// service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DORIS request outcomes.
const (
	OutcomeStem    = "stem"
	OutcomeNoStem  = "no_stem"
	OutcomeError   = "error"
	OutcomeStale   = "stale"
	OutcomeCached  = "cached"
	OutcomeSkipped = "skipped"
)

// Metrics provides observability for the form rules and the coding service.
type Metrics struct {
	// DORIS calls by outcome
	DorisRequests *prometheus.CounterVec

	DorisLatency prometheus.Histogram

	// Validation notices raised by the form rules, by field
	RuleNotices *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DorisRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deathform_doris_requests_total",
			Help: "Underlying cause computations by outcome",
		}, []string{"outcome"}),

		DorisLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deathform_doris_request_duration_seconds",
			Help:    "Duration of calls to the DORIS coding service",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		RuleNotices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deathform_rule_notices_total",
			Help: "Validation notices raised by the form rules",
		}, []string{"field", "level"}),

		gatherer: reg,
	}
}

// ObserveDoris records one coding service call.
func (m *Metrics) ObserveDoris(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DorisRequests.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.DorisLatency.Observe(d.Seconds())
	}
}

// IncrementNotice records a validation notice.
func (m *Metrics) IncrementNotice(field, level string) {
	if m != nil {
		m.RuleNotices.WithLabelValues(field, level).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
