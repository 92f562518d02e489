// Package metrics provides Prometheus collectors for identity reconciliation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "identity"

	// OutcomeInvalid labels requests rejected before reconciliation.
	OutcomeInvalid = "invalid"
	// OutcomeFailed labels requests that failed inside reconciliation.
	OutcomeFailed = "failed"
)

// Metrics holds the reconciliation collectors.
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	ContactsDemoted  prometheus.Counter
	IdentifyDuration prometheus.Histogram
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		IdentifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identify_requests_total",
			Help:      "Identify requests by outcome",
		}, []string{"outcome"}),
		ContactsDemoted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contacts_demoted_total",
			Help:      "Primary contacts demoted to secondary by cluster merges",
		}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identify_duration_seconds",
			Help:      "Duration of identify requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// ObserveIdentify records one identify request.
func (m *Metrics) ObserveIdentify(outcome string, demoted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	if demoted > 0 {
		m.ContactsDemoted.Add(float64(demoted))
	}
	m.IdentifyDuration.Observe(elapsed.Seconds())
}
