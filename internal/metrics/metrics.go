// Package metrics provides Prometheus metrics for the review workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the workflow counters. Each instance registers against its own
// registry so tests can construct them freely.
type Metrics struct {
	registry *prometheus.Registry

	ReviewsAssigned   prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec
	ApprovalsTotal    prometheus.Counter
	PatchesTotal      prometheus.Counter
	CyclesCreated     prometheus.Counter
	RemindersSent     prometheus.Counter
	GeneratorDuration prometheus.Histogram
	GeneratorSkips    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ReviewsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_reviews_assigned_total",
			Help: "Total review assignments created",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_review_decisions_total",
			Help: "Total review decisions submitted",
		}, []string{"decision"}),
		ApprovalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_approvals_total",
			Help: "Total approval records created",
		}),
		PatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_review_patches_total",
			Help: "Total rejected reviews patched into new cycles",
		}),
		CyclesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_review_cycles_created_total",
			Help: "Total review cycles opened by the scheduled generator",
		}),
		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "custodian_review_reminders_sent_total",
			Help: "Total due-soon review reminders dispatched",
		}),
		GeneratorDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodian_generator_sweep_duration_seconds",
			Help:    "Duration of scheduled review generator sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		GeneratorSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custodian_generator_skips_total",
			Help: "Documents skipped by the generator, by reason",
		}, []string{"reason"}),
	}
}

// Handler serves this instance's registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
