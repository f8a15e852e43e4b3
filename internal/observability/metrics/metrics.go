// Package metrics exposes prometheus instruments for the billing hot paths.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures payment verification, webhook ingestion, and scheduler
// health signals. Label values stay low-cardinality: outcome and job names
// only, never tenant or payment IDs.
type Metrics struct {
	verifications *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	schedulerRuns *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	manualReviews prometheus.Counter
}

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// Default returns the singleton registered against the default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// ResetForTest resets the singleton so each test can register cleanly.
func ResetForTest() {
	metricsOnce = sync.Once{}
	registry = nil
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitle_payment_verifications_total",
		Help: "Payment verification attempts by outcome.",
	}, []string{"outcome"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitle_webhook_events_total",
		Help: "Gateway webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	schedulerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entitle_scheduler_job_runs_total",
		Help: "Scheduler job runs by job name and outcome.",
	}, []string{"job", "outcome"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entitle_scheduler_job_duration_seconds",
		Help:    "Scheduler job latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"job"})
	manualReviews := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entitle_payments_manual_review_total",
		Help: "Payments parked for operator review.",
	})

	for _, collector := range []prometheus.Collector{
		verifications, webhookEvents, schedulerRuns, jobDuration, manualReviews,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &Metrics{
		verifications: verifications,
		webhookEvents: webhookEvents,
		schedulerRuns: schedulerRuns,
		jobDuration:   jobDuration,
		manualReviews: manualReviews,
	}
}

func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveSchedulerRun(job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveManualReview() {
	if m == nil {
		return
	}
	m.manualReviews.Inc()
}
