// Package metrics exposes engine counters for Prometheus scraping. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genbatch"

type Recorder struct {
	registry *prometheus.Registry

	submitted   prometheus.Counter
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	budget      *prometheus.CounterVec
	polls       prometheus.Counter
	claims      *prometheus.CounterVec
	detector    *prometheus.CounterVec
	waveSeconds prometheus.Histogram
	inflight    prometheus.Gauge
}

// New registers the engine collectors on a fresh registry, so several
// recorders can coexist in one process.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_submitted_total",
			Help: "Jobs accepted by the provider.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs finalized with an artifact, by whether the artifact was a duplicate.",
		}, []string{"duplicate"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Jobs marked failed, by reason class.",
		}, []string{"reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Retries after transient errors, by operation.",
		}, []string{"op"}),
		budget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "budget_decisions_total",
			Help: "Budget guard decisions, by outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Provider observations made by the polling loop.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Correlation claims, by method.",
		}, []string{"method"}),
		detector: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detector_events_total",
			Help: "Completion detector events, by event.",
		}, []string{"event"}),
		waveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "wave_duration_seconds",
			Help:    "Wall-clock duration of a wave from baseline to resolution.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_inflight",
			Help: "Jobs submitted and not yet resolved.",
		}),
	}
	r.registry.MustRegister(
		r.submitted, r.completed, r.failed, r.retries, r.budget,
		r.polls, r.claims, r.detector, r.waveSeconds, r.inflight,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the scrape endpoint.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Submitted() {
	if r == nil {
		return
	}
	r.submitted.Inc()
	r.inflight.Inc()
}

func (r *Recorder) Completed(duplicate bool) {
	if r == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	r.completed.WithLabelValues(label).Inc()
	r.inflight.Dec()
}

// Failed counts a failure. wasSubmitted says whether the job had been
// counted as in flight.
func (r *Recorder) Failed(reason string, wasSubmitted bool) {
	if r == nil {
		return
	}
	r.failed.WithLabelValues(reason).Inc()
	if wasSubmitted {
		r.inflight.Dec()
	}
}

func (r *Recorder) Retry(op string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(op).Inc()
}

func (r *Recorder) BudgetDecision(outcome string) {
	if r == nil {
		return
	}
	r.budget.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Poll() {
	if r == nil {
		return
	}
	r.polls.Inc()
}

func (r *Recorder) Claim(method string) {
	if r == nil {
		return
	}
	r.claims.WithLabelValues(method).Inc()
}

func (r *Recorder) DetectorEvent(event string) {
	if r == nil {
		return
	}
	r.detector.WithLabelValues(event).Inc()
}

func (r *Recorder) WaveDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.waveSeconds.Observe(d.Seconds())
}
