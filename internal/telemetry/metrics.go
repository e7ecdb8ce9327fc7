package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs admitted and submitted"}, []string{"type", "trigger"})
	AdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_admission_rejects_total", Help: "Enqueue requests denied by quota or concurrency limits"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	WorkerRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts that were rescheduled"}, []string{"type"})
	WorkerDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed terminally and moved to the DLQ"}, []string{"type"})
	ScheduledRuns    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_enqueued_total", Help: "Jobs enqueued by recurring schedules"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"})

	// AttemptDuration is labelled by outcome: success or error.
	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_attempt_duration_seconds",
		Help:    "Wall time of one workflow attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			AdmissionRejects,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			ScheduledRuns,
			QueueDepthGauge,
			InFlightGauge,
			AttemptDuration,
		)
	})
	return promhttp.Handler()
}
