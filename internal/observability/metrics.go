package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	submissionsAcceptedTotal  prometheus.Counter
	submissionsProcessedTotal *prometheus.CounterVec
	pipelineStepSeconds       *prometheus.HistogramVec
	plagiarismFoundTotal      prometheus.Counter
	workerQueueDepth          prometheus.Gauge
	statusEventsTotal         *prometheus.CounterVec
	statusWatchersActive      prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the scoring pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scoring_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		submissionsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoring_submissions_accepted_total",
			Help: "Submissions accepted into the pending state.",
		})

		submissionsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_submissions_processed_total",
			Help: "Submissions that reached a terminal state.",
		}, []string{"status"})

		pipelineStepSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scoring_pipeline_step_seconds",
			Help:    "Duration of each scoring pipeline step.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"step"})

		plagiarismFoundTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoring_plagiarism_found_total",
			Help: "Completed submissions flagged for plagiarism.",
		})

		workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scoring_worker_queue_depth",
			Help: "Jobs waiting for a free scoring worker.",
		})

		statusEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_status_events_total",
			Help: "Status events delivered to local watchers, by origin.",
		}, []string{"origin"})

		statusWatchersActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scoring_status_watchers_active",
			Help: "Open status watch connections.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			submissionsAcceptedTotal, submissionsProcessedTotal, pipelineStepSeconds,
			plagiarismFoundTotal, workerQueueDepth, statusEventsTotal, statusWatchersActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SubmissionsAccepted counts submissions created in the pending state.
func SubmissionsAccepted() prometheus.Counter {
	RegisterMetrics()
	return submissionsAcceptedTotal
}

// SubmissionsProcessed counts terminal outcomes by status.
func SubmissionsProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsProcessedTotal
}

// PipelineStepDuration observes per-step durations.
func PipelineStepDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelineStepSeconds
}

// PlagiarismFound counts completed submissions with a found result.
func PlagiarismFound() prometheus.Counter {
	RegisterMetrics()
	return plagiarismFoundTotal
}

// WorkerQueueDepth tracks queued scoring jobs.
func WorkerQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return workerQueueDepth
}

// StatusEvents counts delivered status events.
func StatusEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return statusEventsTotal
}

// StatusWatchers tracks open watch connections.
func StatusWatchers() prometheus.Gauge {
	RegisterMetrics()
	return statusWatchersActive
}
