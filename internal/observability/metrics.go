package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce      sync.Once
	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	attemptsStartedTotal *prometheus.CounterVec
	submissionsTotal     *prometheus.CounterVec
	autoSubmissionsTotal prometheus.Counter
	attemptScoreRatio    prometheus.Histogram
	activeSessionsGauge  prometheus.Gauge

	fileUploadsTotal  *prometheus.CounterVec
	fileUploadLatency prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the attempt lifecycle.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_api_requests_total",
			Help: "Total number of assessment API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessment_api_latency_seconds",
			Help:    "Latency distribution for assessment API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_api_errors_total",
			Help: "Total number of error responses returned by assessment endpoints.",
		}, []string{"method", "route", "status"})

		attemptsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_attempts_started_total",
			Help: "Attempts started, partitioned by whether they are timed.",
		}, []string{"timed"})

		submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_submissions_total",
			Help: "Submissions partitioned by mode (manual/auto) and outcome.",
		}, []string{"mode", "outcome"})

		autoSubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessment_forced_submissions_total",
			Help: "Submissions forced by countdown expiry.",
		})

		attemptScoreRatio = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assessment_score_ratio",
			Help:    "Auto-graded score divided by total possible points.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		})

		activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessment_active_sessions",
			Help: "Attempt sessions currently held in memory.",
		})

		fileUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_file_uploads_total",
			Help: "File answer uploads partitioned by outcome.",
		}, []string{"outcome"})

		fileUploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assessment_file_upload_latency_seconds",
			Help:    "Latency distribution for file answer uploads.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			attemptsStartedTotal,
			submissionsTotal,
			autoSubmissionsTotal,
			attemptScoreRatio,
			activeSessionsGauge,
			fileUploadsTotal,
			fileUploadLatency,
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

// AttemptsStarted counts started attempts.
func AttemptsStarted() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptsStartedTotal
}

// Submissions counts submission outcomes.
func Submissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsTotal
}

// ForcedSubmissions counts countdown-forced submissions.
func ForcedSubmissions() prometheus.Counter {
	RegisterMetrics()
	return autoSubmissionsTotal
}

// ScoreRatio observes graded score ratios.
func ScoreRatio() prometheus.Histogram {
	RegisterMetrics()
	return attemptScoreRatio
}

// ActiveSessions tracks sessions held by the registry.
func ActiveSessions() prometheus.Gauge {
	RegisterMetrics()
	return activeSessionsGauge
}

// FileUploads counts file answer uploads by outcome.
func FileUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return fileUploadsTotal
}

// FileUploadLatency observes file answer upload durations.
func FileUploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return fileUploadLatency
}
