// Package metrics exposes Prometheus collectors for the ingestion worker.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestJobsTotal             *prometheus.CounterVec
	ingestFailuresTotal         *prometheus.CounterVec
	ingestStageDurationSeconds  *prometheus.HistogramVec
	ingestChunksPerFiling       prometheus.Histogram
	ingestDocumentBytes         *prometheus.HistogramVec
	ingestThrottleWaitSeconds   *prometheus.HistogramVec
	ingestRateLimitBlocksTotal  prometheus.Counter
	ingestDownloadAttemptsTotal *prometheus.CounterVec
	ingestArchiveFailuresTotal  prometheus.Counter
	ingestInFlightMessages      prometheus.Gauge
	ingestDBPoolConnections     *prometheus.GaugeVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of queue messages processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_failures_total",
				Help: "Total number of failed jobs, labeled by failure kind.",
			},
			[]string{"kind"},
		)

		ingestStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Histogram of pipeline stage latencies, labeled by stage.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		ingestChunksPerFiling = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_chunks_per_filing",
				Help:    "Histogram of chunk counts per committed filing.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		)

		ingestDocumentBytes = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_document_bytes",
				Help:    "Histogram of document sizes, labeled by form (raw or clean).",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
			},
			[]string{"form"},
		)

		ingestThrottleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_throttle_wait_seconds",
				Help:    "Histogram of throttler sleeps, labeled by reason (interval or block).",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300, 1800},
			},
			[]string{"reason"},
		)

		ingestRateLimitBlocksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_rate_limit_blocks_total",
				Help: "Total number of rate-limit blocks entered after upstream 429 responses.",
			},
		)

		ingestDownloadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_download_attempts_total",
				Help: "Total number of HTTP attempts, labeled by result.",
			},
			[]string{"result"},
		)

		ingestArchiveFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_archive_failures_total",
				Help: "Total number of raw documents that could not be archived.",
			},
		)

		ingestInFlightMessages = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_in_flight_messages",
				Help: "Number of queue messages currently being processed.",
			},
		)

		ingestDBPoolConnections = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_db_pool_connections",
				Help: "Database pool connections, labeled by state.",
			},
			[]string{"state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	Init()
	ingestJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFailure increments the failure counter for the given kind.
func ObserveFailure(kind string) {
	Init()
	ingestFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	Init()
	ingestStageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveChunks records the chunk count of a committed filing.
func ObserveChunks(n int) {
	Init()
	ingestChunksPerFiling.Observe(float64(n))
}

// ObserveDocumentBytes records the size of a document in the given form.
func ObserveDocumentBytes(form string, n int) {
	Init()
	ingestDocumentBytes.WithLabelValues(form).Observe(float64(n))
}

// ObserveThrottleWait records a throttler sleep.
func ObserveThrottleWait(reason string, d time.Duration) {
	Init()
	ingestThrottleWaitSeconds.WithLabelValues(reason).Observe(d.Seconds())
}

// ObserveRateLimitBlock counts a new rate-limit block.
func ObserveRateLimitBlock() {
	Init()
	ingestRateLimitBlocksTotal.Inc()
}

// ObserveDownloadAttempt counts one HTTP attempt by result.
func ObserveDownloadAttempt(result string) {
	Init()
	ingestDownloadAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveArchiveFailure counts a failed raw-document archive write.
func ObserveArchiveFailure() {
	Init()
	ingestArchiveFailuresTotal.Inc()
}

// IncInFlight increments the in-flight message gauge.
func IncInFlight() {
	Init()
	ingestInFlightMessages.Inc()
}

// DecInFlight decrements the in-flight message gauge.
func DecInFlight() {
	Init()
	ingestInFlightMessages.Dec()
}

// ObservePool publishes a pool snapshot.
func ObservePool(total, idle, inUse int32, waiting int64) {
	Init()
	ingestDBPoolConnections.WithLabelValues("total").Set(float64(total))
	ingestDBPoolConnections.WithLabelValues("idle").Set(float64(idle))
	ingestDBPoolConnections.WithLabelValues("in_use").Set(float64(inUse))
	ingestDBPoolConnections.WithLabelValues("waiting").Set(float64(waiting))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
