// Package metrics defines custom Prometheus metrics for partstash.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for size histograms (bytes), 256B to 4GiB.
var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 13)

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partstash_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partstash_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partstash_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage engine metrics.
var (
	// IngestJobsTotal counts finished ingest jobs by result (completed, failed).
	IngestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partstash_ingest_jobs_total",
			Help: "Finished ingest jobs by result",
		},
		[]string{"result"},
	)

	// IngestJobsActive is the number of running ingest jobs.
	IngestJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partstash_ingest_jobs_active",
			Help: "Ingest jobs currently running",
		},
	)

	// IngestBytesTotal counts bytes accepted by the chunker.
	IngestBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partstash_ingest_bytes_total",
			Help: "Total bytes accepted for ingest",
		},
	)

	// PartOperationsTotal counts part store calls by backend, operation and status.
	PartOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partstash_part_operations_total",
			Help: "Part store operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)

	// PartOperationDuration observes part store call latency.
	PartOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partstash_part_operation_duration_seconds",
			Help:    "Part store operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"backend", "operation"},
	)

	// PartSize observes uploaded part payload sizes.
	PartSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partstash_part_size_bytes",
			Help:    "Uploaded part size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"backend"},
	)

	// RetriesTotal counts retried attempts by operation.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partstash_retries_total",
			Help: "Retried attempts after transient failures",
		},
		[]string{"op"},
	)

	// BytesServedTotal counts bytes streamed to readers.
	BytesServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partstash_bytes_served_total",
			Help: "Total bytes streamed by the range reader",
		},
	)

	// ReadStreamsTotal counts read streams by result (complete, aborted, failed).
	ReadStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partstash_read_streams_total",
			Help: "Read streams by result",
		},
		[]string{"result"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			IngestJobsTotal,
			IngestJobsActive,
			IngestBytesTotal,
			PartOperationsTotal,
			PartOperationDuration,
			PartSize,
			RetriesTotal,
			BytesServedTotal,
			ReadStreamsTotal,
		)
		IngestJobsTotal.WithLabelValues("completed")
		IngestJobsTotal.WithLabelValues("failed")
	})
}

// NormalizePath maps request paths to route templates suitable for use as
// metric labels, so file ids never become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml", "/upload":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	case "/api/files", "/api/files/":
		return "/api/files"
	case "/api/files/fetch":
		return "/api/files/fetch"
	case "/api/manifests":
		return "/api/manifests"
	}

	switch {
	case strings.HasPrefix(path, "/docs"):
		return "/docs"
	case strings.HasPrefix(path, "/download/"):
		return "/download/{id}"
	case strings.HasPrefix(path, "/api/files/fetch/"):
		return "/api/files/fetch/{id}"
	case strings.HasPrefix(path, "/api/files/"):
		return "/api/files/{id}"
	}
	return "/other"
}
