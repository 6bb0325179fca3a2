// Package metrics provides Prometheus collectors for the sync storage
// service.
//
// Purpose:
//
//	Defines and registers the service's metrics: HTTP traffic, storage
//	operation latency by backend, metadata cache effectiveness, batch upload
//	sizes and change-event emission. Collectors register globally on import
//	and are exposed via the /metrics endpoint.
//
// Usage:
//
//	metrics.RecordRequest("GET", "/2.0/{user}/info/collections", 200, elapsed)
//	metrics.ObserveStorageOp("sql", "set_items", elapsed)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "syncstorage"

var (
	// RequestsTotal counts HTTP requests by method, route pattern and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDurationSeconds measures request latency by method and route.
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// StorageOpDurationSeconds measures storage backend operation latency.
	StorageOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Storage operation duration in seconds by backend and operation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// CacheRequestsTotal counts metadata cache lookups by result.
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total number of metadata cache lookups by result",
		},
		[]string{"result"}, // result: hit, miss
	)

	// BatchUploadItems tracks how many items arrive per batch upload.
	BatchUploadItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "batch_upload_items",
			Help:      "Number of items per batch upload",
			Buckets:   []float64{1, 5, 10, 25, 50, 100},
		},
	)

	// EventsEmittedTotal counts change-event emissions by result.
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of storage change events emitted by result",
		},
		[]string{"result"}, // result: ok, error
	)
)

// RecordRequest records one completed HTTP request.
func RecordRequest(method, route string, status string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveStorageOp records the duration of one storage backend operation.
func ObserveStorageOp(backend, op string, elapsed time.Duration) {
	StorageOpDurationSeconds.WithLabelValues(backend, op).Observe(elapsed.Seconds())
}

// RecordCacheHit records a metadata cache hit.
func RecordCacheHit() {
	CacheRequestsTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a metadata cache miss.
func RecordCacheMiss() {
	CacheRequestsTotal.WithLabelValues("miss").Inc()
}

// RecordBatchUpload records the size of one batch upload.
func RecordBatchUpload(items int) {
	BatchUploadItems.Observe(float64(items))
}

// RecordEventEmitted records a change-event emission outcome.
func RecordEventEmitted(err error) {
	if err != nil {
		EventsEmittedTotal.WithLabelValues("error").Inc()
		return
	}
	EventsEmittedTotal.WithLabelValues("ok").Inc()
}
