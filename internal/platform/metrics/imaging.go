// Package metrics provides Prometheus metrics for the imaging pipeline and
// the archive gateway.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ImagingMetrics contains the Prometheus metrics related to DICOM ingestion,
// deletion and archive traffic.
type ImagingMetrics struct {
	IngestTotal            *prometheus.CounterVec   // by mode, outcome
	IngestDuration         *prometheus.HistogramVec // by mode
	IngestBytes            prometheus.Counter       // payload bytes recorded
	ArchiveFallbacksTotal  prometheus.Counter       // lenient uploads kept locally
	HierarchyCreatedTotal  *prometheus.CounterVec   // by level (study, series)
	DeletionsTotal         *prometheus.CounterVec   // by level, outcome
	ArchiveRequestsTotal   *prometheus.CounterVec   // by operation, status
	ArchiveRequestDuration *prometheus.HistogramVec // by operation
	LinkCacheLookupsTotal  *prometheus.CounterVec   // by result (hit, miss)

	registry *prometheus.Registry
}

// NewImagingMetrics creates the metrics and registers them with registry.
func NewImagingMetrics(registry *prometheus.Registry) (*ImagingMetrics, error) {
	m := &ImagingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register imaging metrics: %w", err)
	}
	return m, nil
}

// NewNop returns unregistered metrics, for callers that do not export them.
func NewNop() *ImagingMetrics {
	m := &ImagingMetrics{}
	m.initMetrics()
	return m
}

func (m *ImagingMetrics) initMetrics() {
	m.IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_ingest_total",
			Help: "Total number of DICOM uploads by ingestion mode and outcome",
		},
		[]string{"mode", "outcome"}, // outcome: success, extraction_error, archive_error, db_error, duplicate
	)

	m.IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imaging_ingest_duration_seconds",
			Help:    "Time taken to ingest one DICOM object",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	m.IngestBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imaging_ingest_bytes_total",
		Help: "Total size of accepted DICOM payloads",
	})

	m.ArchiveFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imaging_archive_fallbacks_total",
		Help: "Uploads kept in local storage because the archive rejected or missed them",
	})

	m.HierarchyCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_hierarchy_created_total",
			Help: "Studies and series created on first upload",
		},
		[]string{"level"},
	)

	m.DeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_deletions_total",
			Help: "Deletion requests by hierarchy level and outcome",
		},
		[]string{"level", "outcome"}, // outcome: deleted, denied, not_found, forbidden, archive_error, db_error
	)

	m.ArchiveRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_requests_total",
			Help: "Requests sent to the imaging archive by operation and HTTP status",
		},
		[]string{"operation", "status"}, // status: HTTP code or "unavailable"
	)

	m.ArchiveRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archive_request_duration_seconds",
			Help:    "Latency of imaging archive requests by operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	m.LinkCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imaging_link_cache_lookups_total",
			Help: "Patient-doctor link lookups by cache result",
		},
		[]string{"result"},
	)
}

// ObserveArchiveRequest records one archive round trip. status 0 means the
// archive could not be reached.
func (m *ImagingMetrics) ObserveArchiveRequest(operation string, status int, d time.Duration) {
	label := "unavailable"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.ArchiveRequestsTotal.WithLabelValues(operation, label).Inc()
	m.ArchiveRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveIngest records the outcome of one upload.
func (m *ImagingMetrics) ObserveIngest(mode, outcome string, d time.Duration) {
	m.IngestTotal.WithLabelValues(mode, outcome).Inc()
	m.IngestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *ImagingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.IngestTotal.Describe(ch)
	m.IngestDuration.Describe(ch)
	m.IngestBytes.Describe(ch)
	m.ArchiveFallbacksTotal.Describe(ch)
	m.HierarchyCreatedTotal.Describe(ch)
	m.DeletionsTotal.Describe(ch)
	m.ArchiveRequestsTotal.Describe(ch)
	m.ArchiveRequestDuration.Describe(ch)
	m.LinkCacheLookupsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ImagingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.IngestTotal.Collect(ch)
	m.IngestDuration.Collect(ch)
	m.IngestBytes.Collect(ch)
	m.ArchiveFallbacksTotal.Collect(ch)
	m.HierarchyCreatedTotal.Collect(ch)
	m.DeletionsTotal.Collect(ch)
	m.ArchiveRequestsTotal.Collect(ch)
	m.ArchiveRequestDuration.Collect(ch)
	m.LinkCacheLookupsTotal.Collect(ch)
}
