// Package metrics provides Prometheus metrics for assetstore.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all assetstore metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	defaultOnce    sync.Once
	defaultMetrics *AssetMetrics
)

// AssetMetrics holds all Prometheus metrics for the asset store.
// A nil *AssetMetrics is valid and records nothing.
type AssetMetrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // assetstore_requests_total{route,status}
	RequestDuration *prometheus.HistogramVec // assetstore_request_duration_seconds{route}

	// Transfer metrics
	BytesUploaded prometheus.Counter // assetstore_bytes_uploaded_total
	BytesServed   prometheus.Counter // assetstore_bytes_served_total

	// Admission metrics
	Rejections *prometheus.CounterVec // assetstore_rejections_total{operation,reason}

	// Storage metrics
	FilesTotal      prometheus.Gauge
	ChunksTotal     prometheus.Gauge
	StorageBytes    prometheus.Gauge
	CapacityBytes   prometheus.Gauge
	CapacityUsedPct prometheus.Gauge

	// Identity metrics
	LedgerIdentities  prometheus.Gauge
	LedgerBytes       prometheus.Gauge
	BlockedIdentities prometheus.Gauge
	TrackedCallers    prometheus.Gauge

	// Snapshot metrics
	SnapshotsTotal        *prometheus.CounterVec // assetstore_snapshots_total{result}
	LastSnapshotTimestamp prometheus.Gauge
}

// NewAssetMetrics registers the asset store metrics with registry.
func NewAssetMetrics(registry prometheus.Registerer) *AssetMetrics {
	f := promauto.With(registry)
	return &AssetMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assetstore_requests_total",
			Help: "Total HTTP requests by route and status",
		}, []string{"route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetstore_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_bytes_uploaded_total",
			Help: "Total chunk bytes accepted",
		}),

		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Name: "assetstore_bytes_served_total",
			Help: "Total chunk bytes served",
		}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assetstore_rejections_total",
			Help: "Calls rejected by admission control, by operation and reason",
		}, []string{"operation", "reason"}),

		FilesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_files",
			Help: "Number of stored files",
		}),

		ChunksTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_chunks",
			Help: "Number of stored chunks",
		}),

		StorageBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_storage_bytes",
			Help: "Persisted bytes across the bulk tier",
		}),

		CapacityBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_capacity_bytes",
			Help: "Storage ceiling in bytes",
		}),

		CapacityUsedPct: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_capacity_used_percent",
			Help: "Percentage of the storage ceiling in use",
		}),

		LedgerIdentities: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_ledger_identities",
			Help: "Identities with a quota ledger entry",
		}),

		LedgerBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_ledger_bytes",
			Help: "Bytes accepted across all quota ledger entries",
		}),

		BlockedIdentities: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_blocked_identities",
			Help: "Identities on the blocklist",
		}),

		TrackedCallers: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_ratelimit_tracked_identities",
			Help: "Identities with a non-empty rate limit log",
		}),

		SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assetstore_snapshots_total",
			Help: "Snapshot writes by result",
		}, []string{"result"}),

		LastSnapshotTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "assetstore_last_snapshot_timestamp_seconds",
			Help: "Unix time of the last successful snapshot",
		}),
	}
}

// Default returns the metrics registered with Registry.
// Metrics are only registered once; subsequent calls return the same instance.
func Default() *AssetMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewAssetMetrics(Registry)
	})
	return defaultMetrics
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRequest records a request metric.
func (m *AssetMetrics) RecordRequest(route, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordUpload records accepted chunk bytes.
func (m *AssetMetrics) RecordUpload(bytes int) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordServed records served chunk bytes.
func (m *AssetMetrics) RecordServed(bytes int) {
	if m == nil {
		return
	}
	m.BytesServed.Add(float64(bytes))
}

// RecordRejection records a call rejected by admission control.
func (m *AssetMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(operation, reason).Inc()
}

// RecordSnapshot records a snapshot write.
func (m *AssetMetrics) RecordSnapshot(err error, unixSeconds float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.SnapshotsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SnapshotsTotal.WithLabelValues("ok").Inc()
	m.LastSnapshotTimestamp.Set(unixSeconds)
}

// UpdateStorageMetrics updates the storage and identity gauges.
func (m *AssetMetrics) UpdateStorageMetrics(s Stats) {
	if m == nil {
		return
	}
	m.FilesTotal.Set(float64(s.Files))
	m.ChunksTotal.Set(float64(s.Chunks))
	m.StorageBytes.Set(float64(s.StorageBytes))
	m.CapacityBytes.Set(float64(s.CapacityBytes))
	if s.CapacityBytes > 0 {
		m.CapacityUsedPct.Set(float64(s.StorageBytes) / float64(s.CapacityBytes) * 100)
	} else {
		m.CapacityUsedPct.Set(0)
	}
	m.LedgerIdentities.Set(float64(s.LedgerIdentities))
	m.LedgerBytes.Set(float64(s.LedgerBytes))
	m.BlockedIdentities.Set(float64(s.BlockedIdentities))
	m.TrackedCallers.Set(float64(s.TrackedCallers))
}
