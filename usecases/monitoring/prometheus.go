//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "snapgraph"

// PrometheusMetrics holds the process wide collectors. Package specific
// metrics (ingest, partition store, coordinator) register their own
// collectors on Registerer.
type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	// partitions per coordinator state, labelled "live", "degraded", "failed"
	PartitionsByState *prometheus.GaugeVec
	Frontier          prometheus.Gauge
	FrontierEpoch     prometheus.Gauge

	QueueRecordsAppended *prometheus.CounterVec

	FrontendWriteSnapshot  prometheus.Gauge
	FrontendCommitDuration prometheus.Histogram

	IngestBatchesFlushed *prometheus.CounterVec
	IngestForcedFlushes  *prometheus.CounterVec
	IngestApplyRetries   *prometheus.CounterVec
	IngestFatalErrors    *prometheus.CounterVec
	IngestAppliedOffset  *prometheus.GaugeVec
	IngestAppliedSnap    *prometheus.GaugeVec

	BackupStoreDataTransferred   *prometheus.CounterVec
	BackupRestoreDataTransferred *prometheus.CounterVec
	BackupDurations              *prometheus.HistogramVec
	BackupsByStatus              *prometheus.GaugeVec

	OpenConnections *prometheus.GaugeVec
	// requests per api, handler and status: "ok", "user_error", "server_error"
	RequestsTotal *prometheus.CounterVec
}

var (
	metrics     *PrometheusMetrics
	metricsOnce sync.Once
)

// GetMetrics returns the metrics registered on the default registry.
func GetMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		metrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// NoopMetrics returns a fully built set of collectors that is not exposed
// anywhere.
func NoopMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics(noop)
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		Registerer: reg,

		PartitionsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_partitions",
			Help:      "Number of partitions per coordinator state",
		}, []string{"state"}),
		Frontier: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_frontier",
			Help:      "Published cluster wide read snapshot",
		}),
		FrontierEpoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_frontier_epoch",
			Help:      "Number of progress resets caused by restores",
		}),

		QueueRecordsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_records_appended_total",
			Help:      "Records appended to the durable queue",
		}, []string{"backend", "op"}),

		FrontendWriteSnapshot: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frontend_write_snapshot",
			Help:      "Snapshot id assigned to incoming writes",
		}),
		FrontendCommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frontend_commit_duration_seconds",
			Help:      "Time to seal a snapshot on every partition",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),

		IngestBatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_flushed_total",
			Help:      "Batches handed to a partition store",
		}, []string{"partition"}),
		IngestForcedFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_open_snapshot_flushes_total",
			Help:      "Flushes of an unsealed snapshot because it outgrew the buffer",
		}, []string{"partition"}),
		IngestApplyRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_retries_total",
			Help:      "Retried applies and queue reconnects",
		}, []string{"partition", "operation"}),
		IngestFatalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_fatal_errors_total",
			Help:      "Ingestors stopped by a structural error",
		}, []string{"partition"}),
		IngestAppliedOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_applied_offset",
			Help:      "Applied queue offset per partition",
		}, []string{"partition"}),
		IngestAppliedSnap: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_applied_snapshot",
			Help:      "Applied snapshot per partition",
		}, []string{"partition"}),

		BackupStoreDataTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_store_data_transferred",
			Help:      "Total number of bytes transferred during a backup store",
		}, []string{"backend_name", "kind"}),
		BackupRestoreDataTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_restore_data_transferred",
			Help:      "Total number of bytes transferred during a backup restore",
		}, []string{"backend_name", "kind"}),
		BackupDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Duration of backup operations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
		}, []string{"operation", "result"}),
		BackupsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backups",
			Help:      "Number of known backups per status",
		}, []string{"status"}),

		OpenConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open HTTP connections per listener",
		}, []string{"listener"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of all requests made",
		}, []string{"api", "handler", "status"}),
	}
}
