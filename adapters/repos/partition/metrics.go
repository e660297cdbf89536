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

package partition

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weaviate/snapgraph/usecases/monitoring"
)

var (
	applyDurationBuckets  = prometheus.ExponentialBuckets(0.0005, 2, 16) // ~0.5ms to 16s
	exportDurationBuckets = prometheus.ExponentialBuckets(0.01, 2, 16)   // ~10ms to 5m
)

// Metrics of all partition stores of a process. The zero value records
// nothing.
type Metrics struct {
	monitoring bool

	recordsApplied  prometheus.Counter
	recordsSkipped  prometheus.Counter
	recordsReplayed prometheus.Counter
	batchesApplied  prometheus.Counter
	versionsRemoved prometheus.Counter
	exportedBytes   prometheus.Counter
	restoredBytes   prometheus.Counter

	applyDuration   prometheus.Histogram
	exportDuration  prometheus.Histogram
	restoreDuration prometheus.Histogram
	compactDuration prometheus.Histogram
}

func NewMetrics(prom *monitoring.PrometheusMetrics) (*Metrics, error) {
	m := &Metrics{}

	if prom == nil {
		return m, nil
	}
	m.monitoring = true

	if prom.Registerer == nil {
		prom.Registerer = prometheus.DefaultRegisterer
	}

	counters := []struct {
		dst        *prometheus.Counter
		name, help string
	}{
		{&m.recordsApplied, "partition_records_applied_total", "Records that advanced a partition's applied offset"},
		{&m.recordsSkipped, "partition_records_skipped_total", "Redelivered records at or below the applied offset"},
		{&m.recordsReplayed, "partition_records_replayed_total", "Records whose operation id had already been applied"},
		{&m.batchesApplied, "partition_batches_applied_total", "Batches committed to partition stores"},
		{&m.versionsRemoved, "partition_versions_compacted_total", "Versions removed by compaction"},
		{&m.exportedBytes, "partition_export_bytes_total", "Bytes written by partition exports"},
		{&m.restoredBytes, "partition_restore_bytes_total", "Bytes read by partition restores"},
	}
	for _, c := range counters {
		counter, err := newCounter(prom.Registerer, c.name, c.help)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	histograms := []struct {
		dst        *prometheus.Histogram
		name, help string
		buckets    []float64
	}{
		{&m.applyDuration, "partition_apply_duration_seconds", "Duration of batch applies", applyDurationBuckets},
		{&m.exportDuration, "partition_export_duration_seconds", "Duration of partition exports", exportDurationBuckets},
		{&m.restoreDuration, "partition_restore_duration_seconds", "Duration of partition restores", exportDurationBuckets},
		{&m.compactDuration, "partition_compact_duration_seconds", "Duration of compactions", exportDurationBuckets},
	}
	for _, h := range histograms {
		histogram, err := newHistogram(prom.Registerer, h.name, h.help, h.buckets)
		if err != nil {
			return nil, err
		}
		*h.dst = histogram
	}

	return m, nil
}

func newCounter(reg prometheus.Registerer, name, help string) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapgraph",
		Name:      name,
		Help:      help,
	})
	if err := reg.Register(c); err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			if counter, ok := e.ExistingCollector.(prometheus.Counter); ok {
				return counter, nil
			}
			return nil, fmt.Errorf("metric %s already registered but not as a Counter", name)
		}
		return nil, err
	}
	return c, nil
}

func newHistogram(reg prometheus.Registerer, name, help string, buckets []float64) (prometheus.Histogram, error) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapgraph",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	if err := reg.Register(h); err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			if histogram, ok := e.ExistingCollector.(prometheus.Histogram); ok {
				return histogram, nil
			}
			return nil, fmt.Errorf("metric %s already registered but not as a Histogram", name)
		}
		return nil, err
	}
	return h, nil
}

func (m *Metrics) observeApply(res AppliedResult, took time.Duration) {
	if !m.monitoring {
		return
	}
	m.recordsSkipped.Add(float64(res.Skipped))
	if res.Applied == 0 {
		return
	}
	m.batchesApplied.Inc()
	m.recordsApplied.Add(float64(res.Applied))
	m.recordsReplayed.Add(float64(res.Replayed))
	m.applyDuration.Observe(took.Seconds())
}

func (m *Metrics) observeExport(bytes int64, took time.Duration) {
	if !m.monitoring {
		return
	}
	m.exportedBytes.Add(float64(bytes))
	m.exportDuration.Observe(took.Seconds())
}

func (m *Metrics) observeRestore(bytes int64, took time.Duration) {
	if !m.monitoring {
		return
	}
	m.restoredBytes.Add(float64(bytes))
	m.restoreDuration.Observe(took.Seconds())
}

func (m *Metrics) observeCompaction(removed int, took time.Duration) {
	if !m.monitoring {
		return
	}
	m.versionsRemoved.Add(float64(removed))
	m.compactDuration.Observe(took.Seconds())
}
