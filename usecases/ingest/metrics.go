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

package ingest

import (
	"strconv"

	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

// Metrics records ingestion activity. A nil *Metrics records nothing.
type Metrics struct {
	prom *monitoring.PrometheusMetrics
}

func NewMetrics(prom *monitoring.PrometheusMetrics) *Metrics {
	if prom == nil {
		return nil
	}
	return &Metrics{prom: prom}
}

func label(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}

func (m *Metrics) flushed(id int32, p partition.Progress, forced bool) {
	if m == nil {
		return
	}
	l := label(id)
	m.prom.IngestBatchesFlushed.WithLabelValues(l).Inc()
	if forced {
		m.prom.IngestForcedFlushes.WithLabelValues(l).Inc()
	}
	m.prom.IngestAppliedOffset.WithLabelValues(l).Set(float64(p.AppliedOffset))
	m.prom.IngestAppliedSnap.WithLabelValues(l).Set(float64(p.AppliedSnapshotID))
}

func (m *Metrics) retried(id int32, operation string) {
	if m == nil {
		return
	}
	m.prom.IngestApplyRetries.WithLabelValues(label(id), operation).Inc()
}

func (m *Metrics) fatal(id int32) {
	if m == nil {
		return
	}
	m.prom.IngestFatalErrors.WithLabelValues(label(id)).Inc()
}
