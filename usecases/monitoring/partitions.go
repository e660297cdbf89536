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

// MovePartition moves one partition from state from to state to.
func (pm *PrometheusMetrics) MovePartition(from, to string) {
	if pm == nil || from == to {
		return
	}

	pm.PartitionsByState.WithLabelValues(from).Dec()
	pm.PartitionsByState.WithLabelValues(to).Inc()
}

// AddPartitions registers n new partitions in state.
func (pm *PrometheusMetrics) AddPartitions(state string, n int) {
	if pm == nil {
		return
	}

	pm.PartitionsByState.WithLabelValues(state).Add(float64(n))
}

// SetFrontier publishes the frontier and its epoch.
func (pm *PrometheusMetrics) SetFrontier(frontier int64, epoch uint64) {
	if pm == nil {
		return
	}

	pm.Frontier.Set(float64(frontier))
	pm.FrontierEpoch.Set(float64(epoch))
}
