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
	"context"

	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

// Reporter receives the progress of the partitions this process ingests.
// The coordinator implements it in process, the coordinator client over
// the network.
type Reporter interface {
	ReportProgress(ctx context.Context, p partition.Progress) error
	ReportFailure(ctx context.Context, partition int32, reason string) error
}

// Store is the partition store an ingestor writes to.
type Store interface {
	ID() int32
	Progress() (partition.Progress, error)
	Apply(ctx context.Context, records []*mutation.Record, opts ...partitionrepo.ApplyOption) (partitionrepo.AppliedResult, error)
	Compact(ctx context.Context, horizon int64) (partitionrepo.CompactResult, error)
}
