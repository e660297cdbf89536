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
	"errors"

	"github.com/weaviate/snapgraph/entities/mutation"
)

var (
	// ErrCorruptedLog is fatal for a partition: the queue delivered a gap in
	// offsets or a record that cannot be read. It is never retried or
	// skipped.
	ErrCorruptedLog = errors.New("corrupted log")
	// ErrOffsetOutOfRange is returned when consumption starts past the end
	// of a partition's log.
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// Queue is the consuming side of the durable queue. One queue partition
// maps to one storage partition.
type Queue interface {
	// Consume starts reading partition at offset from.
	Consume(ctx context.Context, partition int32, from int64) (Consumer, error)
	Partitions() int
}

// Consumer delivers the records of one partition in offset order.
type Consumer interface {
	// Poll returns the next records. It waits a bounded time for new
	// records; an empty result means the partition is drained for now.
	Poll(ctx context.Context) ([]*mutation.Record, error)
	Close() error
}

// Producer is the appending side of the durable queue.
type Producer interface {
	// Append writes records to the partitions named by their PartitionID and
	// sets their Offset. Records of one partition keep their order.
	Append(ctx context.Context, records ...*mutation.Record) error
	Partitions() int
}
