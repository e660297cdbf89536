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
	"fmt"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

// batcher buffers the records of one partition and tracks which prefix of
// the buffer is sealed: a snapshot is sealed once its marker or a record of
// a later snapshot was seen, so no more records of it can follow.
type batcher struct {
	partition    int32
	records      []*mutation.Record
	sealed       int
	lastOffset   int64
	lastSnapshot int64
}

func newBatcher(p partition.Progress) *batcher {
	return &batcher{
		partition:    p.PartitionID,
		lastOffset:   p.AppliedOffset,
		lastSnapshot: p.AppliedSnapshotID,
	}
}

// add appends r. Redelivered records are dropped. A gap in offsets or a
// snapshot going backwards means the log is corrupt.
func (b *batcher) add(r *mutation.Record) error {
	if r.Offset <= b.lastOffset {
		return nil
	}
	if r.Offset != b.lastOffset+1 {
		return fmt.Errorf("%w: partition %d expected offset %d, got %d",
			ErrCorruptedLog, b.partition, b.lastOffset+1, r.Offset)
	}
	if r.SnapshotID < b.lastSnapshot {
		return fmt.Errorf("%w: partition %d offset %d has snapshot %d after snapshot %d",
			ErrCorruptedLog, b.partition, r.Offset, r.SnapshotID, b.lastSnapshot)
	}
	if r.SnapshotID > b.lastSnapshot {
		b.sealed = len(b.records)
	}
	b.records = append(b.records, r)
	b.lastOffset = r.Offset
	b.lastSnapshot = r.SnapshotID
	if r.IsMarker() {
		b.sealed = len(b.records)
	}
	return nil
}

func (b *batcher) sealedLen() int {
	return b.sealed
}

func (b *batcher) openLen() int {
	return len(b.records) - b.sealed
}

func (b *batcher) takeSealed() []*mutation.Record {
	out := b.records[:b.sealed:b.sealed]
	b.records = append([]*mutation.Record(nil), b.records[b.sealed:]...)
	b.sealed = 0
	return out
}

// takeAll empties the buffer including the open snapshot.
func (b *batcher) takeAll() []*mutation.Record {
	out := b.records
	b.records = nil
	b.sealed = 0
	return out
}
