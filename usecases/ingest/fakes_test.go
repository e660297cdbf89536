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
	"sync"
	"time"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

// memQueue keeps records in memory. Offsets are taken from the records as
// given so tests can produce gaps.
type memQueue struct {
	mu          sync.Mutex
	partitions  map[int32][]*mutation.Record
	notify      chan struct{}
	consumeErrs int
	consumed    []int64
}

func newMemQueue() *memQueue {
	return &memQueue{partitions: map[int32][]*mutation.Record{}, notify: make(chan struct{})}
}

func (q *memQueue) Partitions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.partitions)
}

func (q *memQueue) push(records ...*mutation.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range records {
		q.partitions[r.PartitionID] = append(q.partitions[r.PartitionID], r)
	}
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *memQueue) failNextConsumes(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumeErrs = n
}

func (q *memQueue) Consume(ctx context.Context, id int32, from int64) (Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumed = append(q.consumed, from)
	if q.consumeErrs > 0 {
		q.consumeErrs--
		return nil, errors.New("broker unavailable")
	}
	pos := 0
	for pos < len(q.partitions[id]) && q.partitions[id][pos].Offset < from {
		pos++
	}
	return &memConsumer{q: q, id: id, pos: pos}, nil
}

func (q *memQueue) consumedFrom() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.consumed...)
}

type memConsumer struct {
	q   *memQueue
	id  int32
	pos int
}

func (c *memConsumer) Poll(ctx context.Context) ([]*mutation.Record, error) {
	c.q.mu.Lock()
	records := c.q.partitions[c.id]
	notify := c.q.notify
	c.q.mu.Unlock()

	if c.pos < len(records) {
		out := records[c.pos:min(len(records), c.pos+4)]
		c.pos += len(out)
		return out, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-notify:
	case <-time.After(10 * time.Millisecond):
	}
	return nil, nil
}

func (c *memConsumer) Close() error {
	return nil
}

type failure struct {
	partition int32
	reason    string
}

type fakeReporter struct {
	mu       sync.Mutex
	progress map[int32]partition.Progress
	reports  int
	failures []failure
	err      error
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{progress: map[int32]partition.Progress{}}
}

func (r *fakeReporter) ReportProgress(ctx context.Context, p partition.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports++
	if r.err != nil {
		return r.err
	}
	r.progress[p.PartitionID] = p
	return nil
}

func (r *fakeReporter) ReportFailure(ctx context.Context, id int32, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure{partition: id, reason: reason})
	return nil
}

func (r *fakeReporter) last(id int32) (partition.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[id]
	return p, ok
}

func (r *fakeReporter) failed() []failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failure(nil), r.failures...)
}
