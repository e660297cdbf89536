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

package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/usecases/ingest"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

var (
	ErrNoMutations = errors.New("no mutations")
	// ErrInvalidMutation wraps every validation failure of Write.
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrThrottled is returned when a batch cannot be admitted within the
	// configured rate before its context ends.
	ErrThrottled = errors.New("write throttled")
	// ErrPartitionMismatch is returned when the queue and the frontend
	// disagree on the number of partitions.
	ErrPartitionMismatch = errors.New("partition count mismatch")
)

// Frontier lets writers wait until their snapshot is readable.
type Frontier interface {
	Frontier() int64
	WaitForFrontier(ctx context.Context, s int64) error
}

// Reservations persists the highest write snapshot handed out, so that a
// restarted frontend never reuses a lower one.
type Reservations interface {
	ReserveWriteSnapshot(s int64) error
	WriteSnapshotReservation() (int64, error)
}

// Frontend admits writes: it stamps every mutation with the current write
// snapshot and an operation id, routes it to a partition and appends it to
// the queue. Snapshots are sealed by appending a marker to every partition.
type Frontend struct {
	cfg          Config
	producer     ingest.Producer
	frontier     Frontier
	reservations Reservations
	logger       logrus.FieldLogger
	metrics      *monitoring.PrometheusMetrics
	newID        func() string
	limiter      *rate.Limiter

	// writes hold mu for reading; a commit holds it exclusively so that no
	// record of snapshot s is appended after the markers of s.
	mu       sync.RWMutex
	snapshot int64
}

// New starts writing above every snapshot reserved by a previous run and
// above the current frontier. reservations and metrics may be nil.
func New(cfg Config, producer ingest.Producer, frontier Frontier, reservations Reservations,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) (*Frontend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if n := producer.Partitions(); n != cfg.Partitions {
		return nil, fmt.Errorf("%w: queue has %d, configured %d", ErrPartitionMismatch, n, cfg.Partitions)
	}

	f := &Frontend{
		cfg:          cfg,
		producer:     producer,
		frontier:     frontier,
		reservations: reservations,
		logger:       logger.WithField("component", "frontend"),
		metrics:      metrics,
		newID:        func() string { return uuid.New().String() },
	}
	if cfg.MaxMutationsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMutationsPerSecond), cfg.Burst)
	}

	start := int64(1)
	if frontier != nil {
		start = max(start, frontier.Frontier()+1)
	}
	if reservations != nil {
		reserved, err := reservations.WriteSnapshotReservation()
		if err != nil {
			return nil, fmt.Errorf("load write snapshot: %w", err)
		}
		start = max(start, reserved+1)
	}
	if err := f.reserve(start); err != nil {
		return nil, err
	}
	f.snapshot = start

	f.logger.WithFields(logrus.Fields{
		"action":   "frontend_start",
		"snapshot": start,
	}).Info("accepting writes")
	return f, nil
}

func (f *Frontend) reserve(s int64) error {
	if f.reservations != nil {
		if err := f.reservations.ReserveWriteSnapshot(s); err != nil {
			return fmt.Errorf("reserve write snapshot %d: %w", s, err)
		}
	}
	if f.metrics != nil {
		f.metrics.FrontendWriteSnapshot.Set(float64(s))
	}
	return nil
}

// Partition returns the partition a routing key belongs to.
func Partition(key string, partitions int) int32 {
	return int32(murmur3.Sum32([]byte(key)) % uint32(partitions))
}

// Write appends mutations under the current write snapshot and returns it.
// Either all mutations are validated and handed to the queue, or none is.
func (f *Frontend) Write(ctx context.Context, mutations ...mutation.Mutation) (int64, error) {
	if len(mutations) == 0 {
		return 0, ErrNoMutations
	}
	for i, m := range mutations {
		if err := m.Validate(); err != nil {
			return 0, fmt.Errorf("%w %d: %w", ErrInvalidMutation, i, err)
		}
	}

	if err := f.admit(ctx, len(mutations)); err != nil {
		return 0, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	s := f.snapshot
	records := make([]*mutation.Record, len(mutations))
	for i, m := range mutations {
		records[i] = &mutation.Record{
			PartitionID: Partition(m.Target.RoutingKey(), f.cfg.Partitions),
			SnapshotID:  s,
			OperationID: f.newID(),
			Op:          m.Op,
			Target:      m.Target,
			Payload:     m.Payload,
		}
	}
	if err := f.append(ctx, records); err != nil {
		return 0, err
	}
	return s, nil
}

func (f *Frontend) admit(ctx context.Context, n int) error {
	if f.limiter == nil {
		return nil
	}
	if n > f.limiter.Burst() {
		return fmt.Errorf("%w: batch of %d exceeds burst %d", ErrThrottled, n, f.limiter.Burst())
	}
	if err := f.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return nil
}

func (f *Frontend) append(ctx context.Context, records []*mutation.Record) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.AppendTimeout)
	defer cancel()
	if err := f.producer.Append(ctx, records...); err != nil {
		return fmt.Errorf("append %d records: %w", len(records), err)
	}
	return nil
}

// CommitSnapshot seals the current write snapshot on every partition and
// moves writes to the next one. It returns the sealed snapshot. Writes move
// on even when some markers could not be appended: a partition missing the
// marker of s is sealed by the first record of a later snapshot.
func (f *Frontend) CommitSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.snapshot
	markers := make([]*mutation.Record, f.cfg.Partitions)
	for i := range markers {
		markers[i] = &mutation.Record{
			PartitionID: int32(i),
			SnapshotID:  s,
			OperationID: f.newID(),
			Op:          mutation.OpMarker,
		}
	}
	// reserve before sealing so a crash right after the markers cannot
	// hand out s again
	if err := f.reserve(s + 1); err != nil {
		return 0, err
	}
	err := f.append(ctx, markers)
	f.snapshot = s + 1
	if err != nil {
		return 0, fmt.Errorf("seal snapshot %d: %w", s, err)
	}

	if f.metrics != nil {
		f.metrics.FrontendCommitDuration.Observe(time.Since(start).Seconds())
	}
	f.logger.WithFields(logrus.Fields{
		"action":   "frontend_commit",
		"snapshot": s,
		"took":     time.Since(start),
	}).Debug("snapshot sealed")
	return s, nil
}

// WriteSnapshot is the snapshot new writes are assigned to.
func (f *Frontend) WriteSnapshot() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot
}

// WaitVisible blocks until snapshot s is readable on every partition.
func (f *Frontend) WaitVisible(ctx context.Context, s int64) error {
	if f.frontier == nil {
		return fmt.Errorf("wait for snapshot %d: no frontier source", s)
	}
	return f.frontier.WaitForFrontier(ctx, s)
}

// Run commits a snapshot every SnapshotInterval until ctx is done. Failed
// commits are logged and retried on the next tick.
func (f *Frontend) Run(ctx context.Context) {
	if f.cfg.SnapshotInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(f.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := f.CommitSnapshot(ctx); err != nil && ctx.Err() == nil {
				f.logger.WithField("action", "frontend_commit").WithError(err).
					Warn("could not seal snapshot")
			}
		}
	}
}
