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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a point in time view of one ingestor.
type Status struct {
	Partition int32              `json:"partition"`
	State     State              `json:"state"`
	Progress  partition.Progress `json:"progress"`
	Error     string             `json:"error,omitempty"`
}

// Ingestor drains one queue partition into its partition store. It applies
// only sealed snapshots so the store never claims a snapshot it has not
// fully seen.
type Ingestor struct {
	cfg      Config
	queue    Queue
	store    Store
	reporter Reporter
	logger   logrus.FieldLogger
	metrics  *Metrics

	mu         sync.Mutex
	status     Status
	lastReport time.Time
}

func NewIngestor(cfg Config, queue Queue, store Store, reporter Reporter,
	logger logrus.FieldLogger, metrics *Metrics,
) *Ingestor {
	id := store.ID()
	return &Ingestor{
		cfg:      cfg.WithDefaults(),
		queue:    queue,
		store:    store,
		reporter: reporter,
		logger:   logger.WithField("partition", id),
		metrics:  metrics,
		status: Status{
			Partition: id,
			State:     StateStopped,
			Progress:  partition.Initial(id),
		},
	}
}

func (i *Ingestor) Partition() int32 {
	return i.status.Partition
}

func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Ingestor) setState(state State, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.State = state
	i.status.Error = ""
	if err != nil {
		i.status.Error = err.Error()
	}
}

func (i *Ingestor) setProgress(p partition.Progress) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.Progress = p
}

func (i *Ingestor) progress() partition.Progress {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status.Progress
}

// IsFatal reports whether err stops an ingestor for good. Everything else
// is retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptedLog) ||
		errors.Is(err, ErrOffsetOutOfRange) ||
		errors.Is(err, partitionrepo.ErrOutOfOrder) ||
		errors.Is(err, partitionrepo.ErrUnavailable)
}

func (i *Ingestor) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.cfg.RetryInitialInterval
	b.MaxInterval = i.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Run ingests until ctx is cancelled or a fatal error occurs. Cancellation
// lets an in-flight apply finish and returns nil. A fatal error is reported
// to the coordinator and returned.
func (i *Ingestor) Run(ctx context.Context) error {
	i.setState(StateStarting, nil)
	reconnect := i.newBackOff(ctx)

	for {
		p, err := i.store.Progress()
		if err == nil {
			i.setProgress(p)
			i.setState(StateRunning, nil)
			err = i.consume(ctx, p)
		}

		switch {
		case ctx.Err() != nil || errors.Is(err, partitionrepo.ErrClosed):
			i.setState(StateStopped, nil)
			return nil
		case IsFatal(err):
			i.fail(err)
			return err
		}

		if i.progress().AppliedOffset > p.AppliedOffset {
			reconnect.Reset()
		}
		wait := reconnect.NextBackOff()
		i.metrics.retried(i.Partition(), "consume")
		i.logger.WithFields(logrus.Fields{
			"action": "ingest_reconnect",
			"wait":   wait,
		}).WithError(err).Warn("queue consumption interrupted, reconnecting")

		select {
		case <-ctx.Done():
			i.setState(StateStopped, nil)
			return nil
		case <-time.After(wait):
		}
	}
}

// consume reads from the offset after p until an error occurs. The buffer
// is dropped on return; the next attempt resumes from the store's progress.
func (i *Ingestor) consume(ctx context.Context, p partition.Progress) error {
	cons, err := i.queue.Consume(ctx, i.Partition(), p.NextOffset())
	if err != nil {
		return fmt.Errorf("consume from offset %d: %w", p.NextOffset(), err)
	}
	defer cons.Close()

	i.logger.WithFields(logrus.Fields{
		"action":   "ingest_consume",
		"offset":   p.NextOffset(),
		"snapshot": p.AppliedSnapshotID,
	}).Debug("consuming partition")

	b := newBatcher(p)
	lastFlush := time.Now()
	for {
		records, err := cons.Poll(ctx)
		if err != nil {
			return err
		}

		for _, r := range records {
			if r.PartitionID != i.Partition() {
				return fmt.Errorf("%w: record for partition %d on partition %d",
					ErrCorruptedLog, r.PartitionID, i.Partition())
			}
			if err := b.add(r); err != nil {
				return err
			}
			if b.sealedLen() >= i.cfg.BatchSize {
				if err := i.flush(ctx, b.takeSealed(), false); err != nil {
					return err
				}
				lastFlush = time.Now()
			}
		}

		drained := len(records) == 0
		if b.sealedLen() > 0 && (drained || time.Since(lastFlush) >= i.cfg.FlushInterval) {
			if err := i.flush(ctx, b.takeSealed(), false); err != nil {
				return err
			}
			lastFlush = time.Now()
		}

		if open := b.openLen(); open > i.cfg.MaxOpenSnapshotRecords {
			i.logger.WithFields(logrus.Fields{
				"action":  "ingest_open_snapshot_flush",
				"records": open,
				"limit":   i.cfg.MaxOpenSnapshotRecords,
			}).Warn("snapshot is not sealed and outgrew the buffer, applying it without advancing the applied snapshot")
			if err := i.flush(ctx, b.takeAll(), true); err != nil {
				return err
			}
			lastFlush = time.Now()
		}

		if i.heartbeatDue() {
			i.report(ctx)
		}
	}
}

// flush applies records and retries until it succeeds, ctx ends, or the
// store rejects the batch for good.
func (i *Ingestor) flush(ctx context.Context, records []*mutation.Record, open bool) error {
	if len(records) == 0 {
		return nil
	}
	var opts []partitionrepo.ApplyOption
	if open {
		opts = append(opts, partitionrepo.WithOpenSnapshot())
	}

	var res partitionrepo.AppliedResult
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		r, err := i.store.Apply(ctx, records, opts...)
		if err == nil {
			res = r
			return nil
		}
		if IsFatal(err) || errors.Is(err, partitionrepo.ErrClosed) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		i.metrics.retried(i.Partition(), "apply")
		i.logger.WithFields(logrus.Fields{
			"action":  "ingest_apply",
			"records": len(records),
			"first":   records[0].Offset,
		}).WithError(err).Warn("apply failed, retrying")
		return err
	}, i.newBackOff(ctx))
	if err != nil {
		return err
	}

	i.setProgress(res.Progress)
	i.metrics.flushed(i.Partition(), res.Progress, open)
	i.logger.WithFields(logrus.Fields{
		"action":   "ingest_flush",
		"applied":  res.Applied,
		"skipped":  res.Skipped,
		"replayed": res.Replayed,
		"offset":   res.Progress.AppliedOffset,
		"snapshot": res.Progress.AppliedSnapshotID,
	}).Debug("batch applied")

	i.report(ctx)
	return nil
}

func (i *Ingestor) heartbeatDue() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastReport) >= i.cfg.HeartbeatInterval
}

// report sends the current progress once. A lost report is repaired by the
// next flush or heartbeat.
func (i *Ingestor) report(ctx context.Context) {
	if i.reporter == nil {
		return
	}
	i.mu.Lock()
	i.lastReport = time.Now()
	p := i.status.Progress
	i.mu.Unlock()

	p.LastSeen = time.Now()
	ctx, cancel := context.WithTimeout(ctx, i.cfg.ReportTimeout)
	defer cancel()
	if err := i.reporter.ReportProgress(ctx, p); err != nil {
		i.logger.WithField("action", "ingest_report").WithError(err).
			Debug("progress report failed")
	}
}

func (i *Ingestor) fail(cause error) {
	i.setState(StateFailed, cause)
	i.metrics.fatal(i.Partition())
	i.logger.WithFields(logrus.Fields{
		"action":   "ingest_fatal",
		"progress": i.progress().String(),
	}).WithError(cause).Error("ingestion stopped")

	if i.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*i.cfg.ReportTimeout)
	defer cancel()
	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 5)
	err := backoff.Retry(func() error {
		return i.reporter.ReportFailure(ctx, i.Partition(), cause.Error())
	}, policy)
	if err != nil {
		i.logger.WithField("action", "ingest_report_failure").WithError(err).
			Error("could not report failed partition")
	}
}
