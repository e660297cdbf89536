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

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/repos/meta"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

var ErrUnknownPartition = errors.New("unknown partition")

// ProgressStore persists the coordinator's view across restarts.
type ProgressStore interface {
	SaveFrontier(f meta.Frontier) error
	LoadFrontier() (meta.Frontier, bool, error)
}

type published struct {
	epoch    uint64
	frontier int64
}

// Coordinator aggregates the progress of all partitions into the frontier:
// the highest snapshot every counted partition has applied. Each partition
// is a separate atomic slot so reports never contend with each other.
type Coordinator struct {
	cfg     Config
	store   ProgressStore
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	now     func() time.Time

	slots []atomic.Pointer[partition.Progress]
	pub   atomic.Pointer[published]

	// pubMu serializes changes of pub with their persistence. dirty marks a
	// report that has not been folded into pub yet.
	pubMu sync.Mutex
	dirty atomic.Bool

	waitMu sync.Mutex
	waitCh chan struct{}
}

// New creates a coordinator and loads the progress saved by a previous run.
// store and metrics may be nil.
func New(cfg Config, store ProgressStore, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		logger:  logger.WithField("component", "coordinator"),
		metrics: metrics,
		now:     time.Now,
		slots:   make([]atomic.Pointer[partition.Progress], cfg.Partitions),
		waitCh:  make(chan struct{}),
	}
	now := c.now()
	for i := range c.slots {
		p := partition.Initial(int32(i))
		p.LastSeen = now
		c.slots[i].Store(&p)
	}
	c.pub.Store(&published{})
	if err := c.load(); err != nil {
		return nil, err
	}
	c.metrics.AddPartitions(partition.Live.String(), cfg.Partitions)
	return c, nil
}

func (c *Coordinator) load() error {
	if c.store == nil {
		return nil
	}
	saved, ok, err := c.store.LoadFrontier()
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if !ok {
		return nil
	}

	now := c.now()
	for _, p := range saved.Partitions {
		if int(p.PartitionID) >= len(c.slots) || p.PartitionID < 0 {
			c.logger.WithFields(logrus.Fields{
				"action":    "coordinator_load",
				"partition": p.PartitionID,
			}).Warn("ignoring saved progress of a partition outside the configured range")
			continue
		}
		p := p
		p.LastSeen = now
		if p.State != partition.Failed {
			p.State = partition.Live
		}
		c.slots[p.PartitionID].Store(&p)
	}
	c.pub.Store(&published{epoch: saved.Epoch, frontier: saved.Frontier})
	c.metrics.SetFrontier(saved.Frontier, saved.Epoch)
	c.logger.WithFields(logrus.Fields{
		"action":   "coordinator_load",
		"frontier": saved.Frontier,
		"epoch":    saved.Epoch,
	}).Info("loaded saved progress")
	return nil
}

func (c *Coordinator) slot(id int32) (*atomic.Pointer[partition.Progress], error) {
	if id < 0 || int(id) >= len(c.slots) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, id)
	}
	return &c.slots[id], nil
}

// ReportProgress records what partition p.PartitionID has applied. Reports
// behind the known progress are ignored; equal reports only refresh
// liveness. A report clears a previous failure.
func (c *Coordinator) ReportProgress(ctx context.Context, p partition.Progress) error {
	slot, err := c.slot(p.PartitionID)
	if err != nil {
		return err
	}

	var prev *partition.Progress
	for {
		prev = slot.Load()
		if p.Behind(*prev) {
			return nil
		}
		next := partition.Progress{
			PartitionID:       p.PartitionID,
			AppliedOffset:     p.AppliedOffset,
			AppliedSnapshotID: p.AppliedSnapshotID,
			LastSeen:          c.now(),
			State:             partition.Live,
		}
		if slot.CompareAndSwap(prev, &next) {
			break
		}
	}

	if prev.State != partition.Live {
		c.metrics.MovePartition(prev.State.String(), partition.Live.String())
		c.logger.WithFields(logrus.Fields{
			"action":    "coordinator_partition_live",
			"partition": p.PartitionID,
			"was":       prev.State.String(),
		}).Info("partition is reporting again")
	}
	c.publish()
	return nil
}

// ReportFailure marks a partition failed. A failed partition always bounds
// the frontier until it reports progress again.
func (c *Coordinator) ReportFailure(ctx context.Context, id int32, reason string) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	var prev *partition.Progress
	for {
		prev = slot.Load()
		next := *prev
		next.State = partition.Failed
		next.Reason = reason
		next.LastSeen = c.now()
		if slot.CompareAndSwap(prev, &next) {
			break
		}
	}
	c.metrics.MovePartition(prev.State.String(), partition.Failed.String())
	c.logger.WithFields(logrus.Fields{
		"action":    "coordinator_partition_failed",
		"partition": id,
		"reason":    reason,
	}).Error("partition failed")
	return nil
}

// state is the effective state of p at now.
func (c *Coordinator) state(p *partition.Progress, now time.Time) partition.State {
	if p.State == partition.Failed {
		return partition.Failed
	}
	if now.Sub(p.LastSeen) > c.cfg.UnreachableTimeout {
		return partition.Degraded
	}
	return partition.Live
}

// compute returns the minimum applied snapshot over the partitions that
// count, and false if none counts.
func (c *Coordinator) compute() (int64, bool) {
	now := c.now()
	var (
		lowest int64
		found  bool
	)
	for i := range c.slots {
		p := c.slots[i].Load()
		if c.state(p, now) == partition.Degraded && c.cfg.DegradedPolicy == PolicyExclude {
			continue
		}
		if !found || p.AppliedSnapshotID < lowest {
			lowest, found = p.AppliedSnapshotID, true
		}
	}
	return lowest, found
}

// publish raises the published frontier to the current minimum. It never
// lowers it. Callers that find another publish in progress leave their
// report to it instead of waiting.
func (c *Coordinator) publish() {
	c.dirty.Store(true)
	for c.dirty.Load() {
		if !c.pubMu.TryLock() {
			return
		}
		for c.dirty.Swap(false) {
			c.raise()
		}
		c.pubMu.Unlock()
	}
}

// raise persists a higher frontier before making it visible, so a restart
// never loads less than was published. Must hold pubMu.
func (c *Coordinator) raise() {
	cur := c.pub.Load()
	candidate, ok := c.compute()
	if !ok || candidate <= cur.frontier {
		return
	}
	next := &published{epoch: cur.epoch, frontier: candidate}
	if err := c.save(next); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action":   "coordinator_frontier",
			"frontier": candidate,
		}).WithError(err).Warn("could not persist frontier, keeping the previous one")
		return
	}
	c.pub.Store(next)
	c.metrics.SetFrontier(next.frontier, next.epoch)
	c.logger.WithFields(logrus.Fields{
		"action":   "coordinator_frontier",
		"frontier": next.frontier,
		"epoch":    next.epoch,
	}).Debug("frontier advanced")
	c.notify()
}

func (c *Coordinator) notify() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

func (c *Coordinator) changed() <-chan struct{} {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitCh
}

// Frontier is the highest snapshot that is safe to read on every replica.
func (c *Coordinator) Frontier() int64 {
	return c.pub.Load().frontier
}

// Epoch counts the resets of the frontier caused by restores.
func (c *Coordinator) Epoch() uint64 {
	return c.pub.Load().epoch
}

// WaitForFrontier blocks until the frontier reaches s.
func (c *Coordinator) WaitForFrontier(ctx context.Context, s int64) error {
	for {
		ch := c.changed()
		if c.Frontier() >= s {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for frontier %d (at %d): %w", s, c.Frontier(), ctx.Err())
		case <-ch:
		}
	}
}

// Status returns the progress of every partition with its effective state.
func (c *Coordinator) Status() []partition.Progress {
	now := c.now()
	out := make([]partition.Progress, len(c.slots))
	for i := range c.slots {
		p := *c.slots[i].Load()
		p.State = c.state(&p, now)
		out[i] = p
	}
	return out
}

// ResetProgress replaces the progress of the given partitions and
// republishes the frontier as their minimum in a new epoch. It is the only
// way the frontier goes backwards and is meant for restores, with the
// affected ingestors stopped.
func (c *Coordinator) ResetProgress(ctx context.Context, progress map[int32]partition.Progress) error {
	for id := range progress {
		if _, err := c.slot(id); err != nil {
			return err
		}
	}
	c.pubMu.Lock()
	now := c.now()
	for id, p := range progress {
		p := p
		p.PartitionID = id
		p.LastSeen = now
		p.State = partition.Live
		p.Reason = ""
		prev := c.slots[id].Swap(&p)
		c.metrics.MovePartition(prev.State.String(), partition.Live.String())
	}

	var frontier int64
	for i := range c.slots {
		s := c.slots[i].Load().AppliedSnapshotID
		if i == 0 || s < frontier {
			frontier = s
		}
	}
	next := &published{epoch: c.pub.Load().epoch + 1, frontier: frontier}
	err := c.save(next)
	c.pub.Store(next)
	c.metrics.SetFrontier(next.frontier, next.epoch)
	c.pubMu.Unlock()
	c.notify()

	c.logger.WithFields(logrus.Fields{
		"action":     "coordinator_reset",
		"frontier":   frontier,
		"epoch":      next.epoch,
		"partitions": len(progress),
	}).Info("progress reset")
	// reports that arrived while the reset held the lock
	c.publish()
	return err
}

// Save persists the current progress and frontier.
func (c *Coordinator) Save() error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.save(c.pub.Load())
}

// save persists pub together with the progress of every partition. Must
// hold pubMu.
func (c *Coordinator) save(pub *published) error {
	if c.store == nil {
		return nil
	}
	f := meta.Frontier{
		Epoch:      pub.epoch,
		Frontier:   pub.frontier,
		Partitions: make([]partition.Progress, len(c.slots)),
		SavedAt:    c.now(),
	}
	for i := range c.slots {
		f.Partitions[i] = *c.slots[i].Load()
	}
	if err := c.store.SaveFrontier(f); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// checkLiveness marks partitions that stopped reporting as degraded and
// republishes, which may advance the frontier under PolicyExclude.
func (c *Coordinator) checkLiveness() {
	now := c.now()
	for i := range c.slots {
		prev := c.slots[i].Load()
		if prev.State != partition.Live || c.state(prev, now) != partition.Degraded {
			continue
		}
		next := *prev
		next.State = partition.Degraded
		if c.slots[i].CompareAndSwap(prev, &next) {
			c.metrics.MovePartition(partition.Live.String(), partition.Degraded.String())
			c.logger.WithFields(logrus.Fields{
				"action":    "coordinator_partition_degraded",
				"partition": i,
				"last_seen": prev.LastSeen,
				"policy":    c.cfg.DegradedPolicy,
			}).Warn("partition stopped reporting")
		}
	}
	c.publish()
}

// Run checks liveness and persists progress until ctx is done, then saves
// one last time.
func (c *Coordinator) Run(ctx context.Context) {
	liveness := time.NewTicker(c.cfg.LivenessInterval)
	defer liveness.Stop()

	var persist <-chan time.Time
	if c.cfg.PersistInterval > 0 {
		t := time.NewTicker(c.cfg.PersistInterval)
		defer t.Stop()
		persist = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := c.Save(); err != nil {
				c.logger.WithField("action", "coordinator_save").WithError(err).
					Error("could not save progress on shutdown")
			}
			return
		case <-liveness.C:
			c.checkLiveness()
		case <-persist:
			if err := c.Save(); err != nil {
				c.logger.WithField("action", "coordinator_save").WithError(err).
					Warn("could not save progress")
			}
		}
	}
}
