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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/snapgraph/entities/errors"
)

// FrontierFunc returns the currently published frontier.
type FrontierFunc func(ctx context.Context) (int64, error)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager runs one ingestor per partition owned by this process and
// compacts their stores in the background.
type Manager struct {
	cfg      Config
	queue    Queue
	reporter Reporter
	logger   logrus.FieldLogger
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ingestors map[int32]*Ingestor
	stores    map[int32]Store
	runs      map[int32]*run
	pins      map[int64]int
	frontier  FrontierFunc
}

func NewManager(cfg Config, queue Queue, reporter Reporter, stores []Store,
	logger logrus.FieldLogger, metrics *Metrics,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg.WithDefaults(),
		queue:     queue,
		reporter:  reporter,
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		ingestors: make(map[int32]*Ingestor, len(stores)),
		stores:    make(map[int32]Store, len(stores)),
		runs:      make(map[int32]*run, len(stores)),
		pins:      map[int64]int{},
	}
	for _, s := range stores {
		m.stores[s.ID()] = s
		m.ingestors[s.ID()] = NewIngestor(m.cfg, queue, s, reporter, logger, metrics)
	}
	return m
}

// SetFrontierSource enables compaction relative to the frontier.
func (m *Manager) SetFrontierSource(f FrontierFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frontier = f
}

// Partitions returns the owned partition ids in ascending order.
func (m *Manager) Partitions() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int32, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (m *Manager) Store(id int32) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[id]
	if !ok {
		return nil, fmt.Errorf("partition %d is not owned by this node", id)
	}
	return s, nil
}

// Start launches the ingestor of partition id unless it is running.
func (m *Manager) Start(id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ing, ok := m.ingestors[id]
	if !ok {
		return fmt.Errorf("partition %d is not owned by this node", id)
	}
	if r, ok := m.runs[id]; ok {
		select {
		case <-r.done:
		default:
			return nil
		}
	}
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("manager is shut down: %w", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	enterrors.GoWrapper(func() {
		defer close(r.done)
		r.err = ing.Run(ctx)
	}, m.logger)
	return nil
}

func (m *Manager) StartAll() error {
	for _, id := range m.Partitions() {
		if err := m.Start(id); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels the ingestor of partition id and waits for it to finish its
// in-flight apply.
func (m *Manager) Stop(ctx context.Context, id int32) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	delete(m.runs, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop ingestor of partition %d: %w", id, ctx.Err())
	}
}

func (m *Manager) StopAll(ctx context.Context) error {
	eg := enterrors.NewErrorGroupWrapper(m.logger)
	for _, id := range m.Partitions() {
		id := id
		eg.Go(func() error {
			return m.Stop(ctx, id)
		}, id)
	}
	return eg.Wait()
}

// Shutdown stops every ingestor and the maintenance loop for good.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.StopAll(ctx)
	m.cancel()
	return err
}

// Status returns the status of every owned partition.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.ingestors))
	for _, ing := range m.ingestors {
		out = append(out, ing.Status())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Partition < out[b].Partition })
	return out
}

// PinSnapshot keeps snapshot s readable until release is called. Exports
// pin the snapshot they read.
func (m *Manager) PinSnapshot(s int64) (release func()) {
	m.mu.Lock()
	m.pins[s]++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.pins[s]--; m.pins[s] <= 0 {
				delete(m.pins, s)
			}
		})
	}
}

// horizon returns the snapshot below which versions may be dropped, or
// false when compaction must not run.
func (m *Manager) horizon(ctx context.Context) (int64, bool, error) {
	m.mu.Lock()
	source := m.frontier
	m.mu.Unlock()
	if source == nil {
		return 0, false, nil
	}

	frontier, err := source(ctx)
	if err != nil {
		return 0, false, err
	}
	h := frontier - m.cfg.CompactionRetainSnapshots

	m.mu.Lock()
	for s := range m.pins {
		h = min(h, s)
	}
	m.mu.Unlock()
	return h, h > 0, nil
}

// Compact compacts every owned store once.
func (m *Manager) Compact(ctx context.Context) error {
	h, ok, err := m.horizon(ctx)
	if err != nil {
		return fmt.Errorf("compaction horizon: %w", err)
	}
	if !ok {
		return nil
	}

	for _, id := range m.Partitions() {
		s, err := m.Store(id)
		if err != nil {
			return err
		}
		res, err := s.Compact(ctx, h)
		if err != nil {
			return fmt.Errorf("compact partition %d: %w", id, err)
		}
		if res.Removed > 0 {
			m.logger.WithFields(logrus.Fields{
				"action":    "compact",
				"partition": id,
				"horizon":   res.Horizon,
				"removed":   res.Removed,
			}).Debug("compacted partition")
		}
	}
	return nil
}

// RunMaintenance compacts on CompactionInterval until Shutdown.
func (m *Manager) RunMaintenance() {
	if m.cfg.CompactionInterval <= 0 {
		return
	}
	enterrors.GoWrapper(func() {
		t := time.NewTicker(m.cfg.CompactionInterval)
		defer t.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-t.C:
				if err := m.Compact(m.ctx); err != nil && m.ctx.Err() == nil {
					m.logger.WithField("action", "compact").WithError(err).
						Warn("compaction failed")
				}
			}
		}
	}, m.logger)
}
