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
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/snapgraph/adapters/repos/meta"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T, cfg Config, store ProgressStore) (*Coordinator, *fakeClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := New(cfg, store, logger, monitoring.NoopMetrics())
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	for i := range c.slots {
		p := *c.slots[i].Load()
		p.LastSeen = clock.Now()
		c.slots[i].Store(&p)
	}
	return c, clock
}

func report(t *testing.T, c *Coordinator, id int32, offset, snapshot int64) {
	t.Helper()
	require.NoError(t, c.ReportProgress(context.Background(), partition.Progress{
		PartitionID:       id,
		AppliedOffset:     offset,
		AppliedSnapshotID: snapshot,
	}))
}

func TestFrontierIsMinimumOfPartitions(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Partitions: 3}, nil)
	assert.Equal(t, int64(0), c.Frontier())

	report(t, c, 0, 70, 7)
	report(t, c, 1, 50, 5)
	report(t, c, 2, 90, 9)
	assert.Equal(t, int64(5), c.Frontier())

	// the partition holding the frontier back catches up
	report(t, c, 1, 80, 8)
	assert.Equal(t, int64(7), c.Frontier())
}

func TestStaleReportsAreIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Partitions: 1}, nil)
	report(t, c, 0, 10, 5)

	tests := []struct {
		name             string
		offset, snapshot int64
	}{
		{"lower snapshot", 20, 4},
		{"same snapshot lower offset", 9, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report(t, c, 0, tt.offset, tt.snapshot)
			p := c.Status()[0]
			assert.Equal(t, int64(10), p.AppliedOffset)
			assert.Equal(t, int64(5), p.AppliedSnapshotID)
		})
	}
}

func TestUnknownPartition(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Partitions: 2}, nil)
	err := c.ReportProgress(context.Background(), partition.Progress{PartitionID: 2})
	assert.ErrorIs(t, err, ErrUnknownPartition)
	assert.ErrorIs(t, c.ReportFailure(context.Background(), -1, "x"), ErrUnknownPartition)
	assert.ErrorIs(t, c.ResetProgress(context.Background(), map[int32]partition.Progress{5: {}}), ErrUnknownPartition)
}

func TestFrontierIsMonotonicUnderConcurrentReports(t *testing.T) {
	const (
		partitions = 8
		reports    = 500
	)
	c, _ := newTestCoordinator(t, Config{Partitions: partitions}, nil)

	stop := make(chan struct{})
	var regressed atomic.Bool
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		last := int64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			f := c.Frontier()
			if f < last {
				regressed.Store(true)
			}
			last = f
		}
	}()

	var wg sync.WaitGroup
	for id := int32(0); id < partitions; id++ {
		// two reporters per partition deliver out of order, as retries do
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func(id int32, seed int64) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(seed))
				for i := 0; i < reports; i++ {
					s := int64(rnd.Intn(reports))
					_ = c.ReportProgress(context.Background(), partition.Progress{
						PartitionID:       id,
						AppliedOffset:     s * 10,
						AppliedSnapshotID: s,
					})
				}
				_ = c.ReportProgress(context.Background(), partition.Progress{
					PartitionID:       id,
					AppliedOffset:     int64(reports) * 10,
					AppliedSnapshotID: int64(reports) + int64(id),
				})
			}(id, int64(id)*31+int64(r))
		}
	}
	wg.Wait()
	close(stop)
	watcher.Wait()

	assert.False(t, regressed.Load(), "published frontier went backwards")
	assert.Equal(t, int64(reports), c.Frontier())
	for _, p := range c.Status() {
		assert.Equal(t, int64(reports)+int64(p.PartitionID), p.AppliedSnapshotID)
	}
}

func TestDegradedPolicy(t *testing.T) {
	tests := []struct {
		policy           DegradedPolicy
		expectedDegraded int64
		expectedReturned int64
	}{
		{PolicyStall, 3, 4},
		{PolicyExclude, 6, 6},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c, clock := newTestCoordinator(t, Config{
				Partitions:         2,
				UnreachableTimeout: time.Second,
				DegradedPolicy:     tt.policy,
			}, nil)
			report(t, c, 0, 3, 3)
			report(t, c, 1, 3, 3)
			assert.Equal(t, int64(3), c.Frontier())

			clock.Advance(2 * time.Second)
			report(t, c, 0, 6, 6)
			c.checkLiveness()

			assert.Equal(t, partition.Degraded, c.Status()[1].State)
			assert.Equal(t, tt.expectedDegraded, c.Frontier())

			// the frontier never goes back when the partition returns
			report(t, c, 1, 4, 4)
			assert.Equal(t, partition.Live, c.Status()[1].State)
			assert.Equal(t, tt.expectedReturned, c.Frontier())
		})
	}
}

func TestFailedPartitionBoundsFrontier(t *testing.T) {
	c, clock := newTestCoordinator(t, Config{
		Partitions:         2,
		UnreachableTimeout: time.Second,
		DegradedPolicy:     PolicyExclude,
	}, nil)
	report(t, c, 0, 2, 2)
	report(t, c, 1, 2, 2)
	require.NoError(t, c.ReportFailure(context.Background(), 1, "corrupted log"))

	clock.Advance(5 * time.Second)
	report(t, c, 0, 9, 9)
	c.checkLiveness()

	status := c.Status()[1]
	assert.Equal(t, partition.Failed, status.State)
	assert.Equal(t, "corrupted log", status.Reason)
	assert.Equal(t, int64(2), c.Frontier())

	report(t, c, 1, 9, 9)
	assert.Equal(t, partition.Live, c.Status()[1].State)
	assert.Empty(t, c.Status()[1].Reason)
	assert.Equal(t, int64(9), c.Frontier())
}

func TestWaitForFrontier(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Partitions: 1}, nil)

	done := make(chan error, 1)
	go func() { done <- c.WaitForFrontier(context.Background(), 3) }()

	report(t, c, 0, 1, 2)
	select {
	case <-done:
		t.Fatal("returned before the frontier reached the snapshot")
	case <-time.After(20 * time.Millisecond):
	}
	report(t, c, 0, 2, 3)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForFrontier(ctx, 100), context.DeadlineExceeded)
}

func TestResetProgressStartsNewEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Partitions: 2}, nil)
	report(t, c, 0, 100, 10)
	report(t, c, 1, 100, 10)
	require.Equal(t, int64(10), c.Frontier())

	require.NoError(t, c.ResetProgress(context.Background(), map[int32]partition.Progress{
		0: {AppliedOffset: 40, AppliedSnapshotID: 4},
		1: {AppliedOffset: 41, AppliedSnapshotID: 4},
	}))
	assert.Equal(t, int64(4), c.Frontier())
	assert.Equal(t, uint64(1), c.Epoch())

	// ingestors restarted after the restore report from the restored progress
	report(t, c, 0, 50, 5)
	report(t, c, 1, 50, 5)
	assert.Equal(t, int64(5), c.Frontier())
}

func TestProgressSurvivesRestart(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store, err := meta.Open(t.TempDir(), logger)
	require.NoError(t, err)
	defer store.Close()

	c, _ := newTestCoordinator(t, Config{Partitions: 2}, store)
	report(t, c, 0, 30, 3)
	report(t, c, 1, 70, 7)
	require.NoError(t, c.ReportFailure(context.Background(), 1, "bad frame"))
	require.NoError(t, c.Save())

	restarted, _ := newTestCoordinator(t, Config{Partitions: 2}, store)
	assert.Equal(t, int64(3), restarted.Frontier())
	status := restarted.Status()
	assert.Equal(t, int64(30), status[0].AppliedOffset)
	assert.Equal(t, int64(7), status[1].AppliedSnapshotID)
	assert.Equal(t, partition.Failed, status[1].State)

	// a late stale report cannot lower what was loaded
	report(t, restarted, 0, 10, 1)
	assert.Equal(t, int64(3), restarted.Frontier())
}

func TestFrontierSurvivesCrashWithoutSave(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store, err := meta.Open(t.TempDir(), logger)
	require.NoError(t, err)
	defer store.Close()

	c, _ := newTestCoordinator(t, Config{Partitions: 2}, store)
	report(t, c, 0, 50, 5)
	report(t, c, 1, 70, 7)
	require.Equal(t, int64(5), c.Frontier())

	// no Save and no Run: the process dies here
	restarted, _ := newTestCoordinator(t, Config{Partitions: 2}, store)
	assert.Equal(t, int64(5), restarted.Frontier())
	assert.Equal(t, c.Epoch(), restarted.Epoch())
}

type flakyStore struct {
	mu    sync.Mutex
	fail  bool
	saved []meta.Frontier
}

func (s *flakyStore) SaveFrontier(f meta.Frontier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = append(s.saved, f)
	return nil
}

func (s *flakyStore) LoadFrontier() (meta.Frontier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return meta.Frontier{}, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}

func TestFrontierIsNotPublishedBeforeItIsPersisted(t *testing.T) {
	store := &flakyStore{}
	c, _ := newTestCoordinator(t, Config{Partitions: 1}, store)

	report(t, c, 0, 10, 2)
	require.Equal(t, int64(2), c.Frontier())
	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(2), store.saved[0].Frontier)

	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()
	report(t, c, 0, 20, 4)
	assert.Equal(t, int64(2), c.Frontier(), "unpersisted frontier stays hidden")

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	report(t, c, 0, 30, 6)
	assert.Equal(t, int64(6), c.Frontier())
	loaded, ok, err := store.LoadFrontier()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), loaded.Frontier)
}

func TestRunSavesOnShutdown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store, err := meta.Open(t.TempDir(), logger)
	require.NoError(t, err)
	defer store.Close()

	c, _ := newTestCoordinator(t, Config{Partitions: 1, LivenessInterval: time.Millisecond}, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	report(t, c, 0, 5, 2)
	cancel()
	<-done

	saved, ok, err := store.LoadFrontier()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), saved.Frontier)
	require.Len(t, saved.Partitions, 1)
	assert.Equal(t, int64(5), saved.Partitions[0].AppliedOffset)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.WithDefaults().Validate())
	assert.Error(t, Config{Partitions: 1, DegradedPolicy: "drop"}.Validate())
	assert.NoError(t, Config{Partitions: 1}.WithDefaults().Validate())
}
