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

package backup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/snapgraph/adapters/repos/meta"
	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

type env struct {
	events    *timeline
	backend   *memBackend
	frontier  *fakeFrontier
	ingestors *fakeIngestors
	stores    map[int32]*partitionrepo.Store
	meta      *meta.Store
	local     *LocalParticipant
	coord     *Coordinator
}

func newEnv(t *testing.T, partitions int, wrap func(Participants) Participants) *env {
	t.Helper()
	logger, _ := test.NewNullLogger()
	root := t.TempDir()

	e := &env{
		events:    &timeline{},
		backend:   newMemBackend(),
		frontier:  &fakeFrontier{},
		ingestors: newFakeIngestors(),
		stores:    map[int32]*partitionrepo.Store{},
	}
	e.frontier.events = e.events
	e.ingestors.events = e.events
	byID := map[int32]PartitionStore{}
	for i := 0; i < partitions; i++ {
		id := int32(i)
		s, err := partitionrepo.Open(partitionrepo.Dir(root, id), id, partitionrepo.Config{NoSync: true}, logger, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		e.stores[id] = s
		byID[id] = s
	}

	var err error
	e.meta, err = meta.Open(root, logger)
	require.NoError(t, err)
	t.Cleanup(func() { e.meta.Close() })

	e.local = NewLocalParticipant(byID, e.ingestors, e.backend, logger)
	var participants Participants = e.local
	if wrap != nil {
		participants = wrap(participants)
	}
	e.coord = NewCoordinator(Config{MaxConcurrency: 2}, partitions, e.meta, e.frontier,
		participants, e.backend, logger, monitoring.NoopMetrics())
	return e
}

// seed applies snapshots from..to to s, two records per snapshot.
func seed(t *testing.T, s *partitionrepo.Store, from, to int64) {
	t.Helper()
	p, err := s.Progress()
	require.NoError(t, err)
	offset := p.AppliedOffset

	var batch []*mutation.Record
	for snap := from; snap <= to; snap++ {
		offset++
		batch = append(batch, &mutation.Record{
			PartitionID: s.ID(),
			Offset:      offset,
			SnapshotID:  snap,
			Op:          mutation.OpInsert,
			Target:      mutation.Vertex(fmt.Sprintf("p%d-v%d", s.ID(), snap)),
			Payload:     map[string]interface{}{"snapshot": snap},
		})
		offset++
		batch = append(batch, &mutation.Record{
			PartitionID: s.ID(),
			Offset:      offset,
			SnapshotID:  snap,
			Op:          mutation.OpUpdate,
			Target:      mutation.Vertex("shared"),
			Payload:     map[string]interface{}{"last": snap},
		})
	}
	_, err = s.Apply(context.Background(), batch)
	require.NoError(t, err)
}

func readAll(t *testing.T, s *partitionrepo.Store, asOf int64) map[string]map[string]interface{} {
	t.Helper()
	out := map[string]map[string]interface{}{}
	require.NoError(t, s.Scan(context.Background(), nil, asOf, func(e partitionrepo.Entry) error {
		out[string(e.Key)] = e.Properties
		return nil
	}))
	return out
}

func (e *env) createReady(t *testing.T) *backup.Descriptor {
	t.Helper()
	ctx := context.Background()
	id, err := e.coord.CreateNewBackup(ctx)
	require.NoError(t, err)
	d, err := e.coord.AwaitBackup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, backup.Ready, d.Status, d.Error)
	return d
}

func TestBackupPinsFrontierAndRestoresInPlace(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2, nil)
	for _, s := range e.stores {
		seed(t, s, 1, 8)
	}
	e.frontier.set(7)
	before := map[int32]map[string]map[string]interface{}{}
	for id, s := range e.stores {
		before[id] = readAll(t, s, 7)
	}

	d := e.createReady(t)
	assert.Equal(t, int64(1), d.ID)
	assert.Equal(t, int64(7), d.SnapshotID)
	require.Len(t, d.Manifests, 2)
	for id, m := range d.Manifests {
		assert.Equal(t, id, m.PartitionID)
		assert.Equal(t, int64(7), m.SnapshotID)
		assert.Equal(t, int64(13), m.AppliedOffset)
		assert.Equal(t, backup.PartitionKey(id), m.Key)
		assert.True(t, e.backend.has("1", m.Key))
	}
	assert.True(t, e.backend.has("1", backup.DescriptorKey))

	// later snapshots do not change a ready backup
	for _, s := range e.stores {
		seed(t, s, 9, 10)
	}
	e.frontier.set(10)
	again, err := e.coord.AwaitBackup(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Manifests, again.Manifests)
	assert.Equal(t, int64(7), again.SnapshotID)

	require.NoError(t, e.coord.VerifyBackup(ctx, d.ID))
	require.NoError(t, e.coord.RestoreFromBackup(ctx, d.ID, "", ""))

	for id, s := range e.stores {
		p, err := s.Progress()
		require.NoError(t, err)
		assert.Equal(t, int64(13), p.AppliedOffset)
		assert.Equal(t, int64(7), p.AppliedSnapshotID)
		assert.Equal(t, before[id], readAll(t, s, 7))

		_, err = s.Read(ctx, []byte(mutation.Vertex("shared").Key()), 9)
		assert.ErrorIs(t, err, partitionrepo.ErrSnapshotNotYetApplied)

		assert.Equal(t, 1, e.ingestors.stopped[id])
		assert.Equal(t, 1, e.ingestors.started[id])
	}

	require.Len(t, e.frontier.resets, 1)
	assert.Equal(t, map[int32]partition.Progress{
		0: {PartitionID: 0, AppliedOffset: 13, AppliedSnapshotID: 7},
		1: {PartitionID: 1, AppliedOffset: 13, AppliedSnapshotID: 7},
	}, e.frontier.resets[0])

	// ingestion resumes only once the coordinator forgot the newer offsets
	reset := e.events.index("reset")
	require.GreaterOrEqual(t, reset, 0)
	for id := range e.stores {
		assert.Greater(t, e.events.index(fmt.Sprintf("start %d", id)), reset, "partition %d", id)
	}
}

func TestRestoreInPlaceResetsRestoredPartitionsOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2, nil)
	e.coord.cfg.MaxConcurrency = 1
	for _, s := range e.stores {
		seed(t, s, 1, 4)
	}
	e.frontier.set(4)
	d := e.createReady(t)

	e.backend.mu.Lock()
	delete(e.backend.objects, e.backend.path("1", backup.PartitionKey(1)))
	e.backend.mu.Unlock()
	for _, s := range e.stores {
		seed(t, s, 5, 6)
	}

	err := e.coord.RestoreFromBackup(ctx, d.ID, "", "")
	require.Error(t, err)

	require.Len(t, e.frontier.resets, 1)
	assert.Equal(t, map[int32]partition.Progress{
		0: {PartitionID: 0, AppliedOffset: 8, AppliedSnapshotID: 4},
	}, e.frontier.resets[0])

	// the partition that failed keeps its newer state
	p, err := e.stores[1].Progress()
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.AppliedSnapshotID)

	assert.Equal(t, 1, e.ingestors.started[0])
	assert.GreaterOrEqual(t, e.ingestors.started[1], 1)
	assert.Greater(t, e.events.index("start 0"), e.events.index("reset"))
}

func TestBackupFailsOnFirstPartitionError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3, func(p Participants) Participants {
		return &failingParticipant{Participants: p, partition: 2, err: errors.New("node unreachable")}
	})
	for _, s := range e.stores {
		seed(t, s, 1, 3)
	}
	e.frontier.set(3)

	id, err := e.coord.CreateNewBackup(ctx)
	require.NoError(t, err)
	d, err := e.coord.AwaitBackup(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, backup.Failed, d.Status)
	assert.Nil(t, d.Manifests)
	assert.Contains(t, d.Error, "node unreachable")
	assert.False(t, d.CompletedAt.IsZero())
	require.Eventually(t, func() bool { return e.backend.count("1") == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.coord.RestoreFromBackup(ctx, id, "", ""), backup.ErrBackupFailed)
	assert.ErrorIs(t, e.coord.VerifyBackup(ctx, id), backup.ErrBackupFailed)
}

func TestBackupFailsOnUploadError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2, nil)
	for _, s := range e.stores {
		seed(t, s, 1, 2)
	}
	e.backend.writeErr[backup.PartitionKey(1)] = errors.New("disk full")

	id, err := e.coord.CreateNewBackup(ctx)
	require.NoError(t, err)
	d, err := e.coord.AwaitBackup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, backup.Failed, d.Status)
	assert.Contains(t, d.Error, "disk full")
}

func TestPurgeOldBackups(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, nil)
	seed(t, e.stores[0], 1, 4)
	for s := int64(1); s <= 4; s++ {
		e.frontier.set(s)
		e.createReady(t)
	}

	purged, err := e.coord.PurgeOldBackups(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, purged)

	infos, err := e.coord.GetBackupInfo()
	require.NoError(t, err)
	assert.Equal(t, []backup.Info{
		{ID: 1, SnapshotID: 1, Status: backup.Deleted},
		{ID: 2, SnapshotID: 2, Status: backup.Deleted},
		{ID: 3, SnapshotID: 3, Status: backup.Ready},
		{ID: 4, SnapshotID: 4, Status: backup.Ready},
	}, infos)
	require.Eventually(t, func() bool {
		return e.backend.count("1") == 0 && e.backend.count("2") == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.NotZero(t, e.backend.count("3"))

	purged, err = e.coord.PurgeOldBackups(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, purged)

	_, err = e.coord.PurgeOldBackups(ctx, -1)
	assert.Error(t, err)
}

func TestVerifyBackupDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2, nil)
	for _, s := range e.stores {
		seed(t, s, 1, 5)
	}
	e.frontier.set(5)
	d := e.createReady(t)
	require.NoError(t, e.coord.VerifyBackup(ctx, d.ID))

	t.Run("flipped byte", func(t *testing.T) {
		key := "1/" + backup.PartitionKey(0)
		e.backend.mu.Lock()
		original := e.backend.objects[key]
		corrupt := append([]byte(nil), original...)
		corrupt[len(corrupt)/2] ^= 0xff
		e.backend.objects[key] = corrupt
		e.backend.mu.Unlock()
		defer func() {
			e.backend.mu.Lock()
			e.backend.objects[key] = original
			e.backend.mu.Unlock()
		}()

		assert.ErrorIs(t, e.coord.VerifyBackup(ctx, d.ID), backup.ErrCorrupted)
	})

	t.Run("missing object", func(t *testing.T) {
		key := "1/" + backup.PartitionKey(1)
		e.backend.mu.Lock()
		original := e.backend.objects[key]
		delete(e.backend.objects, key)
		e.backend.mu.Unlock()
		defer func() {
			e.backend.mu.Lock()
			e.backend.objects[key] = original
			e.backend.mu.Unlock()
		}()

		assert.ErrorIs(t, e.coord.VerifyBackup(ctx, d.ID), backup.ErrCorrupted)
	})

	// the live partitions were never touched
	for _, s := range e.stores {
		p, err := s.Progress()
		require.NoError(t, err)
		assert.Equal(t, int64(5), p.AppliedSnapshotID)
	}
	require.NoError(t, e.coord.VerifyBackup(ctx, d.ID))
}

func TestRestoreIntoPaths(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	e := newEnv(t, 2, nil)
	for _, s := range e.stores {
		seed(t, s, 1, 6)
	}
	e.frontier.set(4)
	d := e.createReady(t)

	storeDir, metaDir := t.TempDir(), t.TempDir()
	require.NoError(t, e.coord.RestoreFromBackup(ctx, d.ID, metaDir, storeDir))

	for id, live := range e.stores {
		p, err := live.Progress()
		require.NoError(t, err)
		assert.Equal(t, int64(6), p.AppliedSnapshotID, "live partitions are untouched")

		restored, err := partitionrepo.Open(partitionrepo.Dir(storeDir, id), id, partitionrepo.Config{NoSync: true}, logger, nil)
		require.NoError(t, err)
		p, err = restored.Progress()
		require.NoError(t, err)
		assert.Equal(t, int64(4), p.AppliedSnapshotID)
		assert.Equal(t, int64(7), p.AppliedOffset)
		assert.Equal(t, readAll(t, live, 4), readAll(t, restored, 4))
		require.NoError(t, restored.Close())
	}
	assert.Empty(t, e.frontier.resets)
	assert.Empty(t, e.ingestors.stopped)

	ms, err := meta.Open(metaDir, logger)
	require.NoError(t, err)
	defer ms.Close()
	got, err := ms.GetBackup(d.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.Ready, got.Status)
	f, ok, err := ms.LoadFrontier()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), f.Frontier)
	require.Len(t, f.Partitions, 2)
	assert.Equal(t, int64(7), f.Partitions[1].AppliedOffset)

	// a partition directory that already holds data is never overwritten
	assert.Error(t, e.coord.RestoreFromBackup(ctx, d.ID, "", storeDir))
}

func TestRestoreRequiresReadyBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, nil)

	creating := backup.NewDescriptor(50, 3, 1)
	require.NoError(t, creating.Transition(backup.Creating))
	require.NoError(t, e.meta.PutBackup(creating))

	assert.ErrorIs(t, e.coord.RestoreFromBackup(ctx, 50, "", ""), backup.ErrNotReady)
	assert.ErrorIs(t, e.coord.VerifyBackup(ctx, 50), backup.ErrNotReady)
	assert.True(t, backup.IsNotFound(e.coord.RestoreFromBackup(ctx, 99, "", "")))

	var unprocessable backup.ErrUnprocessable
	assert.ErrorAs(t, e.coord.DeleteBackup(ctx, 50), &unprocessable)
}

func TestRecoverFailsInterruptedBackups(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, nil)

	for id, status := range map[int64]backup.Status{1: backup.Requested, 2: backup.Creating} {
		d := backup.NewDescriptor(id, 1, 1)
		if status == backup.Creating {
			require.NoError(t, d.Transition(backup.Creating))
		}
		require.NoError(t, e.meta.PutBackup(d))
		require.NoError(t, e.backend.PutObject(ctx, backup.IDString(id), backup.PartitionKey(0), []byte("partial")))
	}

	require.NoError(t, e.coord.Recover(ctx))
	for _, id := range []int64{1, 2} {
		d, err := e.meta.GetBackup(id)
		require.NoError(t, err)
		assert.Equal(t, backup.Failed, d.Status)
		assert.Contains(t, d.Error, "interrupted")
	}
	require.Eventually(t, func() bool {
		return e.backend.count("1") == 0 && e.backend.count("2") == 0
	}, 5*time.Second, 5*time.Millisecond)

	// ids keep counting after the recovered ones
	id, err := e.coord.CreateNewBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestDeleteBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, nil)
	seed(t, e.stores[0], 1, 2)
	d := e.createReady(t)

	require.NoError(t, e.coord.DeleteBackup(ctx, d.ID))
	require.NoError(t, e.coord.DeleteBackup(ctx, d.ID))
	got, err := e.meta.GetBackup(d.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.Deleted, got.Status)
	require.Eventually(t, func() bool { return e.backend.count("1") == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.coord.RestoreFromBackup(ctx, d.ID, "", ""), backup.ErrNotReady)
}
