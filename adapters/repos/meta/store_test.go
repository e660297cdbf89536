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

package meta

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/partition"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := Open(dir, logger)
	require.NoError(t, err)
	return s
}

func TestBackupIDsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	first, err := s.NextBackupID()
	require.NoError(t, err)
	second, err := s.NextBackupID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	require.NoError(t, s.Close())
	s = openTestStore(t, dir)
	defer s.Close()
	third, err := s.NextBackupID()
	require.NoError(t, err)
	assert.Equal(t, int64(3), third)

	t.Run("imported ids advance the sequence", func(t *testing.T) {
		require.NoError(t, s.PutBackup(backup.NewDescriptor(10, 1, 1)))
		next, err := s.NextBackupID()
		require.NoError(t, err)
		assert.Equal(t, int64(11), next)
	})
}

func TestBackupDescriptors(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.GetBackup(1)
	assert.True(t, backup.IsNotFound(err))

	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, s.PutBackup(backup.NewDescriptor(id, id*10, 2)))
	}
	d := backup.NewDescriptor(2, 20, 1)
	require.NoError(t, d.Transition(backup.Creating))
	d.Manifests = map[int32]*backup.PartitionManifest{
		0: {PartitionID: 0, SnapshotID: 20, Checksum: "abc", Key: backup.PartitionKey(0), Entries: 4},
	}
	require.NoError(t, d.Transition(backup.Ready))
	require.NoError(t, s.PutBackup(d))

	got, err := s.GetBackup(2)
	require.NoError(t, err)
	assert.Equal(t, backup.Ready, got.Status)
	assert.Equal(t, d.Manifests, got.Manifests)

	all, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ID, all[1].ID, all[2].ID})
}

func TestFrontierPersistence(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, ok, err := s.LoadFrontier()
	require.NoError(t, err)
	assert.False(t, ok)

	f := Frontier{
		Epoch:    2,
		Frontier: 7,
		Partitions: []partition.Progress{
			{PartitionID: 0, AppliedOffset: 10, AppliedSnapshotID: 7},
			{PartitionID: 1, AppliedOffset: 4, AppliedSnapshotID: 9, State: partition.Degraded},
		},
	}
	require.NoError(t, s.SaveFrontier(f))
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	got, ok, err := s.LoadFrontier()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.Epoch, got.Epoch)
	assert.Equal(t, f.Frontier, got.Frontier)
	assert.Equal(t, f.Partitions, got.Partitions)
	assert.False(t, got.SavedAt.IsZero())
}

func TestWriteSnapshotReservation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	s, err := Open(dir, logger)
	require.NoError(t, err)

	got, err := s.WriteSnapshotReservation()
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	require.NoError(t, s.ReserveWriteSnapshot(10))
	require.NoError(t, s.ReserveWriteSnapshot(4))
	got, err = s.WriteSnapshotReservation()
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
	require.NoError(t, s.Close())

	s, err = Open(dir, logger)
	require.NoError(t, err)
	defer s.Close()
	got, err = s.WriteSnapshotReservation()
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
}
