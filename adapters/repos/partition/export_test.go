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

package partition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

// buildHistory applies three sealed snapshots with overwrites and deletes.
func buildHistory(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Apply(ctx, []*mutation.Record{
		insert(0, 1, "a", "a1"), insert(1, 1, "b", "b1"), marker(2, 1),
	})
	require.NoError(t, err)
	_, err = s.Apply(ctx, []*mutation.Record{
		insert(3, 2, "a", "a2"),
		{Offset: 4, SnapshotID: 2, Op: mutation.OpInsert, Target: mutation.Edge("a", "knows", "b")},
		marker(5, 2),
	})
	require.NoError(t, err)
	_, err = s.Apply(ctx, []*mutation.Record{
		{Offset: 6, SnapshotID: 3, Op: mutation.OpDelete, Target: mutation.Vertex("b")},
		insert(7, 3, "c", "c3"), marker(8, 3),
	})
	require.NoError(t, err)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, src)

	for asOf := int64(0); asOf <= 3; asOf++ {
		t.Run(fmt.Sprintf("snapshot %d", asOf), func(t *testing.T) {
			var buf bytes.Buffer
			m, err := src.Export(ctx, asOf, &buf)
			require.NoError(t, err)
			assert.Equal(t, asOf, m.SnapshotID)
			assert.Equal(t, int64(buf.Len()), m.Size)

			dst := newTestStore(t, t.TempDir(), Config{})
			require.NoError(t, dst.Restore(ctx, m, bytes.NewReader(buf.Bytes())))

			p, err := dst.Progress()
			require.NoError(t, err)
			assert.Equal(t, m.AppliedOffset, p.AppliedOffset)
			assert.Equal(t, asOf, p.AppliedSnapshotID)
			for s := int64(0); s <= asOf; s++ {
				assert.Equal(t, readAll(t, src, s), readAll(t, dst, s), "snapshot %d", s)
			}
		})
	}
}

func TestExportRecordsResumeOffset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, s)

	tests := []struct {
		asOf, offset int64
	}{
		{0, partition.NoOffset},
		{1, 2},
		{2, 5},
		{3, 8},
	}
	for _, tc := range tests {
		m, err := s.Export(ctx, tc.asOf, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, tc.offset, m.AppliedOffset, "snapshot %d", tc.asOf)
	}

	t.Run("restored partition resumes after the snapshot", func(t *testing.T) {
		var buf bytes.Buffer
		m, err := s.Export(ctx, 2, &buf)
		require.NoError(t, err)

		dst := newTestStore(t, t.TempDir(), Config{})
		require.NoError(t, dst.Restore(ctx, m, &buf))
		_, err = dst.Apply(ctx, []*mutation.Record{
			{Offset: 6, SnapshotID: 3, Op: mutation.OpDelete, Target: mutation.Vertex("b")},
			insert(7, 3, "c", "c3"), marker(8, 3),
		})
		require.NoError(t, err)
		assert.Equal(t, readAll(t, s, 3), readAll(t, dst, 3))
	})
}

// gateWriter blocks its first Write until release is closed, like a slow
// upload.
type gateWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	buf     bytes.Buffer
}

func newGateWriter() *gateWriter {
	return &gateWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateWriter) Write(p []byte) (int, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.buf.Write(p)
}

func TestExportDoesNotBlockApply(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, s)

	var want bytes.Buffer
	wantManifest, err := s.Export(ctx, 2, &want)
	require.NoError(t, err)

	gate := newGateWriter()
	type result struct {
		m   *backup.PartitionManifest
		err error
	}
	exported := make(chan result, 1)
	go func() {
		m, err := s.Export(ctx, 2, gate)
		exported <- result{m, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("export never started writing")
	}

	// enough data to make bolt grow its file several times
	big := strings.Repeat("x", 64<<10)
	records := make([]*mutation.Record, 0, 301)
	for i := int64(0); i < 300; i++ {
		records = append(records, insert(9+i, 4, fmt.Sprintf("big%d", i), big))
	}
	records = append(records, marker(309, 4))

	applied := make(chan error, 1)
	go func() {
		_, err := s.Apply(ctx, records)
		applied <- err
	}()
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("apply is blocked while an export is being written out")
	}

	close(gate.release)
	res := <-exported
	require.NoError(t, res.err)
	assert.Equal(t, wantManifest, res.m)
	assert.Equal(t, want.Bytes(), gate.buf.Bytes(), "export is the cut taken before the apply")

	p, err := s.Progress()
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.AppliedSnapshotID)

	spools, err := filepath.Glob(filepath.Join(s.Dir(), exportSpoolPattern))
	require.NoError(t, err)
	assert.Empty(t, spools)
}

func TestOpenRemovesStaleExportSpools(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, Config{})
	require.NoError(t, s.Close())
	stale := filepath.Join(dir, "export-123.spool")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	newTestStore(t, dir, Config{})
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestExportAheadOfProgress(t *testing.T) {
	s := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, s)
	_, err := s.Export(context.Background(), 4, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrSnapshotNotYetApplied)
}

func TestRestoreRejectsCorruptStream(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, src)

	var buf bytes.Buffer
	m, err := src.Export(ctx, 3, &buf)
	require.NoError(t, err)

	dst := newTestStore(t, t.TempDir(), Config{})
	_, err = dst.Apply(ctx, []*mutation.Record{insert(0, 1, "keep", "me")})
	require.NoError(t, err)

	t.Run("flipped byte", func(t *testing.T) {
		data := append([]byte(nil), buf.Bytes()...)
		data[len(data)-1] ^= 0xFF
		err := dst.Restore(ctx, m, bytes.NewReader(data))
		require.Error(t, err)
	})

	t.Run("wrong checksum", func(t *testing.T) {
		bad := *m
		bad.Checksum = "00"
		err := dst.Restore(ctx, &bad, bytes.NewReader(buf.Bytes()))
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("wrong entry count", func(t *testing.T) {
		bad := *m
		bad.Entries++
		err := dst.Restore(ctx, &bad, bytes.NewReader(buf.Bytes()))
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	// live state untouched
	e, err := dst.Read(ctx, []byte("v/keep"), 1)
	require.NoError(t, err)
	assert.Equal(t, "me", e.Properties["name"])
}

func TestVerifyExport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, s)

	var buf bytes.Buffer
	m, err := s.Export(ctx, 3, &buf)
	require.NoError(t, err)
	require.NoError(t, VerifyExport(ctx, m, bytes.NewReader(buf.Bytes())))

	truncated := buf.Bytes()[:buf.Len()-3]
	assert.ErrorIs(t, VerifyExport(ctx, m, bytes.NewReader(truncated)), ErrChecksumMismatch)
}

func TestRestoreToOfflineDirectory(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, src)

	var buf bytes.Buffer
	m, err := src.Export(ctx, 2, &buf)
	require.NoError(t, err)

	dir := Dir(t.TempDir(), 0)
	require.NoError(t, RestoreTo(ctx, dir, m, bytes.NewReader(buf.Bytes())))
	assert.FileExists(t, filepath.Join(dir, FileName))

	err = RestoreTo(ctx, dir, m, bytes.NewReader(buf.Bytes()))
	assert.Error(t, err, "must not overwrite an existing partition")

	logger, _ := test.NewNullLogger()
	restored, err := Open(dir, 0, Config{NoSync: true}, logger, nil)
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, readAll(t, src, 2), readAll(t, restored, 2))
}

func TestRestoreWithFailedReopenLeavesStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, t.TempDir(), Config{})
	buildHistory(t, src)
	var buf bytes.Buffer
	m, err := src.Export(ctx, 3, &buf)
	require.NoError(t, err)

	dst := newTestStore(t, t.TempDir(), Config{})
	dst.open = func(string, int32, bool) (*bolt.DB, error) {
		return nil, errors.New("device gone")
	}
	err = dst.Restore(ctx, m, bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = dst.Progress()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrClosed, "a broken partition must not look like a clean stop")
	_, err = dst.Apply(ctx, []*mutation.Record{insert(9, 4, "a", "a4")})
	assert.ErrorIs(t, err, ErrUnavailable)

	// a later restore that can open the file repairs the partition
	dst.open = openDB
	require.NoError(t, dst.Restore(ctx, m, bytes.NewReader(buf.Bytes())))
	p, err := dst.Progress()
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.AppliedSnapshotID)
}
