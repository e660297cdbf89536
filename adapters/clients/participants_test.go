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

package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/snapgraph/adapters/handlers/rest/clusterapi"
	entbackup "github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/usecases/backup"
)

type fakeParticipant struct {
	exported []*backup.ExportRequest
	restored []*backup.RestoreRequest
	resumed  []int32
	err      error
}

func (f *fakeParticipant) ExportPartition(ctx context.Context, req *backup.ExportRequest) (*entbackup.PartitionManifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.exported = append(f.exported, req)
	return &entbackup.PartitionManifest{
		PartitionID: req.Partition,
		SnapshotID:  req.SnapshotID,
		Checksum:    "abc",
		Key:         entbackup.PartitionKey(req.Partition),
	}, nil
}

func (f *fakeParticipant) RestorePartition(ctx context.Context, req *backup.RestoreRequest) error {
	if f.err != nil {
		return f.err
	}
	f.restored = append(f.restored, req)
	return nil
}

func (f *fakeParticipant) ResumePartition(ctx context.Context, partition int32) error {
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, partition)
	return nil
}

func newParticipants(t *testing.T, f *fakeParticipant) *Participants {
	logger, _ := test.NewNullLogger()
	srv := httptest.NewServer(clusterapi.NewHandler(nil, f, logger))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")
	return NewParticipants(srv.Client(), 0, func(id int32) (string, error) {
		if id >= 4 {
			return "", fmt.Errorf("no owner for %d", id)
		}
		return host, nil
	})
}

func TestParticipantsExportAndRestore(t *testing.T) {
	f := &fakeParticipant{}
	ps := newParticipants(t, f)
	ctx := context.Background()

	p, err := ps.ParticipantFor(2)
	require.NoError(t, err)

	m, err := p.ExportPartition(ctx, &backup.ExportRequest{BackupID: 1, SnapshotID: 6, Partition: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(2), m.PartitionID)
	assert.Equal(t, int64(6), m.SnapshotID)
	require.Len(t, f.exported, 1)

	require.NoError(t, p.RestorePartition(ctx, &backup.RestoreRequest{BackupID: 1, Manifest: m}))
	require.Len(t, f.restored, 1)
	assert.Equal(t, "abc", f.restored[0].Manifest.Checksum)

	require.NoError(t, p.ResumePartition(ctx, 2))
	assert.Equal(t, []int32{2}, f.resumed)
}

func TestParticipantsUnknownOwner(t *testing.T) {
	ps := newParticipants(t, &fakeParticipant{})
	_, err := ps.ParticipantFor(7)
	assert.Error(t, err)
}

func TestParticipantsTypedErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name: "not found",
			err:  entbackup.NewErrNotFound(errors.New("missing object")),
			check: func(err error) bool {
				var target entbackup.ErrNotFound
				return errors.As(err, &target)
			},
		},
		{
			name: "unprocessable",
			err:  entbackup.NewErrUnprocessable(errors.New("checksum mismatch")),
			check: func(err error) bool {
				var target entbackup.ErrUnprocessable
				return errors.As(err, &target)
			},
		},
		{
			name: "internal",
			err:  errors.New("disk on fire"),
			check: func(err error) bool {
				var target entbackup.ErrInternal
				return errors.As(err, &target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := newParticipants(t, &fakeParticipant{err: tt.err})
			p, err := ps.ParticipantFor(0)
			require.NoError(t, err)

			_, err = p.ExportPartition(context.Background(), &backup.ExportRequest{Partition: 0})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %T: %v", err, err)
		})
	}
}

func TestRemoteRestoreNeedsManifest(t *testing.T) {
	ps := newParticipants(t, &fakeParticipant{})
	p, err := ps.ParticipantFor(0)
	require.NoError(t, err)
	err = p.RestorePartition(context.Background(), &backup.RestoreRequest{})
	var target entbackup.ErrUnprocessable
	assert.ErrorAs(t, err, &target)
}
