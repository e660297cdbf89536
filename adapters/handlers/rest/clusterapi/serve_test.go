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

package clusterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	entbackup "github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/backup"
	"github.com/weaviate/snapgraph/usecases/coordinator"
)

type fakeCoordinator struct {
	reports  []partition.Progress
	failed   map[int32]string
	frontier int64
	waited   int64
}

func (f *fakeCoordinator) ReportProgress(ctx context.Context, p partition.Progress) error {
	if p.PartitionID < 0 {
		return coordinator.ErrUnknownPartition
	}
	f.reports = append(f.reports, p)
	return nil
}

func (f *fakeCoordinator) ReportFailure(ctx context.Context, id int32, reason string) error {
	if f.failed == nil {
		f.failed = map[int32]string{}
	}
	f.failed[id] = reason
	return nil
}

func (f *fakeCoordinator) Frontier() int64 { return f.frontier }
func (f *fakeCoordinator) Epoch() uint64   { return 2 }

func (f *fakeCoordinator) WaitForFrontier(ctx context.Context, s int64) error {
	f.waited = s
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeCoordinator) Status() []partition.Progress {
	return []partition.Progress{{PartitionID: 0, State: partition.Live}}
}

type fakeParticipant struct {
	err     error
	resumed []int32
}

func (f *fakeParticipant) ExportPartition(ctx context.Context, req *backup.ExportRequest) (*entbackup.PartitionManifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &entbackup.PartitionManifest{PartitionID: req.Partition, SnapshotID: req.SnapshotID}, nil
}

func (f *fakeParticipant) RestorePartition(ctx context.Context, req *backup.RestoreRequest) error {
	return f.err
}

func (f *fakeParticipant) ResumePartition(ctx context.Context, partition int32) error {
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, partition)
	return nil
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestProgressRoutes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := &fakeCoordinator{frontier: 4}
	h := NewHandler(c, nil, logger)

	rec := serve(h, http.MethodPost, PathProgress, `{"partition_id":1,"applied_offset":10,"applied_snapshot_id":4}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, c.reports, 1)
	assert.Equal(t, int64(10), c.reports[0].AppliedOffset)

	rec = serve(h, http.MethodPost, PathProgress, `{"partition_id":-1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodPost, PathProgress, `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, PathProgress, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(h, http.MethodPost, PathProgressFailure, `{"partition":3,"reason":"bad record"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "bad record", c.failed[3])

	// participant routes are not served by a coordinator-only handler
	rec = serve(h, http.MethodPost, PathPartitions+"0/export", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFrontierRoute(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := &fakeCoordinator{frontier: 4}
	h := NewHandler(c, nil, logger)

	rec := serve(h, http.MethodGet, PathFrontier, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload FrontierPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, int64(4), payload.Frontier)
	assert.Equal(t, uint64(2), payload.Epoch)
	assert.Empty(t, payload.Partitions)

	rec = serve(h, http.MethodGet, PathFrontier+"?status=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Partitions, 1)

	start := time.Now()
	rec = serve(h, http.MethodGet, PathFrontier+"?wait=9&timeout=20ms", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9), c.waited)
	assert.Less(t, time.Since(start), 5*time.Second)

	rec = serve(h, http.MethodGet, PathFrontier+"?wait=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(h, http.MethodGet, PathFrontier+"?wait=1&timeout=-1s", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartitionRoutes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := &fakeParticipant{}
	h := NewHandler(nil, p, logger)

	rec := serve(h, http.MethodPost, PathPartitions+"2/export", `{"backup_id":1,"snapshot_id":5,"partition":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var m entbackup.PartitionManifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, int32(2), m.PartitionID)
	assert.Equal(t, int64(5), m.SnapshotID)

	rec = serve(h, http.MethodPost, PathPartitions+"2/export", `{"partition":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, PathPartitions+"2/restore", `{"backup_id":1,"manifest":{"partition_id":2}}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, http.MethodPost, PathPartitions+"2/restore", `{"backup_id":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, PathPartitions+"2/resume", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int32{2}, p.resumed)

	rec = serve(h, http.MethodPost, PathPartitions+"2/compact", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodGet, PathPartitions+"2/export", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(h, http.MethodGet, PathFrontier, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParticipantStatusRoundTrip(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{entbackup.NewErrUnprocessable(errors.New("x")), http.StatusUnprocessableEntity},
		{entbackup.NewErrNotFound(errors.New("x")), http.StatusNotFound},
		{entbackup.NewErrContextExpired(errors.New("x")), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{partitionrepo.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: partition 1", partitionrepo.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, ParticipantStatus(tt.err), tt.err.Error())
	}

	var notFound entbackup.ErrNotFound
	assert.ErrorAs(t, ParticipantError(http.StatusNotFound, "gone"), &notFound)
	var internal entbackup.ErrInternal
	assert.ErrorAs(t, ParticipantError(http.StatusTeapot, "odd"), &internal)
}

func TestIndex(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHandler(nil, nil, logger)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/nope", "").Code)
}
