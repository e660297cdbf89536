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

// Package writeapi serves write admission over HTTP/JSON.
package writeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	utils "github.com/weaviate/snapgraph/adapters/handlers/rest/rest_api_utils"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/usecases/frontend"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const (
	PathMutations = "/v1/mutations"
	PathSnapshots = "/v1/snapshots"
	PathCommit    = "/v1/snapshots/commit"

	maxVisibleWait = 60 * time.Second
)

type Frontend interface {
	Write(ctx context.Context, mutations ...mutation.Mutation) (int64, error)
	CommitSnapshot(ctx context.Context) (int64, error)
	WriteSnapshot() int64
	WaitVisible(ctx context.Context, s int64) error
}

type WriteRequest struct {
	Mutations []mutation.Mutation `json:"mutations"`
	// Visible makes the request wait until the written snapshot is readable.
	// The snapshot is committed first.
	Visible bool `json:"visible,omitempty"`
}

type SnapshotResponse struct {
	SnapshotID int64 `json:"snapshot_id"`
}

type writeHandlers struct {
	frontend            Frontend
	logger              logrus.FieldLogger
	metricRequestsTotal *utils.RequestsTotal
}

// NewHandler routes:
//
//	POST /v1/mutations         append a batch, answers the snapshot it was assigned
//	POST /v1/snapshots/commit  seal the current write snapshot
//	GET  /v1/snapshots         current write snapshot; ?visible=S waits until S is readable
func NewHandler(f Frontend, metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger) http.Handler {
	h := &writeHandlers{
		frontend:            f,
		logger:              logger.WithField("component", "write_api"),
		metricRequestsTotal: utils.NewRequestsTotal(metrics, "rest", "write", logger),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathMutations, h.write)
	mux.HandleFunc(PathCommit, h.commit)
	mux.HandleFunc(PathSnapshots, h.snapshot)
	return mux
}

func (h *writeHandlers) fail(w http.ResponseWriter, status int, err error) {
	h.metricRequestsTotal.LogError(status, err)
	utils.WriteError(w, status, err)
}

func writeStatus(err error) int {
	switch {
	case errors.Is(err, frontend.ErrNoMutations), errors.Is(err, frontend.ErrInvalidMutation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, frontend.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *writeHandlers) write(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req WriteRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, http.StatusBadRequest, err)
		return
	}
	s, err := h.frontend.Write(r.Context(), req.Mutations...)
	if err != nil {
		h.fail(w, writeStatus(err), err)
		return
	}
	if req.Visible {
		if err := h.commitAndWait(r.Context(), s); err != nil {
			h.fail(w, writeStatus(err), err)
			return
		}
	}
	h.metricRequestsTotal.LogOk()
	utils.WriteJSON(w, http.StatusOK, SnapshotResponse{SnapshotID: s})
}

// commitAndWait seals s unless a concurrent commit already did, then waits
// until s is readable.
func (h *writeHandlers) commitAndWait(ctx context.Context, s int64) error {
	if h.frontend.WriteSnapshot() == s {
		if _, err := h.frontend.CommitSnapshot(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, maxVisibleWait)
	defer cancel()
	return h.frontend.WaitVisible(ctx, s)
}

func (h *writeHandlers) commit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := h.frontend.CommitSnapshot(r.Context())
	if err != nil {
		h.fail(w, writeStatus(err), err)
		return
	}
	h.metricRequestsTotal.LogOk()
	utils.WriteJSON(w, http.StatusOK, SnapshotResponse{SnapshotID: s})
}

func (h *writeHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
		return
	}
	v := r.URL.Query().Get("visible")
	if v == "" {
		h.metricRequestsTotal.LogOk()
		utils.WriteJSON(w, http.StatusOK, SnapshotResponse{SnapshotID: h.frontend.WriteSnapshot()})
		return
	}
	s, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot %q", v))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxVisibleWait)
	defer cancel()
	if err := h.frontend.WaitVisible(ctx, s); err != nil {
		h.fail(w, writeStatus(err), err)
		return
	}
	h.metricRequestsTotal.LogOk()
	utils.WriteJSON(w, http.StatusOK, SnapshotResponse{SnapshotID: s})
}
