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
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	utils "github.com/weaviate/snapgraph/adapters/handlers/rest/rest_api_utils"
	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	entbackup "github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/usecases/backup"
)

type Participant interface {
	ExportPartition(ctx context.Context, req *backup.ExportRequest) (*entbackup.PartitionManifest, error)
	RestorePartition(ctx context.Context, req *backup.RestoreRequest) error
	ResumePartition(ctx context.Context, partition int32) error
}

type partitions struct {
	participant Participant
	logger      logrus.FieldLogger
}

// ParticipantStatus maps participant errors to status codes. Clients map
// them back with ParticipantError.
func ParticipantStatus(err error) int {
	var (
		unprocessable entbackup.ErrUnprocessable
		notFound      entbackup.ErrNotFound
		expired       entbackup.ErrContextExpired
	)
	switch {
	case errors.As(err, &unprocessable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &expired), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, partitionrepo.ErrClosed), errors.Is(err, partitionrepo.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ParticipantError rebuilds the typed error a participant answered with.
func ParticipantError(status int, msg string) error {
	err := errors.New(msg)
	switch status {
	case http.StatusUnprocessableEntity:
		return entbackup.NewErrUnprocessable(err)
	case http.StatusNotFound:
		return entbackup.NewErrNotFound(err)
	case http.StatusGatewayTimeout:
		return entbackup.NewErrContextExpired(err)
	default:
		return entbackup.NewErrInternal(err)
	}
}

func (h *partitions) Partitions() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
			return
		}
		id, action, err := utils.PathID(r.URL.Path, PathPartitions)
		if err != nil {
			utils.WriteError(w, http.StatusBadRequest, err)
			return
		}
		switch action {
		case "export":
			h.export(w, r, int32(id))
		case "restore":
			h.restore(w, r, int32(id))
		case "resume":
			h.resume(w, r, int32(id))
		default:
			http.NotFound(w, r)
		}
	})
}

func (h *partitions) export(w http.ResponseWriter, r *http.Request, id int32) {
	var req backup.ExportRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Partition != id {
		utils.WriteError(w, http.StatusBadRequest,
			fmt.Errorf("partition %d in body does not match path partition %d", req.Partition, id))
		return
	}
	m, err := h.participant.ExportPartition(r.Context(), &req)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":    "cluster_api_export",
			"partition": id,
			"backup_id": req.BackupID,
		}).WithError(err).Error("export failed")
		utils.WriteError(w, ParticipantStatus(err), err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, m)
}

func (h *partitions) restore(w http.ResponseWriter, r *http.Request, id int32) {
	var req backup.RestoreRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Manifest == nil || req.Manifest.PartitionID != id {
		utils.WriteError(w, http.StatusBadRequest,
			fmt.Errorf("restore request does not carry the manifest of partition %d", id))
		return
	}
	if err := h.participant.RestorePartition(r.Context(), &req); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":    "cluster_api_restore",
			"partition": id,
			"backup_id": req.BackupID,
		}).WithError(err).Error("restore failed")
		utils.WriteError(w, ParticipantStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *partitions) resume(w http.ResponseWriter, r *http.Request, id int32) {
	if err := h.participant.ResumePartition(r.Context(), id); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":    "cluster_api_resume",
			"partition": id,
		}).WithError(err).Error("resume failed")
		utils.WriteError(w, ParticipantStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
