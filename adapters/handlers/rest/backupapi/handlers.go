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

// Package backupapi serves the backup service over HTTP/JSON.
package backupapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	utils "github.com/weaviate/snapgraph/adapters/handlers/rest/rest_api_utils"
	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const PathBackups = "/v1/backups"

type Scheduler interface {
	CreateNewBackup(ctx context.Context) (int64, error)
	GetBackup(id int64) (*backup.Descriptor, error)
	AwaitBackup(ctx context.Context, id int64) (*backup.Descriptor, error)
	GetBackupInfo() ([]backup.Info, error)
	DeleteBackup(ctx context.Context, id int64) error
	PurgeOldBackups(ctx context.Context, keep int) ([]int64, error)
	RestoreFromBackup(ctx context.Context, id int64, metaRestorePath, storeRestorePath string) error
	VerifyBackup(ctx context.Context, id int64) error
}

type CreateResponse struct {
	ID int64 `json:"backup_id"`
}

type PurgeRequest struct {
	KeepAliveNumber int `json:"keep_alive_number"`
}

type PurgeResponse struct {
	Deleted []int64 `json:"deleted"`
}

type RestoreRequest struct {
	MetaRestorePath  string `json:"meta_restore_path,omitempty"`
	StoreRestorePath string `json:"store_restore_path,omitempty"`
}

type backupHandlers struct {
	manager             Scheduler
	metricRequestsTotal *utils.RequestsTotal
}

// NewHandler routes the backup service:
//
//	POST   /v1/backups              create, answers {backup_id}
//	GET    /v1/backups              list
//	POST   /v1/backups/purge        keep the newest keep_alive_number ready backups
//	GET    /v1/backups/{id}         descriptor, ?wait=true blocks until it settled
//	DELETE /v1/backups/{id}
//	POST   /v1/backups/{id}/restore
//	POST   /v1/backups/{id}/verify
func NewHandler(manager Scheduler, metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger) http.Handler {
	h := &backupHandlers{
		manager:             manager,
		metricRequestsTotal: utils.NewRequestsTotal(metrics, "rest", "backup", logger),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathBackups, h.collection)
	mux.HandleFunc(PathBackups+"/", h.item)
	return mux
}

func (s *backupHandlers) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	s.metricRequestsTotal.LogError(status, err)
	utils.WriteError(w, status, err)
}

func (s *backupHandlers) ok(w http.ResponseWriter, status int, payload interface{}) {
	s.metricRequestsTotal.LogOk()
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	utils.WriteJSON(w, status, payload)
}

func (s *backupHandlers) collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createBackup(w, r)
	case http.MethodGet:
		s.listBackups(w, r)
	default:
		http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *backupHandlers) item(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, PathBackups+"/")
	if rest == "purge" {
		if r.Method != http.MethodPost {
			http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
			return
		}
		s.purgeBackups(w, r)
		return
	}

	id, action, err := utils.PathID(r.URL.Path, PathBackups+"/")
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getBackup(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteBackup(w, r, id)
	case action == "restore" && r.Method == http.MethodPost:
		s.restoreBackup(w, r, id)
	case action == "verify" && r.Method == http.MethodPost:
		s.verifyBackup(w, r, id)
	case action == "" || action == "restore" || action == "verify":
		http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *backupHandlers) createBackup(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.CreateNewBackup(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, CreateResponse{ID: id})
}

func (s *backupHandlers) listBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.GetBackupInfo()
	if err != nil {
		s.fail(w, err)
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	s.ok(w, http.StatusOK, infos)
}

func (s *backupHandlers) getBackup(w http.ResponseWriter, r *http.Request, id int64) {
	var (
		d   *backup.Descriptor
		err error
	)
	if r.URL.Query().Get("wait") == "true" {
		d, err = s.manager.AwaitBackup(r.Context(), id)
	} else {
		d, err = s.manager.GetBackup(id)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusOK, d)
}

func (s *backupHandlers) deleteBackup(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.manager.DeleteBackup(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusNoContent, nil)
}

func (s *backupHandlers) purgeBackups(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	deleted, err := s.manager.PurgeOldBackups(r.Context(), req.KeepAliveNumber)
	if err != nil {
		s.fail(w, err)
		return
	}
	if deleted == nil {
		deleted = []int64{}
	}
	s.ok(w, http.StatusOK, PurgeResponse{Deleted: deleted})
}

func (s *backupHandlers) restoreBackup(w http.ResponseWriter, r *http.Request, id int64) {
	var req RestoreRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.RestoreFromBackup(r.Context(), id, req.MetaRestorePath, req.StoreRestorePath); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusNoContent, nil)
}

func (s *backupHandlers) verifyBackup(w http.ResponseWriter, r *http.Request, id int64) {
	if err := s.manager.VerifyBackup(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, http.StatusNoContent, nil)
}

func errorStatus(err error) int {
	var (
		notFound      backup.ErrNotFound
		unprocessable backup.ErrUnprocessable
		expired       backup.ErrContextExpired
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrNotReady), errors.Is(err, backup.ErrBackupFailed):
		return http.StatusConflict
	case errors.Is(err, backup.ErrCorrupted), errors.As(err, &unprocessable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &expired):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
