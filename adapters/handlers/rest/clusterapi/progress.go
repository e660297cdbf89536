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
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	utils "github.com/weaviate/snapgraph/adapters/handlers/rest/rest_api_utils"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/coordinator"
)

// maxFrontierWait bounds one long poll of the frontier.
const maxFrontierWait = 30 * time.Second

type Coordinator interface {
	ReportProgress(ctx context.Context, p partition.Progress) error
	ReportFailure(ctx context.Context, id int32, reason string) error
	Frontier() int64
	Epoch() uint64
	WaitForFrontier(ctx context.Context, s int64) error
	Status() []partition.Progress
}

type progress struct {
	coordinator Coordinator
	logger      logrus.FieldLogger
}

func progressStatus(err error) int {
	if errors.Is(err, coordinator.ErrUnknownPartition) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *progress) report() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
			return
		}
		var p partition.Progress
		if err := utils.DecodeJSON(r, &p); err != nil {
			utils.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.coordinator.ReportProgress(r.Context(), p); err != nil {
			utils.WriteError(w, progressStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *progress) failure() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
			return
		}
		var f FailurePayload
		if err := utils.DecodeJSON(r, &f); err != nil {
			utils.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.coordinator.ReportFailure(r.Context(), f.Partition, f.Reason); err != nil {
			utils.WriteError(w, progressStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// frontier returns the published frontier. With ?wait=S it first waits up
// to ?timeout (30s at most) for the frontier to reach S, and answers with
// whatever frontier holds then.
func (h *progress) frontier() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "405 Method not Allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if v := q.Get("wait"); v != "" {
			target, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				utils.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid wait %q", v))
				return
			}
			timeout := maxFrontierWait
			if v := q.Get("timeout"); v != "" {
				d, err := time.ParseDuration(v)
				if err != nil || d <= 0 {
					utils.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", v))
					return
				}
				timeout = min(d, maxFrontierWait)
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			h.coordinator.WaitForFrontier(ctx, target)
			cancel()
		}

		payload := FrontierPayload{
			Frontier: h.coordinator.Frontier(),
			Epoch:    h.coordinator.Epoch(),
		}
		if q.Get("status") == "true" {
			payload.Partitions = h.coordinator.Status()
		}
		utils.WriteJSON(w, http.StatusOK, payload)
	})
}
