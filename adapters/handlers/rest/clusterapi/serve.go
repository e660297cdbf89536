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
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/entities/partition"
)

const (
	PathProgress        = "/v1/progress"
	PathProgressFailure = "/v1/progress/failure"
	PathFrontier        = "/v1/frontier"
	PathPartitions      = "/v1/partitions/"
)

// FailurePayload reports that an ingestor stopped on a structural error.
type FailurePayload struct {
	Partition int32  `json:"partition"`
	Reason    string `json:"reason"`
}

// FrontierPayload is the coordinator's published state.
type FrontierPayload struct {
	Frontier   int64                `json:"frontier"`
	Epoch      uint64               `json:"epoch"`
	Partitions []partition.Progress `json:"partitions,omitempty"`
}

// NewHandler serves the cluster internal API. Either side may be nil when
// this process does not run it.
func NewHandler(coordinator Coordinator, participant Participant, logger logrus.FieldLogger) http.Handler {
	logger = logger.WithField("component", "cluster_api")
	mux := http.NewServeMux()
	if coordinator != nil {
		p := &progress{coordinator: coordinator, logger: logger}
		mux.Handle(PathProgress, p.report())
		mux.Handle(PathProgressFailure, p.failure())
		mux.Handle(PathFrontier, p.frontier())
	}
	if participant != nil {
		pt := &partitions{participant: participant, logger: logger}
		mux.Handle(PathPartitions, pt.Partitions())
	}
	mux.Handle("/", index())
	return mux
}

func index() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.String() != "" && r.URL.String() != "/" {
			http.NotFound(w, r)
			return
		}

		payload := map[string]string{
			"description": "snapgraph's cluster-internal API for progress reports and partition transfers",
		}

		json.NewEncoder(w).Encode(payload)
	})
}
