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
	"net/http"
	"net/url"

	"github.com/weaviate/snapgraph/adapters/handlers/rest/clusterapi"
	entbackup "github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/usecases/backup"
)

// Participants reaches the ingestor owning a partition over HTTP.
type Participants struct {
	client  *jsonClient
	ownerOf func(partition int32) (string, error)
}

// NewParticipants creates a client for the ingestors. ownerOf returns the
// address of the ingestor owning a partition.
func NewParticipants(httpClient *http.Client, retries int, ownerOf func(int32) (string, error)) *Participants {
	return &Participants{client: newJSONClient(httpClient, retries), ownerOf: ownerOf}
}

func (p *Participants) ParticipantFor(id int32) (backup.Participant, error) {
	host, err := p.ownerOf(id)
	if err != nil {
		return nil, fmt.Errorf("owner of partition %d: %w", id, err)
	}
	return &remoteParticipant{client: p.client, host: host}, nil
}

type remoteParticipant struct {
	client *jsonClient
	host   string
}

func (r *remoteParticipant) url(id int32, action string) url.URL {
	return url.URL{Scheme: "http", Host: r.host, Path: fmt.Sprintf("%s%d/%s", clusterapi.PathPartitions, id, action)}
}

func (r *remoteParticipant) ExportPartition(ctx context.Context, req *backup.ExportRequest) (*entbackup.PartitionManifest, error) {
	var m entbackup.PartitionManifest
	if err := r.client.do(ctx, http.MethodPost, r.url(req.Partition, "export"), req, &m); err != nil {
		return nil, typed(err)
	}
	return &m, nil
}

func (r *remoteParticipant) RestorePartition(ctx context.Context, req *backup.RestoreRequest) error {
	if req.Manifest == nil {
		return entbackup.NewErrUnprocessable(fmt.Errorf("restore without manifest"))
	}
	if err := r.client.do(ctx, http.MethodPost, r.url(req.Manifest.PartitionID, "restore"), req, nil); err != nil {
		return typed(err)
	}
	return nil
}

func (r *remoteParticipant) ResumePartition(ctx context.Context, partition int32) error {
	if err := r.client.do(ctx, http.MethodPost, r.url(partition, "resume"), nil, nil); err != nil {
		return typed(err)
	}
	return nil
}

func typed(err error) error {
	var status *StatusError
	if errors.As(err, &status) {
		return clusterapi.ParticipantError(status.Status, status.Msg)
	}
	return err
}
