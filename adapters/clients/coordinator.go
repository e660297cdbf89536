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
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/handlers/rest/clusterapi"
	"github.com/weaviate/snapgraph/entities/partition"
)

// CoordinatorClient talks to a remote coordinator. It reports ingestion
// progress and lets frontends wait for the frontier.
type CoordinatorClient struct {
	*jsonClient
	host   string
	logger logrus.FieldLogger
}

func NewCoordinatorClient(httpClient *http.Client, host string, retries int, logger logrus.FieldLogger) *CoordinatorClient {
	return &CoordinatorClient{
		jsonClient: newJSONClient(httpClient, retries),
		host:       host,
		logger:     logger.WithField("component", "coordinator_client"),
	}
}

func (c *CoordinatorClient) url(path string) url.URL {
	return url.URL{Scheme: "http", Host: c.host, Path: path}
}

func (c *CoordinatorClient) ReportProgress(ctx context.Context, p partition.Progress) error {
	return c.do(ctx, http.MethodPost, c.url(clusterapi.PathProgress), p, nil)
}

func (c *CoordinatorClient) ReportFailure(ctx context.Context, id int32, reason string) error {
	return c.do(ctx, http.MethodPost, c.url(clusterapi.PathProgressFailure),
		clusterapi.FailurePayload{Partition: id, Reason: reason}, nil)
}

// Fetch returns the published frontier.
func (c *CoordinatorClient) Fetch(ctx context.Context) (clusterapi.FrontierPayload, error) {
	var payload clusterapi.FrontierPayload
	err := c.do(ctx, http.MethodGet, c.url(clusterapi.PathFrontier), nil, &payload)
	return payload, err
}

// Frontier returns the published frontier, or 0 if the coordinator cannot
// be reached.
func (c *CoordinatorClient) Frontier() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, err := c.Fetch(ctx)
	if err != nil {
		c.logger.WithField("action", "fetch_frontier").WithError(err).Warn("could not fetch frontier")
		return 0
	}
	return payload.Frontier
}

// WaitForFrontier long-polls the coordinator until the frontier reaches s.
func (c *CoordinatorClient) WaitForFrontier(ctx context.Context, s int64) error {
	u := c.url(clusterapi.PathFrontier)
	q := url.Values{}
	q.Set("wait", strconv.FormatInt(s, 10))
	q.Set("timeout", "20s")
	u.RawQuery = q.Encode()

	for {
		var payload clusterapi.FrontierPayload
		if err := c.do(ctx, http.MethodGet, u, nil, &payload); err != nil {
			return err
		}
		if payload.Frontier >= s {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
