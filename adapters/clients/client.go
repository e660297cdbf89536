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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	utils "github.com/weaviate/snapgraph/adapters/handlers/rest/rest_api_utils"
	enterrors "github.com/weaviate/snapgraph/entities/errors"
)

type retryer struct {
	minBackOff time.Duration
	maxBackOff time.Duration
}

func newRetryer() *retryer {
	return &retryer{
		minBackOff: time.Millisecond * 250,
		maxBackOff: time.Second * 30,
	}
}

// retry runs work up to n+1 times. work reports whether a failure is worth
// another attempt; context errors never are.
func (r *retryer) retry(ctx context.Context, n int, work func(context.Context) (bool, error)) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.minBackOff
	policy.MaxInterval = r.maxBackOff
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		keepTrying, err := work(ctx)
		if err == nil {
			return nil
		}
		if !keepTrying || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(n, 0))), ctx))
}

// StatusError is a non-2xx answer.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Msg)
}

// retryable tells transient answers from definitive ones.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

type jsonClient struct {
	client  *http.Client
	retries int
	*retryer
}

func newJSONClient(client *http.Client, retries int) *jsonClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &jsonClient{client: client, retries: retries, retryer: newRetryer()}
}

// do sends body as JSON and decodes a 2xx answer into out. Connection
// errors are returned as enterrors.ErrUnreachable.
func (c *jsonClient) do(ctx context.Context, method string, u url.URL, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return c.retry(ctx, c.retries, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("create http request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return true, enterrors.NewErrUnreachable(u.Host, err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return true, fmt.Errorf("read response: %w", err)
		}
		if res.StatusCode/100 != 2 {
			return retryable(res.StatusCode), &StatusError{Status: res.StatusCode, Msg: utils.ReadError(data)}
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return false, fmt.Errorf("decode response: %w", err)
			}
		}
		return false, nil
	})
}
