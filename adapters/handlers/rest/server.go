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

package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/snapgraph/entities/errors"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const shutdownTimeout = 20 * time.Second

// Serve listens on addr and serves handler until ctx is done, then shuts the
// server down gracefully. Open connections are counted under name.
func Serve(ctx context.Context, addr, name string, handler http.Handler,
	metrics *monitoring.PrometheusMetrics, logger logrus.FieldLogger,
) error {
	l, err := metrics.Listen(addr, name)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	enterrors.GoWrapper(func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(sctx)
	}, logger)

	logger.WithFields(logrus.Fields{
		"action":   "http_serve",
		"listener": name,
		"address":  l.Addr().String(),
	}).Info("serving http")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}
