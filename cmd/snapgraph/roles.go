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

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/clients"
	"github.com/weaviate/snapgraph/adapters/handlers/rest"
	"github.com/weaviate/snapgraph/adapters/handlers/rest/backupapi"
	"github.com/weaviate/snapgraph/adapters/handlers/rest/clusterapi"
	"github.com/weaviate/snapgraph/adapters/handlers/rest/writeapi"
	enterrors "github.com/weaviate/snapgraph/entities/errors"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/backup"
	"github.com/weaviate/snapgraph/usecases/coordinator"
	"github.com/weaviate/snapgraph/usecases/frontend"
	"github.com/weaviate/snapgraph/usecases/ingest"
)

const drainTimeout = 30 * time.Second

// routes combines the handlers of one listener by path prefix.
type routes map[string]http.Handler

func (r routes) handler() http.Handler {
	mux := http.NewServeMux()
	for pattern, h := range r {
		mux.Handle(pattern, h)
	}
	return mux
}

// serve runs the HTTP listeners and loops until ctx is done or one of them
// fails.
func (a *app) serve(ctx context.Context, handler http.Handler, loops ...func(context.Context)) error {
	g, gctx := enterrors.NewErrorGroupWithContextWrapper(a.logger, ctx)
	g.Go(func() error {
		return rest.Serve(gctx, a.httpAddress(), "api", handler, a.metrics, a.logger)
	})
	if addr, h, ok := a.metricsHandler(); ok {
		g.Go(func() error {
			return rest.Serve(gctx, addr, "metrics", h, a.metrics, a.logger)
		})
	}
	for _, loop := range loops {
		g.Go(func() error {
			loop(gctx)
			return nil
		})
	}
	return g.Wait()
}

// startIngest opens the stores of ids and starts their ingestors.
func (a *app) startIngest(q ingest.Queue, reporter ingest.Reporter, ids []int32,
	frontier ingest.FrontierFunc,
) (*ingest.Manager, map[int32]backup.PartitionStore, error) {
	stores, err := a.openStores(ids)
	if err != nil {
		return nil, nil, err
	}
	ingestStores := make([]ingest.Store, len(stores))
	exportStores := make(map[int32]backup.PartitionStore, len(stores))
	for i, s := range stores {
		ingestStores[i] = s
		exportStores[s.ID()] = s
	}

	m := ingest.NewManager(a.cfg.Ingest, q, reporter, ingestStores, a.logger, ingest.NewMetrics(a.metrics))
	m.SetFrontierSource(frontier)
	a.onClose("ingestors", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return m.Shutdown(ctx)
	})
	if err := m.StartAll(); err != nil {
		return nil, nil, errors.Wrap(err, "start ingestors")
	}
	m.RunMaintenance()
	a.logger.WithFields(logrus.Fields{
		"action":     "ingest_start",
		"partitions": ids,
	}).Info("ingestors started")
	return m, exportStores, nil
}

// runStandalone runs every component in one process.
func (a *app) runStandalone(ctx context.Context) error {
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	metaStore, err := a.openMeta()
	if err != nil {
		return err
	}
	coord, err := coordinator.New(a.cfg.Coordinator, metaStore, a.logger, a.metrics)
	if err != nil {
		return errors.Wrap(err, "create coordinator")
	}

	all := partition.Owned(a.cfg.PartitionCount, 1, 0)
	manager, stores, err := a.startIngest(q, coord, all, func(context.Context) (int64, error) {
		return coord.Frontier(), nil
	})
	if err != nil {
		return err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	participant := backup.NewLocalParticipant(stores, manager, backend, a.logger)
	backups := backup.NewCoordinator(a.cfg.Backup.Config, a.cfg.PartitionCount, metaStore, coord,
		participant, backend, a.logger, a.metrics)
	if err := backups.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover backups")
	}

	fe, err := frontend.New(a.cfg.Frontend, q, coord, metaStore, a.logger, a.metrics)
	if err != nil {
		return errors.Wrap(err, "create frontend")
	}

	cluster := rest.InternalMiddleware(clusterapi.NewHandler(coord, participant, a.logger), a.logger)
	backupAPI := rest.GlobalMiddleware(backupapi.NewHandler(backups, a.metrics, a.logger), a.logger)
	writeAPI := rest.GlobalMiddleware(writeapi.NewHandler(fe, a.metrics, a.logger), a.logger)
	return a.serve(ctx, routes{
		backupapi.PathBackups:       backupAPI,
		backupapi.PathBackups + "/": backupAPI,
		writeapi.PathMutations:      writeAPI,
		writeapi.PathSnapshots:      writeAPI,
		writeapi.PathCommit:         writeAPI,
		"/":                         cluster,
	}.handler(), coord.Run, fe.Run)
}

// runCoordinator tracks progress, publishes the frontier and runs backups
// against the remote ingestors.
func (a *app) runCoordinator(ctx context.Context) error {
	metaStore, err := a.openMeta()
	if err != nil {
		return err
	}
	coord, err := coordinator.New(a.cfg.Coordinator, metaStore, a.logger, a.metrics)
	if err != nil {
		return errors.Wrap(err, "create coordinator")
	}
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	participants := clients.NewParticipants(a.httpClient(), a.cfg.HTTP.ClientRetries, a.ingestorAddress)
	backups := backup.NewCoordinator(a.cfg.Backup.Config, a.cfg.PartitionCount, metaStore, coord,
		participants, backend, a.logger, a.metrics)
	if err := backups.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover backups")
	}

	cluster := rest.InternalMiddleware(clusterapi.NewHandler(coord, nil, a.logger), a.logger)
	public := rest.GlobalMiddleware(backupapi.NewHandler(backups, a.metrics, a.logger), a.logger)
	return a.serve(ctx, routes{
		backupapi.PathBackups:       public,
		backupapi.PathBackups + "/": public,
		"/":                         cluster,
	}.handler(), coord.Run)
}

// runIngestor applies the partitions this ordinal owns and serves their
// exports and restores.
func (a *app) runIngestor(ctx context.Context) error {
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	addr, err := a.coordinatorAddress()
	if err != nil {
		return err
	}
	reporter := clients.NewCoordinatorClient(a.httpClient(), addr, a.cfg.HTTP.ClientRetries, a.logger)

	owned := a.cfg.Roles.OwnedPartitions(a.cfg.PartitionCount, a.ordinal)
	manager, stores, err := a.startIngest(q, reporter, owned, func(ctx context.Context) (int64, error) {
		f, err := reporter.Fetch(ctx)
		return f.Frontier, err
	})
	if err != nil {
		return err
	}
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	participant := backup.NewLocalParticipant(stores, manager, backend, a.logger)

	return a.serve(ctx, rest.InternalMiddleware(clusterapi.NewHandler(nil, participant, a.logger), a.logger))
}

// runFrontend admits writes. The coordinator provides the frontier; the
// local meta store keeps the write snapshot reservation.
func (a *app) runFrontend(ctx context.Context) error {
	q, err := a.openQueue()
	if err != nil {
		return err
	}
	metaStore, err := a.openMeta()
	if err != nil {
		return err
	}
	addr, err := a.coordinatorAddress()
	if err != nil {
		return err
	}
	frontier := clients.NewCoordinatorClient(a.httpClient(), addr, a.cfg.HTTP.ClientRetries, a.logger)

	fe, err := frontend.New(a.cfg.Frontend, q, frontier, metaStore, a.logger, a.metrics)
	if err != nil {
		return errors.Wrap(err, "create frontend")
	}
	return a.serve(ctx, rest.GlobalMiddleware(writeapi.NewHandler(fe, a.metrics, a.logger), a.logger), fe.Run)
}
