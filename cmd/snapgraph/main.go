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
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/handlers/rest"
	"github.com/weaviate/snapgraph/usecases/build"
	"github.com/weaviate/snapgraph/usecases/config"
)

func main() {
	var opts config.Flags
	log := logrus.WithFields(logrus.Fields{"app": "snapgraph"}).Logger

	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse command line args")
	}

	var cfg config.SnapgraphConfig
	if err := cfg.LoadConfig(&opts, log); err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := rest.ConfigureLogger(log, cfg.Config.Logging.Level, cfg.Config.Logging.Format); err != nil {
		log.WithError(err).Fatal("failed to configure logger")
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err == nil && limit > 0 {
		log.WithField("action", "startup").WithField("limit_bytes", limit).Debug("go memory limit set from cgroup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(logrus.Fields{
		"role":    cfg.Role,
		"ordinal": cfg.Ordinal,
	})
	logger.WithFields(logrus.Fields{
		"action":     "startup",
		"version":    build.Version,
		"partitions": cfg.Config.PartitionCount,
		"queue":      cfg.Config.Queue.Type,
		"backend":    cfg.Config.Backup.Backend,
	}).Info("starting snapgraph")

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Fatal("snapgraph stopped with an error")
	}
	logger.WithField("action", "shutdown").Info("snapgraph stopped")
}

func run(ctx context.Context, cfg config.SnapgraphConfig, logger logrus.FieldLogger) error {
	app := newApp(cfg, logger)
	defer func() {
		if err := app.close(); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("could not release every resource")
		}
	}()

	switch cfg.Role {
	case config.RoleCoordinator:
		return app.runCoordinator(ctx)
	case config.RoleIngestor:
		return app.runIngestor(ctx)
	case config.RoleFrontend:
		return app.runFrontend(ctx)
	default:
		return app.runStandalone(ctx)
	}
}
