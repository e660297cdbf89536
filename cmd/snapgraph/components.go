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
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/queue/filelog"
	"github.com/weaviate/snapgraph/adapters/queue/kafka"
	"github.com/weaviate/snapgraph/adapters/repos/meta"
	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	modstgazure "github.com/weaviate/snapgraph/modules/backup-azure"
	modstgfs "github.com/weaviate/snapgraph/modules/backup-filesystem"
	modstggcs "github.com/weaviate/snapgraph/modules/backup-gcs"
	"github.com/weaviate/snapgraph/modules/backup-gcs/gcs"
	modstgs3 "github.com/weaviate/snapgraph/modules/backup-s3"
	"github.com/weaviate/snapgraph/usecases/config"
	"github.com/weaviate/snapgraph/usecases/ingest"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

// queue is what every role needs from the durable queue.
type queue interface {
	ingest.Queue
	ingest.Producer
}

// app owns the resources of one process and closes them in reverse order.
type app struct {
	cfg     config.Config
	role    config.Role
	ordinal int
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	closers []func() error
}

func newApp(cfg config.SnapgraphConfig, logger logrus.FieldLogger) *app {
	metrics := monitoring.NoopMetrics()
	if cfg.Config.Monitoring.Enabled {
		metrics = monitoring.GetMetrics()
	}
	return &app{
		cfg:     cfg.Config,
		role:    cfg.Role,
		ordinal: cfg.Ordinal,
		logger:  logger,
		metrics: metrics,
	}
}

func (a *app) onClose(name string, f func() error) {
	a.closers = append(a.closers, func() error {
		if err := f(); err != nil {
			return errors.Wrapf(err, "close %s", name)
		}
		return nil
	})
}

func (a *app) close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *app) openQueue() (queue, error) {
	switch a.cfg.Queue.Type {
	case config.QueueKafka:
		q, err := kafka.New(kafka.Config{
			Brokers:    a.cfg.Queue.Kafka.Brokers,
			Topic:      a.cfg.Queue.Kafka.Topic,
			ClientID:   a.cfg.Queue.Kafka.ClientID,
			Partitions: a.cfg.PartitionCount,
		}, a.logger, a.metrics)
		if err != nil {
			return nil, errors.Wrap(err, "create kafka queue")
		}
		if err := q.Start(); err != nil {
			q.Close()
			return nil, errors.Wrap(err, "start kafka queue")
		}
		a.onClose("kafka queue", q.Close)
		return q, nil
	default:
		l, err := filelog.Open(a.cfg.Persistence.QueuePath(), a.cfg.PartitionCount, filelog.Config{
			SegmentBytes: a.cfg.Queue.File.SegmentBytes,
			Sync:         a.cfg.Queue.File.Sync,
		}, a.logger, a.metrics)
		if err != nil {
			return nil, errors.Wrap(err, "open file queue")
		}
		a.onClose("file queue", l.Close)
		return l, nil
	}
}

func (a *app) openMeta() (*meta.Store, error) {
	s, err := meta.Open(a.cfg.Persistence.MetaPath(), a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "open meta store")
	}
	a.onClose("meta store", s.Close)
	return s, nil
}

// openStores opens the partition stores of ids.
func (a *app) openStores(ids []int32) ([]*partitionrepo.Store, error) {
	metrics, err := partitionrepo.NewMetrics(a.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "register partition store metrics")
	}
	stores := make([]*partitionrepo.Store, 0, len(ids))
	for _, id := range ids {
		s, err := partitionrepo.Open(partitionrepo.Dir(a.cfg.Persistence.StoresPath(), id), id,
			partitionrepo.Config{OpDedupWindow: a.cfg.Store.OpDedupWindow}, a.logger, metrics)
		if err != nil {
			return nil, errors.Wrapf(err, "open partition %d", id)
		}
		a.onClose(fmt.Sprintf("partition %d", id), s.Close)
		stores = append(stores, s)
	}
	return stores, nil
}

func (a *app) openBackend(ctx context.Context) (modulecapabilities.BackupBackend, error) {
	b := a.cfg.Backup
	var (
		backend modulecapabilities.BackupBackend
		err     error
	)
	switch b.Backend {
	case config.BackendS3:
		backend, err = modstgs3.New(modstgs3.Config{
			Bucket:   b.Bucket,
			Path:     b.Path,
			Endpoint: b.Endpoint,
			Region:   b.Region,
			UseSSL:   b.UseSSL,
		}, a.logger, a.metrics)
	case config.BackendGCS:
		backend, err = modstggcs.New(ctx, gcs.Config{
			Bucket:   b.Bucket,
			Path:     b.Path,
			Endpoint: b.Endpoint,
			UseAuth:  b.Endpoint == "",
		}, a.logger, a.metrics)
	case config.BackendAzure:
		backend, err = modstgazure.New(modstgazure.Config{
			Container: b.Bucket,
			Path:      b.Path,
		}, a.logger, a.metrics)
	default:
		backend, err = modstgfs.New(b.Path, a.logger, a.metrics)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create %s backup backend", b.Backend)
	}
	return backend, nil
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTP.ClientTimeout}
}

func (a *app) coordinatorAddress() (string, error) {
	return a.cfg.Roles.Address(config.RoleCoordinator, 0)
}

func (a *app) ingestorAddress(partition int32) (string, error) {
	return a.cfg.Roles.Address(config.RoleIngestor, a.cfg.Roles.PartitionOwner(partition))
}

func (a *app) httpAddress() string {
	return fmt.Sprintf(":%d", a.cfg.HTTP.Port)
}

func (a *app) metricsHandler() (string, http.Handler, bool) {
	if !a.cfg.Monitoring.Enabled {
		return "", nil, false
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return fmt.Sprintf(":%d", a.cfg.Monitoring.Port), mux, true
}
