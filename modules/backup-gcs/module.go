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

package modstggcs

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	"github.com/weaviate/snapgraph/modules/backup-gcs/gcs"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const (
	Name = "backup-gcs"

	credentialsEnv = "GOOGLE_APPLICATION_CREDENTIALS"
)

// Module stores backups in a Google Cloud Storage bucket.
type Module struct {
	client  *storage.Client
	config  gcs.Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
}

func New(ctx context.Context, config gcs.Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*Module, error) {
	config = config.FromEnv()
	if config.Bucket == "" {
		return nil, fmt.Errorf("backup gcs: empty bucket name")
	}

	options := []option.ClientOption{}
	if config.Endpoint != "" {
		options = append(options, option.WithEndpoint(config.Endpoint))
	}
	if config.UseAuth && os.Getenv(credentialsEnv) != "" {
		scopes := []string{
			"https://www.googleapis.com/auth/devstorage.read_write",
		}
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, errors.Wrap(err, "find default credentials")
		}
		options = append(options, option.WithCredentials(creds))
	} else if !config.UseAuth {
		options = append(options, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	return &Module{
		client:  client,
		config:  config,
		logger:  logger.WithField("module", Name),
		metrics: metrics,
	}, nil
}

func (m *Module) Name() string {
	return Name
}

func (m *Module) HomeDir(backupID string) string {
	return "gs://" + m.config.Bucket + "/" + m.config.Prefix(backupID)
}

func (m *Module) bucket(ctx context.Context) (*storage.BucketHandle, error) {
	b := m.client.Bucket(m.config.Bucket)
	if _, err := b.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil, backup.NewErrNotFound(errors.Errorf("bucket '%s' does not exist", m.config.Bucket))
		}
		return nil, backup.NewErrInternal(errors.Wrapf(err, "find bucket '%s'", m.config.Bucket))
	}
	return b, nil
}

func (m *Module) Initialize(ctx context.Context, backupID string) error {
	if _, err := m.bucket(ctx); err != nil {
		return errors.Wrap(err, "init backup")
	}
	key := ".write-check"
	if err := m.PutObject(ctx, backupID, key, nil); err != nil {
		return errors.Wrap(err, "init backup")
	}
	obj := m.client.Bucket(m.config.Bucket).Object(m.config.ObjectName(backupID, key))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return backup.NewErrInternal(errors.Wrap(err, "remove write check"))
	}
	return nil
}

func (m *Module) GetObject(ctx context.Context, backupID, key string) ([]byte, error) {
	name := m.config.ObjectName(backupID, key)
	r, err := m.client.Bucket(m.config.Bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, m.objectErr(ctx, err, name)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, backup.NewErrInternal(errors.Wrapf(err, "read object '%s'", name))
	}
	m.transferred(false, "meta", int64(len(content)))
	return content, nil
}

func (m *Module) PutObject(ctx context.Context, backupID, key string, data []byte) error {
	name := m.config.ObjectName(backupID, key)
	w := m.client.Bucket(m.config.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return m.objectErr(ctx, err, name)
	}
	if err := w.Close(); err != nil {
		return m.objectErr(ctx, err, name)
	}
	m.transferred(true, "meta", int64(len(data)))
	return nil
}

func (m *Module) Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error) {
	defer r.Close()
	name := m.config.ObjectName(backupID, key)
	// the upload is committed on Close only, a failed copy leaves no object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := m.client.Bucket(m.config.Bucket).Object(name).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	written, err := io.Copy(w, r)
	if err != nil {
		cancel()
		w.Close()
		return 0, m.objectErr(ctx, err, name)
	}
	if err := w.Close(); err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(true, "partition", written)
	return written, nil
}

func (m *Module) Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error) {
	defer w.Close()
	name := m.config.ObjectName(backupID, key)
	r, err := m.client.Bucket(m.config.Bucket).Object(name).NewReader(ctx)
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	defer r.Close()
	read, err := io.Copy(w, r)
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(false, "partition", read)
	return read, nil
}

func (m *Module) Delete(ctx context.Context, backupID string) error {
	b := m.client.Bucket(m.config.Bucket)
	it := b.Objects(ctx, &storage.Query{Prefix: m.config.Prefix(backupID)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return m.objectErr(ctx, err, m.config.Prefix(backupID))
		}
		if err := b.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return m.objectErr(ctx, err, attrs.Name)
		}
	}
}

func (m *Module) objectErr(ctx context.Context, err error, name string) error {
	switch {
	case ctx.Err() != nil:
		return backup.NewErrContextExpired(errors.Wrapf(ctx.Err(), "object '%s'", name))
	case errors.Is(err, storage.ErrObjectNotExist):
		return backup.NewErrNotFound(errors.Wrapf(err, "object '%s'", name))
	default:
		return backup.NewErrInternal(errors.Wrapf(err, "object '%s'", name))
	}
}

func (m *Module) transferred(store bool, kind string, n int64) {
	if m.metrics == nil {
		return
	}
	vec := m.metrics.BackupRestoreDataTransferred
	if store {
		vec = m.metrics.BackupStoreDataTransferred
	}
	if metric, err := vec.GetMetricWithLabelValues(m.Name(), kind); err == nil {
		metric.Add(float64(n))
	}
}

var _ modulecapabilities.BackupBackend = (*Module)(nil)
