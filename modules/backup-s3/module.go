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

package modstgs3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const Name = "backup-s3"

// Module stores backups in an S3 compatible bucket.
type Module struct {
	client  *minio.Client
	config  Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
}

func New(config Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Module, error) {
	config = config.FromEnv()
	if config.Bucket == "" {
		return nil, fmt.Errorf("backup s3: empty bucket name")
	}
	creds := credentials.NewEnvAWS()
	if len(os.Getenv(awsWebIdentityTokenFile)) > 0 && len(os.Getenv(awsRoleARN)) > 0 {
		creds = credentials.NewIAM("")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  creds,
		Region: config.Region,
		Secure: config.UseSSL,
	})
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
	return "s3://" + m.config.Bucket + "/" + m.config.prefix(backupID)
}

func (m *Module) findBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.config.Bucket)
	if err != nil {
		return backup.NewErrInternal(errors.Wrap(err, "find bucket"))
	}
	if !exists {
		return backup.NewErrNotFound(errors.Errorf("find bucket: bucket '%s' does not exist", m.config.Bucket))
	}
	return nil
}

func (m *Module) Initialize(ctx context.Context, backupID string) error {
	if err := m.findBucket(ctx); err != nil {
		return errors.Wrap(err, "init backup")
	}
	key := ".write-check"
	if err := m.PutObject(ctx, backupID, key, nil); err != nil {
		return errors.Wrap(err, "init backup")
	}
	name := m.config.objectName(backupID, key)
	if err := m.client.RemoveObject(ctx, m.config.Bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return m.objectErr(ctx, err, name)
	}
	return nil
}

func (m *Module) GetObject(ctx context.Context, backupID, key string) ([]byte, error) {
	name := m.config.objectName(backupID, key)
	obj, err := m.client.GetObject(ctx, m.config.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.objectErr(ctx, err, name)
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.objectErr(ctx, err, name)
	}
	m.transferred(false, "meta", int64(len(content)))
	return content, nil
}

func (m *Module) PutObject(ctx context.Context, backupID, key string, data []byte) error {
	name := m.config.objectName(backupID, key)
	r := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, m.config.Bucket, name, r, r.Size(),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return m.objectErr(ctx, err, name)
	}
	m.transferred(true, "meta", int64(len(data)))
	return nil
}

// Write uploads r as a multipart object of unknown size.
func (m *Module) Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error) {
	defer r.Close()
	name := m.config.objectName(backupID, key)
	info, err := m.client.PutObject(ctx, m.config.Bucket, name, r, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(true, "partition", info.Size)
	return info.Size, nil
}

func (m *Module) Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error) {
	defer w.Close()
	name := m.config.objectName(backupID, key)
	obj, err := m.client.GetObject(ctx, m.config.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	defer obj.Close()
	read, err := io.Copy(w, obj)
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(false, "partition", read)
	return read, nil
}

func (m *Module) Delete(ctx context.Context, backupID string) error {
	objects := m.client.ListObjects(ctx, m.config.Bucket, minio.ListObjectsOptions{
		Prefix:    m.config.prefix(backupID),
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return m.objectErr(ctx, obj.Err, m.config.prefix(backupID))
		}
		if err := m.client.RemoveObject(ctx, m.config.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return m.objectErr(ctx, err, obj.Key)
		}
	}
	return nil
}

func (m *Module) objectErr(ctx context.Context, err error, name string) error {
	if ctx.Err() != nil {
		return backup.NewErrContextExpired(errors.Wrapf(ctx.Err(), "object '%s'", name))
	}
	var s3Err minio.ErrorResponse
	if errors.As(err, &s3Err) && s3Err.StatusCode == http.StatusNotFound {
		return backup.NewErrNotFound(errors.Wrapf(err, "object '%s'", name))
	}
	return backup.NewErrInternal(errors.Wrapf(err, "object '%s'", name))
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
