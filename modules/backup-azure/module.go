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

package modstgazure

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const Name = "backup-azure"

// Module stores backups in an Azure blob container.
type Module struct {
	client  *azblob.Client
	config  Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
}

func New(config Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Module, error) {
	config = config.FromEnv()
	if config.Container == "" {
		return nil, fmt.Errorf("backup azure: empty container name")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("backup azure: %s is not set", connectionStringEnv)
	}
	client, err := azblob.NewClientFromConnectionString(config.ConnectionString, nil)
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
	return m.client.URL() + m.config.Container + "/" + m.config.prefix(backupID)
}

func (m *Module) Initialize(ctx context.Context, backupID string) error {
	key := ".write-check"
	if err := m.PutObject(ctx, backupID, key, nil); err != nil {
		return errors.Wrap(err, "init backup")
	}
	name := m.config.blobName(backupID, key)
	if _, err := m.client.DeleteBlob(ctx, m.config.Container, name, nil); err != nil {
		return m.objectErr(ctx, err, name)
	}
	return nil
}

func (m *Module) GetObject(ctx context.Context, backupID, key string) ([]byte, error) {
	name := m.config.blobName(backupID, key)
	resp, err := m.client.DownloadStream(ctx, m.config.Container, name, nil)
	if err != nil {
		return nil, m.objectErr(ctx, err, name)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, m.objectErr(ctx, err, name)
	}
	m.transferred(false, "meta", int64(len(content)))
	return content, nil
}

func (m *Module) PutObject(ctx context.Context, backupID, key string, data []byte) error {
	name := m.config.blobName(backupID, key)
	if _, err := m.client.UploadBuffer(ctx, m.config.Container, name, data, nil); err != nil {
		return m.objectErr(ctx, err, name)
	}
	m.transferred(true, "meta", int64(len(data)))
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Write uploads r in blocks; the blob appears only once every block is
// committed.
func (m *Module) Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error) {
	defer r.Close()
	name := m.config.blobName(backupID, key)
	cr := &countingReader{r: r}
	if _, err := m.client.UploadStream(ctx, m.config.Container, name, cr, nil); err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(true, "partition", cr.n)
	return cr.n, nil
}

func (m *Module) Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error) {
	defer w.Close()
	name := m.config.blobName(backupID, key)
	resp, err := m.client.DownloadStream(ctx, m.config.Container, name, nil)
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	defer resp.Body.Close()
	read, err := io.Copy(w, resp.Body)
	if err != nil {
		return 0, m.objectErr(ctx, err, name)
	}
	m.transferred(false, "partition", read)
	return read, nil
}

func (m *Module) Delete(ctx context.Context, backupID string) error {
	prefix := m.config.prefix(backupID)
	pager := m.client.NewListBlobsFlatPager(m.config.Container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return m.objectErr(ctx, err, prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if _, err := m.client.DeleteBlob(ctx, m.config.Container, *item.Name, nil); err != nil {
				if isNotFound(err) {
					continue
				}
				return m.objectErr(ctx, err, *item.Name)
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (m *Module) objectErr(ctx context.Context, err error, name string) error {
	switch {
	case ctx.Err() != nil:
		return backup.NewErrContextExpired(errors.Wrapf(ctx.Err(), "blob '%s'", name))
	case isNotFound(err):
		return backup.NewErrNotFound(errors.Wrapf(err, "blob '%s'", name))
	default:
		return backup.NewErrInternal(errors.Wrapf(err, "blob '%s'", name))
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
