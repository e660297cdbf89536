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

package modstgfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const (
	Name = "backup-filesystem"
	// BackupsPathEnv names the directory backups are written to.
	BackupsPathEnv = "BACKUP_FILESYSTEM_PATH"
)

// Module stores backups in a local or mounted directory, one sub-directory
// per backup.
type Module struct {
	logger      logrus.FieldLogger
	metrics     *monitoring.PrometheusMetrics
	backupsPath string
}

// New creates the backups directory if needed. backupsPath must be
// absolute. metrics may be nil.
func New(backupsPath string, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Module, error) {
	m := &Module{
		logger:  logger.WithField("module", Name),
		metrics: metrics,
	}
	if err := m.initBackupBackend(backupsPath); err != nil {
		return nil, errors.Wrap(err, "init backup backend")
	}
	return m, nil
}

func (m *Module) Name() string {
	return Name
}

func (m *Module) HomeDir(backupID string) string {
	return filepath.Join(m.backupsPath, backupID)
}

func (m *Module) initBackupBackend(backupsPath string) error {
	if backupsPath == "" {
		return fmt.Errorf("empty backup path provided")
	}
	backupsPath = filepath.Clean(backupsPath)
	if !filepath.IsAbs(backupsPath) {
		return fmt.Errorf("relative backup path provided")
	}
	if err := m.createBackupsDir(backupsPath); err != nil {
		return errors.Wrap(err, "invalid backup path provided")
	}
	m.backupsPath = backupsPath
	return nil
}

func (m *Module) createBackupsDir(backupsPath string) error {
	if err := os.MkdirAll(backupsPath, os.ModePerm); err != nil {
		m.logger.WithField("action", "create_backups_dir").
			WithError(err).
			Errorf("failed creating backups directory %v", backupsPath)
		return backup.NewErrInternal(errors.Wrap(err, "make backups dir"))
	}
	return nil
}

// Initialize checks that the backup directory can be written.
func (m *Module) Initialize(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return backup.NewErrContextExpired(err)
	}
	dir := m.HomeDir(backupID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return backup.NewErrInternal(errors.Wrapf(err, "make dir '%s'", dir))
	}
	check, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return backup.NewErrInternal(errors.Wrapf(err, "write to '%s'", dir))
	}
	check.Close()
	return os.Remove(check.Name())
}

var _ modulecapabilities.BackupBackend = (*Module)(nil)
