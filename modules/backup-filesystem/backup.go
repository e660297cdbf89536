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
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/weaviate/snapgraph/entities/backup"
)

func (m *Module) objectPath(backupID, key string) string {
	return filepath.Join(m.backupsPath, backupID, key)
}

func (m *Module) GetObject(ctx context.Context, backupID, key string) ([]byte, error) {
	metaPath, err := m.getObjectPath(ctx, backupID, key)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, backup.NewErrInternal(errors.Wrapf(err, "get object '%s'", metaPath))
	}
	m.transferred(false, "meta", int64(len(contents)))
	return contents, nil
}

func (m *Module) getObjectPath(ctx context.Context, backupID, key string) (string, error) {
	metaPath := m.objectPath(backupID, key)

	if err := ctx.Err(); err != nil {
		return "", backup.NewErrContextExpired(errors.Wrapf(err, "get object '%s'", metaPath))
	}

	if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
		return "", backup.NewErrNotFound(errors.Wrapf(err, "get object '%s'", metaPath))
	} else if err != nil {
		return "", backup.NewErrInternal(errors.Wrapf(err, "get object '%s'", metaPath))
	}

	return metaPath, nil
}

func (m *Module) PutObject(ctx context.Context, backupID, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return backup.NewErrContextExpired(err)
	}
	written, err := m.writeFile(m.objectPath(backupID, key), func(f *os.File) (int64, error) {
		n, err := f.Write(data)
		return int64(n), err
	})
	if err != nil {
		return err
	}
	m.transferred(true, "meta", written)
	return nil
}

func (m *Module) Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error) {
	defer r.Close()
	if err := ctx.Err(); err != nil {
		return 0, backup.NewErrContextExpired(err)
	}
	written, err := m.writeFile(m.objectPath(backupID, key), func(f *os.File) (int64, error) {
		return io.Copy(f, r)
	})
	if err != nil {
		return 0, err
	}
	m.transferred(true, "partition", written)
	return written, nil
}

// writeFile writes to a temporary file renamed into place once complete, so
// an interrupted upload never leaves a truncated object behind.
func (m *Module) writeFile(backupPath string, fill func(f *os.File) (int64, error)) (int64, error) {
	dir := filepath.Dir(backupPath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return 0, backup.NewErrInternal(fmt.Errorf("make dir %q: %w", dir, err))
	}
	f, err := os.CreateTemp(dir, filepath.Base(backupPath)+".tmp-*")
	if err != nil {
		return 0, backup.NewErrInternal(fmt.Errorf("create file in %q: %w", dir, err))
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	written, err := fill(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, backup.NewErrInternal(fmt.Errorf("write file %q: %w", backupPath, err))
	}
	if err := os.Rename(tmp, backupPath); err != nil {
		return 0, backup.NewErrInternal(fmt.Errorf("rename %q: %w", backupPath, err))
	}
	return written, nil
}

func (m *Module) Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error) {
	defer w.Close()
	sourcePath, err := m.getObjectPath(ctx, backupID, key)
	if err != nil {
		return 0, fmt.Errorf("source path %s/%s: %w", backupID, key, err)
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("open file %q: %w", sourcePath, err)
	}
	defer f.Close()

	read, err := io.Copy(w, f)
	if err != nil {
		return 0, fmt.Errorf("write : %w", err)
	}
	m.transferred(false, "partition", read)
	return read, nil
}

func (m *Module) Delete(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return backup.NewErrContextExpired(err)
	}
	if backupID == "" || filepath.Base(backupID) != backupID {
		return fmt.Errorf("invalid backup id %q", backupID)
	}
	if err := os.RemoveAll(m.HomeDir(backupID)); err != nil {
		return backup.NewErrInternal(errors.Wrapf(err, "delete backup '%s'", backupID))
	}
	return nil
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
