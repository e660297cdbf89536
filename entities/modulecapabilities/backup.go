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

package modulecapabilities

import (
	"context"
	"io"
)

// BackupBackend stores backup objects. Objects are grouped by backup id,
// every backup owning one directory (or prefix) named after its id.
type BackupBackend interface {
	// Name of the backend, e.g. "filesystem" or "s3".
	Name() string
	// HomeDir is the location of a backup's objects, for operators.
	HomeDir(backupID string) string

	// Initialize checks that the backend is reachable and writable for
	// backupID before any partition starts exporting.
	Initialize(ctx context.Context, backupID string) error

	GetObject(ctx context.Context, backupID, key string) ([]byte, error)
	PutObject(ctx context.Context, backupID, key string, data []byte) error

	// Write streams r into the object and closes r.
	Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error)
	// Read streams the object into w and closes w.
	Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error)

	// Delete removes every object of backupID. Deleting an absent backup is
	// not an error.
	Delete(ctx context.Context, backupID string) error
}
