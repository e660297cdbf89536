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

package partition

import "errors"

var (
	// ErrOutOfOrder is returned by Apply when the first new record of a batch
	// is not the one right after the applied offset, or when the batch has a
	// gap. Nothing of the batch is written.
	ErrOutOfOrder = errors.New("out of order")
	// ErrNotFound is returned for keys that do not exist or are deleted as
	// of the requested snapshot.
	ErrNotFound = errors.New("not found")
	// ErrSnapshotNotYetApplied is returned for reads ahead of the partition's
	// applied snapshot. Callers should read at the frontier instead.
	ErrSnapshotNotYetApplied = errors.New("snapshot not yet applied")
	// ErrSnapshotCompacted is returned for reads below the compaction horizon.
	ErrSnapshotCompacted = errors.New("snapshot compacted")
	ErrClosed            = errors.New("partition store closed")
	// ErrUnavailable is returned once the partition file could not be
	// reopened after a restore swapped it. The partition stays down until an
	// operator repairs it.
	ErrUnavailable = errors.New("partition store unavailable")
	// ErrChecksumMismatch is returned by Restore when the stream does not
	// match its manifest.
	ErrChecksumMismatch = errors.New("export checksum mismatch")
)
