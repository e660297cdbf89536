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

package ingest

import (
	"fmt"
	"time"
)

type Config struct {
	// BatchSize is the number of sealed records that triggers a flush
	// without waiting for the flush interval.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// FlushInterval bounds how long sealed records wait in the buffer while
	// the queue keeps delivering.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	// MaxOpenSnapshotRecords bounds the records buffered for a snapshot that
	// is not sealed yet. Beyond it they are applied without advancing the
	// applied snapshot.
	MaxOpenSnapshotRecords int `json:"max_open_snapshot_records" yaml:"max_open_snapshot_records"`
	// HeartbeatInterval is how often an idle ingestor re-reports progress.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReportTimeout     time.Duration `json:"report_timeout" yaml:"report_timeout"`

	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" yaml:"retry_max_interval"`

	// CompactionInterval is how often owned partitions are compacted. Zero
	// disables compaction.
	CompactionInterval time.Duration `json:"compaction_interval" yaml:"compaction_interval"`
	// CompactionRetainSnapshots is how many snapshots below the frontier
	// stay readable.
	CompactionRetainSnapshots int64 `json:"compaction_retain_snapshots" yaml:"compaction_retain_snapshots"`
}

func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.MaxOpenSnapshotRecords <= 0 {
		c.MaxOpenSnapshotRecords = 100_000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 30 * time.Second
	}
	if c.CompactionRetainSnapshots < 0 {
		c.CompactionRetainSnapshots = 0
	}
	return c
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.MaxOpenSnapshotRecords < c.BatchSize {
		return fmt.Errorf("ingest.max_open_snapshot_records (%d) must not be below ingest.batch_size (%d)",
			c.MaxOpenSnapshotRecords, c.BatchSize)
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("ingest.retry_max_interval must not be below ingest.retry_initial_interval")
	}
	return nil
}
