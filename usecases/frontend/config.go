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

package frontend

import (
	"fmt"
	"time"
)

type Config struct {
	Partitions int `json:"partitions" yaml:"partitions"`
	// SnapshotInterval is how often the current write snapshot is sealed.
	// Zero disables auto-commit; snapshots are then sealed by CommitSnapshot
	// only.
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
	// AppendTimeout bounds one append to the queue.
	AppendTimeout time.Duration `json:"append_timeout" yaml:"append_timeout"`
	// MaxMutationsPerSecond throttles admission. Zero admits without limit.
	MaxMutationsPerSecond float64 `json:"max_mutations_per_second" yaml:"max_mutations_per_second"`
	// Burst is the largest batch admitted at once when throttled.
	Burst int `json:"burst" yaml:"burst"`
}

func (c Config) WithDefaults() Config {
	if c.SnapshotInterval < 0 {
		c.SnapshotInterval = 0
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 10 * time.Second
	}
	if c.MaxMutationsPerSecond > 0 && c.Burst <= 0 {
		c.Burst = max(1000, int(c.MaxMutationsPerSecond))
	}
	return c
}

func (c Config) Validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("frontend.partitions must be positive, got %d", c.Partitions)
	}
	if c.MaxMutationsPerSecond < 0 {
		return fmt.Errorf("frontend.max_mutations_per_second must not be negative")
	}
	return nil
}
