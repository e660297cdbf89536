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

package coordinator

import (
	"fmt"
	"time"
)

// DegradedPolicy decides whether partitions that stopped reporting hold the
// frontier back.
type DegradedPolicy string

const (
	// PolicyStall keeps degraded partitions in the frontier minimum. Reads
	// stay consistent but the frontier stops advancing.
	PolicyStall DegradedPolicy = "stall"
	// PolicyExclude drops degraded partitions from the minimum. The
	// frontier may then name a snapshot a degraded partition cannot serve.
	PolicyExclude DegradedPolicy = "exclude"
)

type Config struct {
	Partitions         int            `json:"partitions" yaml:"partitions"`
	UnreachableTimeout time.Duration  `json:"unreachable_timeout" yaml:"unreachable_timeout"`
	DegradedPolicy     DegradedPolicy `json:"degraded_policy" yaml:"degraded_policy"`
	// LivenessInterval is how often silent partitions are checked.
	LivenessInterval time.Duration `json:"liveness_interval" yaml:"liveness_interval"`
	// PersistInterval is how often the progress of every partition is
	// saved. The frontier itself is saved whenever it advances; zero saves
	// progress only then, on shutdown and on reset.
	PersistInterval time.Duration `json:"persist_interval" yaml:"persist_interval"`
}

func (c Config) WithDefaults() Config {
	if c.UnreachableTimeout <= 0 {
		c.UnreachableTimeout = 30 * time.Second
	}
	if c.DegradedPolicy == "" {
		c.DegradedPolicy = PolicyStall
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = c.UnreachableTimeout / 4
	}
	return c
}

func (c Config) Validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("coordinator.partitions must be positive, got %d", c.Partitions)
	}
	switch c.DegradedPolicy {
	case PolicyStall, PolicyExclude:
	default:
		return fmt.Errorf("coordinator.degraded_policy must be %q or %q, got %q",
			PolicyStall, PolicyExclude, c.DegradedPolicy)
	}
	return nil
}
