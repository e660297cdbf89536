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

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

type CompactResult struct {
	Horizon int64
	Removed int
}

// Compact drops the versions that no read at or above horizon can observe:
// every version superseded at or below horizon, and tombstones that are the
// newest version at or below it. Afterwards reads below horizon fail with
// ErrSnapshotCompacted. horizon is capped at the applied snapshot and never
// moves backwards.
func (s *Store) Compact(ctx context.Context, horizon int64) (CompactResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return CompactResult{}, s.closedErr()
	}

	start := time.Now()
	var res CompactResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		current := readInt64(meta, keyCompactionHorizon, 0)
		if applied := readInt64(meta, keyAppliedSnapshot, 0); horizon > applied {
			horizon = applied
		}
		res.Horizon = current
		if horizon <= current {
			return nil
		}

		var (
			remove    [][]byte
			group     []byte
			newest    []byte
			tombstone bool
		)
		closeGroup := func() {
			if newest != nil && tombstone {
				remove = append(remove, newest)
			}
			newest, tombstone = nil, false
		}

		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix, snapshot, ok := splitVersionKey(k)
			if !ok {
				continue
			}
			if group == nil || string(prefix) != string(group) {
				closeGroup()
				group = append(group[:0:0], prefix...)
			}
			if snapshot > horizon {
				continue
			}
			if newest != nil {
				remove = append(remove, newest)
			}
			newest = append([]byte(nil), k...)
			tombstone = isTombstone(v)
		}
		closeGroup()

		data := tx.Bucket(bucketData)
		for _, k := range remove {
			if err := data.Delete(k); err != nil {
				return err
			}
		}
		if err := pruneSnapshotIndex(tx, horizon); err != nil {
			return err
		}

		res.Horizon = horizon
		res.Removed = len(remove)
		return meta.Put(keyCompactionHorizon, int64Bytes(horizon))
	})
	if err != nil {
		return CompactResult{}, err
	}

	s.metrics.observeCompaction(res.Removed, time.Since(start))
	if res.Removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "partition_compact",
			"horizon": res.Horizon,
			"removed": res.Removed,
			"took":    time.Since(start),
		}).Debug("compacted partition")
	}
	return res, nil
}

// pruneSnapshotIndex keeps only the newest index entry at or below horizon,
// which is all an export at or above horizon needs.
func pruneSnapshotIndex(tx *bolt.Tx, horizon int64) error {
	b := tx.Bucket(bucketSnapshots)
	var stale [][]byte
	var floor []byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytesInt64(k) <= horizon; k, _ = c.Next() {
		if floor != nil {
			stale = append(stale, floor)
		}
		floor = append([]byte(nil), k...)
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
