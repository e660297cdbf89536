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
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// checkReadable fails reads that this partition cannot serve consistently.
func (s *Store) checkReadable(tx *bolt.Tx, asOf int64) error {
	meta := tx.Bucket(bucketMeta)
	if applied := readInt64(meta, keyAppliedSnapshot, 0); asOf > applied {
		return fmt.Errorf("%w: partition %d read at snapshot %d, applied %d",
			ErrSnapshotNotYetApplied, s.id, asOf, applied)
	}
	if horizon := readInt64(meta, keyCompactionHorizon, 0); asOf < horizon {
		return fmt.Errorf("%w: partition %d read at snapshot %d, horizon %d",
			ErrSnapshotCompacted, s.id, asOf, horizon)
	}
	return nil
}

// Read returns the newest version of key at or below snapshot asOf.
func (s *Store) Read(ctx context.Context, key []byte, asOf int64) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := s.view(func(tx *bolt.Tx) error {
		if err := s.checkReadable(tx, asOf); err != nil {
			return err
		}
		k, v := seekVersion(tx.Bucket(bucketData).Cursor(), keyPrefix(key), asOf)
		if k == nil || isTombstone(v) {
			return fmt.Errorf("%w: partition %d key %q at snapshot %d", ErrNotFound, s.id, key, asOf)
		}
		_, snapshot, _ := splitVersionKey(k)
		props, err := decodeValue(v)
		if err != nil {
			return fmt.Errorf("partition %d key %q: %w", s.id, key, err)
		}
		e = Entry{Key: append([]byte(nil), key...), SnapshotID: snapshot, Properties: props}
		return nil
	})
	return e, err
}

// Scan calls fn in key order for every key starting with prefix that is
// live at snapshot asOf. Returning an error from fn stops the scan.
func (s *Store) Scan(ctx context.Context, prefix []byte, asOf int64, fn func(Entry) error) error {
	return s.view(func(tx *bolt.Tx) error {
		if err := s.checkReadable(tx, asOf); err != nil {
			return err
		}

		var (
			current   []byte
			best      []byte
			bestSnap  int64
			haveBest  bool
			processed int
		)
		emit := func() error {
			if !haveBest || isTombstone(best) {
				return nil
			}
			props, err := decodeValue(best)
			if err != nil {
				return fmt.Errorf("partition %d key %q: %w", s.id, unescapeKey(current), err)
			}
			return fn(Entry{Key: unescapeKey(current), SnapshotID: bestSnap, Properties: props})
		}

		esc := escapeKey(prefix)
		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.Seek(esc); k != nil && hasKeyPrefix(k, esc); k, v = c.Next() {
			processed++
			if processed%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			kp, snapshot, ok := splitVersionKey(k)
			if !ok {
				return fmt.Errorf("partition %d: malformed data key %x", s.id, k)
			}
			if current == nil || string(kp) != string(current) {
				if err := emit(); err != nil {
					return err
				}
				current = append(current[:0:0], kp...)
				haveBest = false
			}
			if snapshot <= asOf {
				best = append(best[:0:0], v...)
				bestSnap = snapshot
				haveBest = true
			}
		}
		return emit()
	})
}
