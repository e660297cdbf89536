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
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/entities/partition"
)

// FileName is the name of the bolt file inside a partition directory.
const FileName = "partition.db"

var (
	bucketData = []byte("data")
	bucketMeta = []byte("meta")
	// snapshot id -> last applied offset carrying that snapshot id
	bucketSnapshots = []byte("snapshots")
	// operation id -> offset, and offset -> operation id for pruning
	bucketOps         = []byte("ops")
	bucketOpsByOffset = []byte("ops_by_offset")

	keyPartitionID       = []byte("partition_id")
	keyAppliedOffset     = []byte("applied_offset")
	keyAppliedSnapshot   = []byte("applied_snapshot")
	keyCompactionHorizon = []byte("compaction_horizon")

	allBuckets = [][]byte{bucketData, bucketMeta, bucketSnapshots, bucketOps, bucketOpsByOffset}
)

type Config struct {
	// OpDedupWindow is the number of most recent offsets whose operation ids
	// are remembered for replay detection. Zero disables it.
	OpDedupWindow int64
	// NoSync skips fsync on commit. Only for tests.
	NoSync bool
}

// Dir is the directory of partition id below root.
func Dir(root string, id int32) string {
	return filepath.Join(root, fmt.Sprintf("partition_%d", id))
}

// Store is the versioned storage of one partition. All versions of a key
// are kept side by side, keyed by the snapshot at which they became visible,
// until Compact drops the ones no reader can see anymore. Progress is kept
// in the same bolt file and is written in the same transaction as the data.
type Store struct {
	id      int32
	dir     string
	path    string
	cfg     Config
	logger  logrus.FieldLogger
	metrics *Metrics

	// read-locked by every operation, write-locked to swap the file
	mu sync.RWMutex
	db *bolt.DB
	// set when the file could not be reopened after a swap
	broken error

	// opens the partition file; replaced in tests
	open func(path string, id int32, noSync bool) (*bolt.DB, error)

	// test hook, called before record i of a batch is written
	applyHook func(i int) error
}

// Open opens or creates the store of partition id in dir.
func Open(dir string, id int32, cfg Config, logger logrus.FieldLogger, metrics *Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create partition directory %q: %w", dir, err)
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	s := &Store{
		id:      id,
		dir:     dir,
		path:    filepath.Join(dir, FileName),
		cfg:     cfg,
		logger:  logger.WithField("partition", id),
		metrics: metrics,
		open:    openDB,
	}
	if err := removeExportSpools(dir); err != nil {
		return nil, fmt.Errorf("remove stale export spools in %q: %w", dir, err)
	}
	db, err := s.open(s.path, id, cfg.NoSync)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func openDB(path string, id int32, noSync bool) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyPartitionID); v != nil {
			if got := int32(bytesInt64(v)); got != id {
				return fmt.Errorf("file belongs to partition %d, not %d", got, id)
			}
			return nil
		}
		if err := meta.Put(keyPartitionID, int64Bytes(int64(id))); err != nil {
			return err
		}
		return meta.Put(keyAppliedOffset, int64Bytes(partition.NoOffset))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init %q: %w", path, err)
	}
	return db, nil
}

func (s *Store) ID() int32 {
	return s.id
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// view runs fn in a read transaction. The transaction is a consistent
// copy-on-write view and does not block writers.
func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return s.closedErr()
	}
	return s.db.View(fn)
}

// closedErr is the error for an operation on a store without an open file.
// Must hold mu.
func (s *Store) closedErr() error {
	if s.broken != nil {
		return s.broken
	}
	return ErrClosed
}

// Progress returns the durable applied offset and snapshot of the partition.
func (s *Store) Progress() (partition.Progress, error) {
	var p partition.Progress
	err := s.view(func(tx *bolt.Tx) error {
		p = readProgress(tx.Bucket(bucketMeta), s.id)
		return nil
	})
	return p, err
}

// CompactionHorizon is the lowest snapshot that can still be read.
func (s *Store) CompactionHorizon() (int64, error) {
	var h int64
	err := s.view(func(tx *bolt.Tx) error {
		h = readInt64(tx.Bucket(bucketMeta), keyCompactionHorizon, 0)
		return nil
	})
	return h, err
}

func readProgress(meta *bolt.Bucket, id int32) partition.Progress {
	return partition.Progress{
		PartitionID:       id,
		AppliedOffset:     readInt64(meta, keyAppliedOffset, partition.NoOffset),
		AppliedSnapshotID: readInt64(meta, keyAppliedSnapshot, 0),
	}
}

func readInt64(b *bolt.Bucket, key []byte, def int64) int64 {
	v := b.Get(key)
	if len(v) != 8 {
		return def
	}
	return bytesInt64(v)
}

// AppliedResult is the outcome of one Apply call.
type AppliedResult struct {
	// Applied counts records that advanced the offset, markers included.
	Applied int
	// Skipped counts records at or below the applied offset.
	Skipped int
	// Replayed counts applied records whose operation id had already been
	// applied; they advance the offset without touching data.
	Replayed int
	Progress partition.Progress
}

type applyOptions struct {
	openSnapshot bool
}

type ApplyOption func(*applyOptions)

// WithOpenSnapshot marks the highest snapshot of the batch as not sealed
// yet: its records are written but the applied snapshot stays at the
// previous one until a later batch completes it.
func WithOpenSnapshot() ApplyOption {
	return func(o *applyOptions) {
		o.openSnapshot = true
	}
}

// Apply writes records to the partition in one transaction. Records at or
// below the applied offset are skipped. The remaining records must start
// right after the applied offset and be contiguous, otherwise ErrOutOfOrder
// is returned and nothing is written.
func (s *Store) Apply(ctx context.Context, records []*mutation.Record, opts ...ApplyOption) (AppliedResult, error) {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return AppliedResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return AppliedResult{}, s.closedErr()
	}

	start := time.Now()
	var res AppliedResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		res = AppliedResult{}
		meta := tx.Bucket(bucketMeta)
		p := readProgress(meta, s.id)
		res.Progress = p

		fresh := make([]*mutation.Record, 0, len(records))
		for _, r := range records {
			if r.Offset <= p.AppliedOffset {
				res.Skipped++
				continue
			}
			fresh = append(fresh, r)
		}
		if len(fresh) == 0 {
			return nil
		}
		if err := s.validateBatch(tx, p, fresh); err != nil {
			return err
		}

		maxSnapshot := p.AppliedSnapshotID
		for i, r := range fresh {
			if s.applyHook != nil {
				if err := s.applyHook(i); err != nil {
					return err
				}
			}
			replayed, err := s.applyRecord(tx, r)
			if err != nil {
				return errors.Wrapf(err, "apply %s", r)
			}
			if replayed {
				res.Replayed++
			}
			if r.SnapshotID > maxSnapshot {
				maxSnapshot = r.SnapshotID
			}
		}

		next := p
		next.AppliedOffset = fresh[len(fresh)-1].Offset
		next.AppliedSnapshotID = maxSnapshot
		if o.openSnapshot && maxSnapshot > p.AppliedSnapshotID {
			next.AppliedSnapshotID = maxSnapshot - 1
			if next.AppliedSnapshotID < p.AppliedSnapshotID {
				next.AppliedSnapshotID = p.AppliedSnapshotID
			}
		}
		if err := meta.Put(keyAppliedOffset, int64Bytes(next.AppliedOffset)); err != nil {
			return err
		}
		if err := meta.Put(keyAppliedSnapshot, int64Bytes(next.AppliedSnapshotID)); err != nil {
			return err
		}
		if err := s.pruneOps(tx, next.AppliedOffset); err != nil {
			return errors.Wrap(err, "prune operation ids")
		}

		res.Applied = len(fresh)
		res.Progress = next
		return nil
	})
	if err != nil {
		return AppliedResult{}, err
	}

	s.metrics.observeApply(res, time.Since(start))
	return res, nil
}

func (s *Store) validateBatch(tx *bolt.Tx, p partition.Progress, fresh []*mutation.Record) error {
	lastSnapshot := p.AppliedSnapshotID
	if k, _ := tx.Bucket(bucketSnapshots).Cursor().Last(); k != nil && bytesInt64(k) > lastSnapshot {
		lastSnapshot = bytesInt64(k)
	}
	expected := p.AppliedOffset + 1
	for _, r := range fresh {
		if r.Offset != expected {
			return fmt.Errorf("%w: partition %d expected offset %d, got %d",
				ErrOutOfOrder, s.id, expected, r.Offset)
		}
		if r.PartitionID != s.id {
			return fmt.Errorf("record %s does not belong to partition %d", r, s.id)
		}
		if r.SnapshotID < lastSnapshot {
			return fmt.Errorf("%w: partition %d offset %d snapshot %d after snapshot %d",
				ErrOutOfOrder, s.id, r.Offset, r.SnapshotID, lastSnapshot)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		lastSnapshot = r.SnapshotID
		expected++
	}
	return nil
}

func (s *Store) applyRecord(tx *bolt.Tx, r *mutation.Record) (bool, error) {
	if err := tx.Bucket(bucketSnapshots).Put(int64Bytes(r.SnapshotID), int64Bytes(r.Offset)); err != nil {
		return false, err
	}
	if r.IsMarker() {
		return false, nil
	}

	if r.OperationID != "" && s.cfg.OpDedupWindow > 0 {
		ops := tx.Bucket(bucketOps)
		if ops.Get([]byte(r.OperationID)) != nil {
			return true, nil
		}
		if err := ops.Put([]byte(r.OperationID), int64Bytes(r.Offset)); err != nil {
			return false, err
		}
		if err := tx.Bucket(bucketOpsByOffset).Put(int64Bytes(r.Offset), []byte(r.OperationID)); err != nil {
			return false, err
		}
	}

	data := tx.Bucket(bucketData)
	key := r.Target.Key()
	var (
		val []byte
		err error
	)
	switch r.Op {
	case mutation.OpInsert:
		val, err = encodeValue(false, r.Payload)
	case mutation.OpUpdate:
		var base map[string]interface{}
		if _, v := seekVersion(data.Cursor(), keyPrefix(key), math.MaxInt64); v != nil && !isTombstone(v) {
			if base, err = decodeValue(v); err != nil {
				return false, err
			}
		}
		val, err = encodeValue(false, merge(base, r.Payload))
	case mutation.OpDelete:
		val, err = encodeValue(true, nil)
	default:
		return false, fmt.Errorf("unknown op %s", r.Op)
	}
	if err != nil {
		return false, err
	}
	return false, data.Put(versionKey(key, r.SnapshotID), val)
}

// pruneOps forgets operation ids that fell out of the dedup window.
func (s *Store) pruneOps(tx *bolt.Tx, applied int64) error {
	if s.cfg.OpDedupWindow <= 0 {
		return nil
	}
	cutoff := applied - s.cfg.OpDedupWindow
	byOffset := tx.Bucket(bucketOpsByOffset)
	ops := tx.Bucket(bucketOps)

	var expired [][2][]byte
	c := byOffset.Cursor()
	for k, v := c.First(); k != nil && bytesInt64(k) <= cutoff; k, v = c.Next() {
		expired = append(expired, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	for _, kv := range expired {
		if err := byOffset.Delete(kv[0]); err != nil {
			return err
		}
		if err := ops.Delete(kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// seekVersion positions c on the newest version of the key with the given
// prefix at or below snapshot. It returns nil if there is none.
func seekVersion(c *bolt.Cursor, prefix []byte, snapshot int64) ([]byte, []byte) {
	target := appendUint64(append([]byte(nil), prefix...), uint64(snapshot))
	k, v := c.Seek(target)
	if k != nil && string(k) == string(target) {
		return k, v
	}
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil || len(k) != len(prefix)+8 || !hasKeyPrefix(k, prefix) {
		return nil, nil
	}
	return k, v
}
