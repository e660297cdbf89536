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

package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/adapters/repos/meta"
	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/backup"
	enterrors "github.com/weaviate/snapgraph/entities/errors"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
	"github.com/weaviate/snapgraph/entities/partition"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

var errInterrupted = errors.New("interrupted by a coordinator restart")

// MetaStore keeps backup descriptors. Backup ids come from its sequence.
type MetaStore interface {
	NextBackupID() (int64, error)
	PutBackup(d *backup.Descriptor) error
	GetBackup(id int64) (*backup.Descriptor, error)
	ListBackups() ([]*backup.Descriptor, error)
}

// Frontier is the view of the frontier the backup coordinator needs.
type Frontier interface {
	Frontier() int64
	ResetProgress(ctx context.Context, progress map[int32]partition.Progress) error
}

type Config struct {
	// MaxConcurrency bounds the partitions exported or restored at once.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	// Timeout bounds a whole backup.
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Compression Compression   `json:"compression" yaml:"compression"`
}

func (c Config) WithDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
	if c.Compression == "" {
		c.Compression = CompressionS2
	}
	return c
}

// Coordinator runs the lifecycle of backups: a backup pins the frontier at
// acceptance, every partition exports that snapshot, and the backup becomes
// ready only when all of them succeeded. The first failure fails the whole
// backup and its uploaded objects are removed.
type Coordinator struct {
	cfg          Config
	partitions   int
	meta         MetaStore
	frontier     Frontier
	participants Participants
	backend      modulecapabilities.BackupBackend
	logger       logrus.FieldLogger
	metrics      *monitoring.PrometheusMetrics

	// serializes descriptor read-modify-write cycles
	mu      sync.Mutex
	running map[int64]chan struct{}

	restoring sync.Mutex
}

func NewCoordinator(cfg Config, partitions int, metaStore MetaStore, frontier Frontier,
	participants Participants, backend modulecapabilities.BackupBackend,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *Coordinator {
	return &Coordinator{
		cfg:          cfg.WithDefaults(),
		partitions:   partitions,
		meta:         metaStore,
		frontier:     frontier,
		participants: participants,
		backend:      backend,
		logger:       logger.WithField("component", "backup_coordinator"),
		metrics:      metrics,
		running:      map[int64]chan struct{}{},
	}
}

func (c *Coordinator) put(d *backup.Descriptor) error {
	if err := c.meta.PutBackup(d); err != nil {
		return backup.NewErrInternal(errors.Wrapf(err, "save backup %d", d.ID))
	}
	c.observeStatuses()
	return nil
}

func (c *Coordinator) observeStatuses() {
	if c.metrics == nil {
		return
	}
	all, err := c.meta.ListBackups()
	if err != nil {
		return
	}
	counts := map[backup.Status]int{}
	for _, d := range all {
		counts[d.Status]++
	}
	for _, s := range []backup.Status{backup.Requested, backup.Creating, backup.Ready, backup.Failed, backup.Deleted} {
		c.metrics.BackupsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Coordinator) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.metrics.BackupDurations.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// CreateNewBackup accepts a backup of the current frontier and returns its
// id. The export runs in the background; AwaitBackup waits for it.
func (c *Coordinator) CreateNewBackup(ctx context.Context) (int64, error) {
	id, err := c.meta.NextBackupID()
	if err != nil {
		return 0, backup.NewErrInternal(errors.Wrap(err, "allocate backup id"))
	}
	snapshot := c.frontier.Frontier()
	d := backup.NewDescriptor(id, snapshot, c.partitions)
	d.Compression = string(c.cfg.Compression)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.put(d); err != nil {
		return 0, err
	}
	if err := c.backend.Initialize(ctx, d.Key()); err != nil {
		err = backup.NewErrUnprocessable(errors.Wrapf(err, "initialize backend %s", c.backend.Name()))
		c.failLocked(d, err)
		return 0, err
	}
	if err := d.Transition(backup.Creating); err != nil {
		return 0, backup.NewErrInternal(err)
	}
	if err := c.put(d); err != nil {
		return 0, err
	}

	done := make(chan struct{})
	c.running[id] = done
	c.logger.WithFields(logrus.Fields{
		"action":    "backup_create",
		"backup_id": id,
		"snapshot":  snapshot,
		"backend":   c.backend.Name(),
	}).Info("backup accepted")

	enterrors.GoWrapper(func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
			close(done)
		}()
		c.create(d)
	}, c.logger)
	return id, nil
}

// create exports every partition and settles d.
func (c *Coordinator) create(d *backup.Descriptor) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	manifests, err := c.exportAll(ctx, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		d.Manifests = manifests
		if err = d.Transition(backup.Ready); err == nil {
			if err = d.Validate(); err == nil {
				err = c.writeDescriptor(ctx, d)
			}
		}
		if err != nil {
			// back to creating so Fail can settle it
			d.Status = backup.Creating
			d.CompletedAt = time.Time{}
		}
	}
	c.observe("create", start, err)

	logger := c.logger.WithFields(logrus.Fields{
		"action":    "backup_create",
		"backup_id": d.ID,
		"snapshot":  d.SnapshotID,
		"took":      time.Since(start),
	})
	if err != nil {
		logger.WithError(err).Error("backup failed")
		c.failLocked(d, err)
		return
	}
	if err := c.put(d); err != nil {
		logger.WithError(err).Error("could not save ready backup")
		return
	}
	logger.Info("backup ready")
}

// exportAll fans the export out over all partitions. The first failure
// cancels the rest.
func (c *Coordinator) exportAll(ctx context.Context, d *backup.Descriptor) (map[int32]*backup.PartitionManifest, error) {
	var (
		mu        sync.Mutex
		manifests = make(map[int32]*backup.PartitionManifest, d.Partitions)
	)
	g, ctx := enterrors.NewErrorGroupWithContextWrapper(c.logger, ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i := 0; i < d.Partitions; i++ {
		id := int32(i)
		g.Go(func() error {
			p, err := c.participants.ParticipantFor(id)
			if err != nil {
				return err
			}
			m, err := p.ExportPartition(ctx, &ExportRequest{
				BackupID:    d.ID,
				SnapshotID:  d.SnapshotID,
				Partition:   id,
				Compression: Compression(d.Compression),
			})
			if err != nil {
				return err
			}
			if m.PartitionID != id || m.SnapshotID != d.SnapshotID {
				return fmt.Errorf("partition %d exported partition %d at snapshot %d, want snapshot %d",
					id, m.PartitionID, m.SnapshotID, d.SnapshotID)
			}
			mu.Lock()
			manifests[id] = m
			mu.Unlock()
			return nil
		}, id)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return manifests, nil
}

// writeDescriptor stores a copy of d next to the partition objects so a
// backup can be inspected without the meta store.
func (c *Coordinator) writeDescriptor(ctx context.Context, d *backup.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal descriptor")
	}
	return c.backend.PutObject(ctx, d.Key(), backup.DescriptorKey, data)
}

// failLocked marks d failed and reclaims its objects. c.mu must be held.
func (c *Coordinator) failLocked(d *backup.Descriptor, cause error) {
	if err := d.Fail(cause); err != nil {
		c.logger.WithField("action", "backup_fail").WithError(err).Error("invalid transition")
		return
	}
	if err := c.put(d); err != nil {
		c.logger.WithField("action", "backup_fail").WithError(err).Error("could not save failed backup")
	}
	c.reclaim(d.ID)
}

// reclaim removes the backend objects of a backup in the background.
func (c *Coordinator) reclaim(id int64) {
	enterrors.GoWrapper(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := c.backend.Delete(ctx, backup.IDString(id)); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action":    "backup_reclaim",
				"backup_id": id,
			}).WithError(err).Warn("could not remove backup objects")
		}
	}, c.logger)
}

// AwaitBackup blocks until backup id reached a terminal state and returns
// its descriptor.
func (c *Coordinator) AwaitBackup(ctx context.Context, id int64) (*backup.Descriptor, error) {
	c.mu.Lock()
	done, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		select {
		case <-ctx.Done():
			return nil, backup.NewErrContextExpired(ctx.Err())
		case <-done:
		}
	}
	return c.meta.GetBackup(id)
}

// GetBackup returns the descriptor of backup id as last persisted.
func (c *Coordinator) GetBackup(id int64) (*backup.Descriptor, error) {
	return c.meta.GetBackup(id)
}

// GetBackupInfo lists all backups by ascending id.
func (c *Coordinator) GetBackupInfo() ([]backup.Info, error) {
	all, err := c.meta.ListBackups()
	if err != nil {
		return nil, backup.NewErrInternal(err)
	}
	out := make([]backup.Info, 0, len(all))
	for _, d := range all {
		out = append(out, d.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteBackup marks a finished backup deleted and removes its objects in
// the background. Deleting a deleted backup is a no-op.
func (c *Coordinator) DeleteBackup(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(id)
}

func (c *Coordinator) deleteLocked(id int64) error {
	d, err := c.meta.GetBackup(id)
	if err != nil {
		return err
	}
	if d.Status == backup.Deleted {
		return nil
	}
	if err := d.Transition(backup.Deleted); err != nil {
		return backup.NewErrUnprocessable(errors.Wrap(err, "backup is still in progress"))
	}
	if err := c.put(d); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"action":    "backup_delete",
		"backup_id": id,
	}).Info("backup deleted")
	c.reclaim(id)
	return nil
}

// PurgeOldBackups keeps the keep most recent ready backups and deletes
// all older ready ones. It returns the deleted ids.
func (c *Coordinator) PurgeOldBackups(ctx context.Context, keep int) ([]int64, error) {
	if keep < 0 {
		return nil, backup.NewErrUnprocessable(fmt.Errorf("keep must not be negative, got %d", keep))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.meta.ListBackups()
	if err != nil {
		return nil, backup.NewErrInternal(err)
	}
	var ready []int64
	for _, d := range all {
		if d.Status == backup.Ready {
			ready = append(ready, d.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	if len(ready) <= keep {
		return nil, nil
	}

	purge := ready[:len(ready)-keep]
	for _, id := range purge {
		if err := c.deleteLocked(id); err != nil {
			return nil, err
		}
	}
	return purge, nil
}

// Recover fails the backups a previous run left unfinished and removes
// their objects. It is called once on start.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.meta.ListBackups()
	if err != nil {
		return backup.NewErrInternal(err)
	}
	for _, d := range all {
		if d.Status.Terminal() {
			continue
		}
		if _, ok := c.running[d.ID]; ok {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"action":    "backup_recover",
			"backup_id": d.ID,
			"status":    d.Status,
		}).Warn("failing interrupted backup")
		c.failLocked(d, errInterrupted)
	}
	c.observeStatuses()
	return nil
}

// ready returns backup id if it can be restored or verified.
func (c *Coordinator) ready(id int64) (*backup.Descriptor, error) {
	d, err := c.meta.GetBackup(id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case backup.Ready:
	case backup.Failed:
		return nil, fmt.Errorf("backup %d: %w: %s", id, backup.ErrBackupFailed, d.Error)
	default:
		return nil, fmt.Errorf("backup %d is %s: %w", id, d.Status, backup.ErrNotReady)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", backup.ErrCorrupted, err)
	}
	return d, nil
}

// manifestProgress is the progress a partition has right after restoring m.
func manifestProgress(m *backup.PartitionManifest) partition.Progress {
	return partition.Progress{
		PartitionID:       m.PartitionID,
		AppliedOffset:     m.AppliedOffset,
		AppliedSnapshotID: m.SnapshotID,
	}
}

// RestoreFromBackup restores backup id. With both paths empty every live
// partition is replaced and the frontier is reset to the backup snapshot.
// storeRestorePath restores the partitions into that directory instead.
// metaRestorePath writes a meta store holding the backup and its progress.
// Restores need the queue to still hold the records after each
// partition's backed up offset.
func (c *Coordinator) RestoreFromBackup(ctx context.Context, id int64, metaRestorePath, storeRestorePath string) (err error) {
	start := time.Now()
	defer func() { c.observe("restore", start, err) }()

	d, err := c.ready(id)
	if err != nil {
		return err
	}
	if !c.restoring.TryLock() {
		return backup.NewErrUnprocessable(fmt.Errorf("another restore is in progress"))
	}
	defer c.restoring.Unlock()

	logger := c.logger.WithFields(logrus.Fields{
		"action":    "backup_restore",
		"backup_id": id,
		"snapshot":  d.SnapshotID,
	})

	inPlace := metaRestorePath == "" && storeRestorePath == ""
	if inPlace {
		if err := c.restoreInPlace(ctx, d, logger); err != nil {
			logger.WithError(err).Error("restore failed")
			return err
		}
	} else if storeRestorePath != "" {
		if _, err := c.restorePartitions(ctx, d, storeRestorePath); err != nil {
			logger.WithError(err).Error("restore failed")
			return err
		}
	}

	if metaRestorePath != "" {
		if err := c.writeMetaStore(d, metaRestorePath); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"in_place":   inPlace,
		"store_path": storeRestorePath,
		"meta_path":  metaRestorePath,
		"took":       time.Since(start),
	}).Info("backup restored")
	return nil
}

// restoreInPlace replaces the live partitions and resets their progress
// before any of them ingests again. Partitions that were restored get their
// progress reset even if others failed.
func (c *Coordinator) restoreInPlace(ctx context.Context, d *backup.Descriptor, logger logrus.FieldLogger) error {
	restored, err := c.restorePartitions(ctx, d, "")
	if len(restored) > 0 {
		progress := make(map[int32]partition.Progress, len(restored))
		for _, pid := range restored {
			progress[pid] = manifestProgress(d.Manifests[pid])
		}
		if rerr := c.frontier.ResetProgress(ctx, progress); rerr != nil && err == nil {
			err = backup.NewErrInternal(errors.Wrap(rerr, "reset progress"))
		}
	}
	c.resumePartitions(context.WithoutCancel(ctx), d.PartitionIDs(), logger)
	return err
}

// restorePartitions returns the partitions that were restored along with the
// first error.
func (c *Coordinator) restorePartitions(ctx context.Context, d *backup.Descriptor, root string) ([]int32, error) {
	var (
		mu       sync.Mutex
		restored []int32
	)
	g, ctx := enterrors.NewErrorGroupWithContextWrapper(c.logger, ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, pid := range d.PartitionIDs() {
		pid, m := pid, d.Manifests[pid]
		g.Go(func() error {
			p, err := c.participants.ParticipantFor(pid)
			if err != nil {
				return err
			}
			req := &RestoreRequest{
				BackupID:    d.ID,
				Manifest:    m,
				Compression: Compression(d.Compression),
			}
			if root != "" {
				req.TargetDir = partitionrepo.Dir(root, pid)
			}
			if err := p.RestorePartition(ctx, req); err != nil {
				return err
			}
			mu.Lock()
			restored = append(restored, pid)
			mu.Unlock()
			return nil
		}, pid)
	}
	err := g.Wait()
	return restored, err
}

func (c *Coordinator) resumePartitions(ctx context.Context, pids []int32, logger logrus.FieldLogger) {
	for _, pid := range pids {
		p, err := c.participants.ParticipantFor(pid)
		if err == nil {
			err = p.ResumePartition(ctx, pid)
		}
		if err != nil {
			logger.WithField("partition", pid).WithError(err).Error("could not resume ingestion")
		}
	}
}

// writeMetaStore creates a meta store at dir holding d and the progress
// its partitions have after a restore.
func (c *Coordinator) writeMetaStore(d *backup.Descriptor, dir string) error {
	store, err := meta.Open(dir, c.logger)
	if err != nil {
		return backup.NewErrUnprocessable(errors.Wrapf(err, "open meta store at %q", dir))
	}
	defer store.Close()

	if err := store.PutBackup(d); err != nil {
		return backup.NewErrInternal(err)
	}
	f := meta.Frontier{
		Frontier: d.SnapshotID,
		SavedAt:  time.Now().UTC(),
	}
	for _, pid := range d.PartitionIDs() {
		f.Partitions = append(f.Partitions, manifestProgress(d.Manifests[pid]))
	}
	if err := store.SaveFrontier(f); err != nil {
		return backup.NewErrInternal(err)
	}
	return nil
}

// VerifyBackup downloads every partition object of backup id and checks it
// against its manifest without touching any store.
func (c *Coordinator) VerifyBackup(ctx context.Context, id int64) (err error) {
	start := time.Now()
	defer func() { c.observe("verify", start, err) }()

	d, err := c.ready(id)
	if err != nil {
		return err
	}

	g, gctx := enterrors.NewErrorGroupWithContextWrapper(c.logger, ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, pid := range d.PartitionIDs() {
		m := d.Manifests[pid]
		g.Go(func() error {
			return fetch(gctx, c.backend, d.Key(), m.Key, Compression(d.Compression), c.logger,
				func(r io.Reader) error {
					return partitionrepo.VerifyExport(gctx, m, r)
				})
		}, pid)
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return backup.NewErrContextExpired(ctx.Err())
		}
		return fmt.Errorf("backup %d: %w: %v", id, backup.ErrCorrupted, err)
	}
	return nil
}
