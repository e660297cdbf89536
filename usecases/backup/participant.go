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
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	partitionrepo "github.com/weaviate/snapgraph/adapters/repos/partition"
	"github.com/weaviate/snapgraph/entities/backup"
	enterrors "github.com/weaviate/snapgraph/entities/errors"
	"github.com/weaviate/snapgraph/entities/modulecapabilities"
)

// ExportRequest asks the owner of a partition to upload its state as of a
// snapshot.
type ExportRequest struct {
	BackupID    int64       `json:"backup_id"`
	SnapshotID  int64       `json:"snapshot_id"`
	Partition   int32       `json:"partition"`
	Compression Compression `json:"compression"`
}

// RestoreRequest asks the owner of a partition to replace its state with a
// backed up one. An empty TargetDir restores the live partition in place and
// leaves its ingestion paused until ResumePartition; otherwise the partition
// is written to TargetDir and the live one is left alone.
type RestoreRequest struct {
	BackupID    int64                     `json:"backup_id"`
	Manifest    *backup.PartitionManifest `json:"manifest"`
	TargetDir   string                    `json:"target_dir,omitempty"`
	Compression Compression               `json:"compression"`
}

// Participant exports and restores the partitions it owns.
type Participant interface {
	ExportPartition(ctx context.Context, req *ExportRequest) (*backup.PartitionManifest, error)
	RestorePartition(ctx context.Context, req *RestoreRequest) error
	// ResumePartition restarts ingestion after an in-place restore. It is a
	// no-op for a partition that is ingesting.
	ResumePartition(ctx context.Context, partition int32) error
}

// Participants finds the participant owning a partition.
type Participants interface {
	ParticipantFor(partition int32) (Participant, error)
}

// PartitionStore is the part of a partition store a participant needs.
type PartitionStore interface {
	Export(ctx context.Context, asOf int64, w io.Writer) (*backup.PartitionManifest, error)
	Restore(ctx context.Context, m *backup.PartitionManifest, r io.Reader) error
}

// Ingestors pauses ingestion around an in-place restore and keeps exported
// snapshots from being compacted.
type Ingestors interface {
	Stop(ctx context.Context, partition int32) error
	Start(partition int32) error
	PinSnapshot(s int64) (release func())
}

// LocalParticipant serves the partitions stored in this process. Partition
// data streams between the store and the backend without being buffered.
type LocalParticipant struct {
	stores    map[int32]PartitionStore
	ingestors Ingestors
	backend   modulecapabilities.BackupBackend
	logger    logrus.FieldLogger
}

func NewLocalParticipant(stores map[int32]PartitionStore, ingestors Ingestors,
	backend modulecapabilities.BackupBackend, logger logrus.FieldLogger,
) *LocalParticipant {
	return &LocalParticipant{
		stores:    stores,
		ingestors: ingestors,
		backend:   backend,
		logger:    logger.WithField("component", "backup_participant"),
	}
}

// ParticipantFor makes a LocalParticipant serve every partition it stores.
func (p *LocalParticipant) ParticipantFor(partition int32) (Participant, error) {
	if _, ok := p.stores[partition]; !ok {
		return nil, fmt.Errorf("partition %d is not stored on this node", partition)
	}
	return p, nil
}

func (p *LocalParticipant) store(id int32) (PartitionStore, error) {
	s, ok := p.stores[id]
	if !ok {
		return nil, backup.NewErrUnprocessable(fmt.Errorf("partition %d is not stored on this node", id))
	}
	return s, nil
}

func (p *LocalParticipant) ExportPartition(ctx context.Context, req *ExportRequest) (*backup.PartitionManifest, error) {
	s, err := p.store(req.Partition)
	if err != nil {
		return nil, err
	}
	if p.ingestors != nil {
		release := p.ingestors.PinSnapshot(req.SnapshotID)
		defer release()
	}

	start := time.Now()
	dir, key := backup.IDString(req.BackupID), backup.PartitionKey(req.Partition)

	pr, pw := io.Pipe()
	type result struct {
		m   *backup.PartitionManifest
		err error
	}
	exported := make(chan result, 1)
	enterrors.GoWrapper(func() {
		w := compressor(req.Compression, pw)
		m, err := s.Export(ctx, req.SnapshotID, w)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
		exported <- result{m, err}
	}, p.logger)

	written, err := p.backend.Write(ctx, dir, key, pr)
	// unblocks the exporter if the backend gave up early
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-exported
	if err != nil {
		return nil, errors.Wrapf(err, "upload partition %d", req.Partition)
	}
	if res.err != nil {
		return nil, errors.Wrapf(res.err, "export partition %d", req.Partition)
	}

	res.m.Key = key
	p.logger.WithFields(logrus.Fields{
		"action":     "backup_export",
		"backup_id":  req.BackupID,
		"partition":  req.Partition,
		"snapshot":   req.SnapshotID,
		"entries":    res.m.Entries,
		"size":       res.m.Size,
		"compressed": written,
		"took":       time.Since(start),
	}).Info("partition exported")
	return res.m, nil
}

func (p *LocalParticipant) RestorePartition(ctx context.Context, req *RestoreRequest) error {
	m := req.Manifest
	if m == nil {
		return backup.NewErrUnprocessable(fmt.Errorf("restore without manifest"))
	}
	if err := m.Validate(); err != nil {
		return backup.NewErrUnprocessable(err)
	}

	start := time.Now()
	restore := func(r io.Reader) error {
		return partitionrepo.RestoreTo(ctx, req.TargetDir, m, r)
	}
	if req.TargetDir == "" {
		s, err := p.store(m.PartitionID)
		if err != nil {
			return err
		}
		if p.ingestors != nil {
			if err := p.ingestors.Stop(ctx, m.PartitionID); err != nil {
				return errors.Wrapf(err, "pause ingestion of partition %d", m.PartitionID)
			}
		}
		restore = func(r io.Reader) error {
			return s.Restore(ctx, m, r)
		}
	}

	err := fetch(ctx, p.backend, backup.IDString(req.BackupID), m.Key, req.Compression, p.logger, restore)
	if err != nil {
		if req.TargetDir == "" {
			// the live file was not replaced, carry on with it
			if rerr := p.ResumePartition(ctx, m.PartitionID); rerr != nil {
				p.logger.WithField("action", "backup_restore").WithError(rerr).
					Errorf("could not resume ingestion of partition %d", m.PartitionID)
			}
		}
		return errors.Wrapf(err, "restore partition %d", m.PartitionID)
	}

	p.logger.WithFields(logrus.Fields{
		"action":    "backup_restore",
		"backup_id": req.BackupID,
		"partition": m.PartitionID,
		"snapshot":  m.SnapshotID,
		"target":    req.TargetDir,
		"took":      time.Since(start),
	}).Info("partition restored")
	return nil
}

func (p *LocalParticipant) ResumePartition(ctx context.Context, partition int32) error {
	if _, err := p.store(partition); err != nil {
		return err
	}
	if p.ingestors == nil {
		return nil
	}
	if err := p.ingestors.Start(partition); err != nil {
		return errors.Wrapf(err, "resume ingestion of partition %d", partition)
	}
	return nil
}

// fetch streams object key of backup dir through consume.
func fetch(ctx context.Context, backend modulecapabilities.BackupBackend, dir, key string,
	c Compression, logger logrus.FieldLogger, consume func(io.Reader) error,
) error {
	pr, pw := io.Pipe()
	downloaded := make(chan error, 1)
	enterrors.GoWrapper(func() {
		_, err := backend.Read(ctx, dir, key, nopWriteCloser{pw})
		pw.CloseWithError(err)
		downloaded <- err
	}, logger)

	err := consume(decompressor(c, pr))
	pr.CloseWithError(io.ErrClosedPipe)
	if derr := <-downloaded; derr != nil && !errors.Is(derr, io.ErrClosedPipe) {
		return errors.Wrapf(derr, "download %s/%s", dir, key)
	}
	return err
}
