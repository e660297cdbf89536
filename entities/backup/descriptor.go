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
	"fmt"
	"sort"
	"strconv"
	"time"
)

// DescriptorKey is the object holding the descriptor of a ready backup
// inside the backup's directory on the backend.
const DescriptorKey = "backup.json"

// PartitionManifest describes one partition's export: enough to verify the
// object and to resume ingestion right after the exported snapshot.
type PartitionManifest struct {
	PartitionID   int32  `json:"partition_id"`
	SnapshotID    int64  `json:"snapshot_id"`
	AppliedOffset int64  `json:"applied_offset"`
	Entries       int64  `json:"entries"`
	Size          int64  `json:"size"`
	Checksum      string `json:"checksum"`
	Key           string `json:"key"`
}

func (m *PartitionManifest) Validate() error {
	if m.Checksum == "" {
		return fmt.Errorf("partition %d: empty checksum", m.PartitionID)
	}
	if m.Key == "" {
		return fmt.Errorf("partition %d: empty object key", m.PartitionID)
	}
	if m.Entries < 0 || m.Size < 0 {
		return fmt.Errorf("partition %d: negative size", m.PartitionID)
	}
	return nil
}

// PartitionKey is the backend object key of a partition's export.
func PartitionKey(id int32) string {
	return fmt.Sprintf("partition_%d.snap", id)
}

// Descriptor is the coordinator's record of one backup.
type Descriptor struct {
	ID          int64                        `json:"backup_id"`
	SnapshotID  int64                        `json:"snapshot_id"`
	Partitions  int                          `json:"partitions"`
	Compression string                       `json:"compression,omitempty"`
	Status      Status                       `json:"status"`
	Manifests   map[int32]*PartitionManifest `json:"manifests,omitempty"`
	StartedAt   time.Time                    `json:"started_at"`
	CompletedAt time.Time                    `json:"completed_at,omitempty"`
	Error       string                       `json:"error,omitempty"`
}

func NewDescriptor(id, snapshotID int64, partitions int) *Descriptor {
	return &Descriptor{
		ID:         id,
		SnapshotID: snapshotID,
		Partitions: partitions,
		Status:     Requested,
		StartedAt:  time.Now().UTC(),
	}
}

// Key is the backend directory of the backup.
func (d *Descriptor) Key() string {
	return IDString(d.ID)
}

// Transition moves d to status to if the state machine allows it.
func (d *Descriptor) Transition(to Status) error {
	if !d.Status.CanTransition(to) {
		return fmt.Errorf("backup %d: invalid transition %s -> %s", d.ID, d.Status, to)
	}
	d.Status = to
	if to.Terminal() && d.CompletedAt.IsZero() {
		d.CompletedAt = time.Now().UTC()
	}
	return nil
}

// Fail marks d failed and drops every manifest so nothing partial stays
// referenced.
func (d *Descriptor) Fail(cause error) error {
	if err := d.Transition(Failed); err != nil {
		return err
	}
	d.Manifests = nil
	if cause != nil {
		d.Error = cause.Error()
	}
	return nil
}

// Validate checks that a ready descriptor references a consistent manifest
// for every partition.
func (d *Descriptor) Validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("backup %d: invalid status %q", d.ID, d.Status)
	}
	if d.Status != Ready {
		return nil
	}
	if len(d.Manifests) != d.Partitions {
		return fmt.Errorf("backup %d: %d manifests for %d partitions", d.ID, len(d.Manifests), d.Partitions)
	}
	for id, m := range d.Manifests {
		if m == nil {
			return fmt.Errorf("backup %d: nil manifest for partition %d", d.ID, id)
		}
		if m.PartitionID != id {
			return fmt.Errorf("backup %d: manifest of partition %d stored under %d", d.ID, m.PartitionID, id)
		}
		if m.SnapshotID != d.SnapshotID {
			return fmt.Errorf("backup %d: partition %d exported snapshot %d, want %d",
				d.ID, id, m.SnapshotID, d.SnapshotID)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("backup %d: %w", d.ID, err)
		}
	}
	return nil
}

// PartitionIDs returns the ids of all manifests in ascending order.
func (d *Descriptor) PartitionIDs() []int32 {
	ids := make([]int32, 0, len(d.Manifests))
	for id := range d.Manifests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Descriptor) Info() Info {
	return Info{ID: d.ID, SnapshotID: d.SnapshotID, Status: d.Status}
}

// Info is the public summary of a backup.
type Info struct {
	ID         int64  `json:"backup_id"`
	SnapshotID int64  `json:"snapshot_id"`
	Status     Status `json:"status"`
}

func IDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid backup id %q", s)
	}
	return id, nil
}
