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
	"fmt"
	"time"
)

// NoOffset is the applied offset of a partition that has not applied any
// record yet. Queue offsets start at 0.
const NoOffset int64 = -1

// State is the coordinator's view of a partition's health.
type State uint8

const (
	Live State = iota
	// Degraded partitions have not reported within the unreachable timeout.
	Degraded
	// Failed partitions hit a structural error such as a corrupted log and
	// need operator intervention.
	Failed
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "live":
		*s = Live
	case "degraded":
		*s = Degraded
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown partition state %q", text)
	}
	return nil
}

// Progress is what an ingestor reports after every applied batch and what a
// partition store persists next to its data.
type Progress struct {
	PartitionID       int32 `json:"partition_id"`
	AppliedOffset     int64 `json:"applied_offset"`
	AppliedSnapshotID int64 `json:"applied_snapshot_id"`

	// set by the coordinator only
	LastSeen time.Time `json:"last_seen,omitempty"`
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
}

func Initial(id int32) Progress {
	return Progress{PartitionID: id, AppliedOffset: NoOffset}
}

// NextOffset is the first queue offset that has not been applied.
func (p Progress) NextOffset() int64 {
	return p.AppliedOffset + 1
}

// Behind reports whether p is older than other. A lower snapshot is always
// older; an equal snapshot is older if its offset is lower.
func (p Progress) Behind(other Progress) bool {
	if p.AppliedSnapshotID != other.AppliedSnapshotID {
		return p.AppliedSnapshotID < other.AppliedSnapshotID
	}
	return p.AppliedOffset < other.AppliedOffset
}

func (p Progress) String() string {
	return fmt.Sprintf("partition=%d offset=%d snapshot=%d state=%s",
		p.PartitionID, p.AppliedOffset, p.AppliedSnapshotID, p.State)
}

// Owner returns the ordinal of the replica owning partition id when
// partitions are spread over replicas round-robin.
func Owner(id int32, replicas int) int {
	if replicas <= 0 {
		return 0
	}
	return int(id) % replicas
}

// Owned lists the partitions in [0, count) owned by ordinal.
func Owned(count, replicas, ordinal int) []int32 {
	var out []int32
	for i := 0; i < count; i++ {
		if Owner(int32(i), replicas) == ordinal {
			out = append(out, int32(i))
		}
	}
	return out
}
