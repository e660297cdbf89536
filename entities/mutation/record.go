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

package mutation

import (
	"fmt"
	"strings"
)

// Op is the kind of change a Record carries.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
	// OpMarker seals a snapshot on one partition. It carries no target or
	// payload; every record of the partition after it has a higher snapshot id.
	OpMarker
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMarker:
		return "marker"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (o Op) valid() bool {
	return o >= OpInsert && o <= OpMarker
}

// Kind distinguishes vertex from edge targets.
type Kind uint8

const (
	KindVertex Kind = iota + 1
	KindEdge
)

func (k Kind) String() string {
	switch k {
	case KindVertex:
		return "vertex"
	case KindEdge:
		return "edge"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const keySeparator = "/"

// Target identifies the vertex or edge a mutation applies to.
type Target struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
	SrcID string `json:"src_id,omitempty"`
	DstID string `json:"dst_id,omitempty"`
}

func Vertex(id string) Target {
	return Target{Kind: KindVertex, ID: id}
}

func Edge(src, label, dst string) Target {
	return Target{Kind: KindEdge, SrcID: src, Label: label, DstID: dst}
}

// Key is the storage key of the target. Edges are keyed under their source
// vertex so that a prefix scan over "e/<src>/" yields its out-edges.
func (t Target) Key() []byte {
	switch t.Kind {
	case KindVertex:
		return []byte("v" + keySeparator + t.ID)
	case KindEdge:
		return []byte(strings.Join([]string{"e", t.SrcID, t.Label, t.DstID}, keySeparator))
	default:
		return nil
	}
}

// RoutingKey decides the partition of the target. Edges follow their source
// vertex.
func (t Target) RoutingKey() string {
	if t.Kind == KindEdge {
		return t.SrcID
	}
	return t.ID
}

func (t Target) Validate() error {
	switch t.Kind {
	case KindVertex:
		if t.ID == "" {
			return fmt.Errorf("vertex target: empty id")
		}
		if strings.Contains(t.ID, keySeparator) {
			return fmt.Errorf("vertex target: id %q contains %q", t.ID, keySeparator)
		}
	case KindEdge:
		for name, v := range map[string]string{"src_id": t.SrcID, "label": t.Label, "dst_id": t.DstID} {
			if v == "" {
				return fmt.Errorf("edge target: empty %s", name)
			}
			if strings.Contains(v, keySeparator) {
				return fmt.Errorf("edge target: %s %q contains %q", name, v, keySeparator)
			}
		}
	default:
		return fmt.Errorf("unknown target kind %d", t.Kind)
	}
	return nil
}

// Mutation is what a client submits to the frontend, before it has been
// given a snapshot id, an operation id and a queue position.
type Mutation struct {
	Op      Op                     `json:"op"`
	Target  Target                 `json:"target"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (m Mutation) Validate() error {
	switch m.Op {
	case OpInsert, OpUpdate, OpDelete:
	case OpMarker:
		return fmt.Errorf("markers are issued by the frontend only")
	default:
		return fmt.Errorf("unknown op %d", m.Op)
	}
	return m.Target.Validate()
}

// Record is one immutable entry of the durable queue.
type Record struct {
	PartitionID int32
	// Offset is assigned by the queue; it is unique and strictly increasing
	// per partition, starting at 0.
	Offset int64
	// SnapshotID is assigned by the frontend and never decreases along a
	// partition.
	SnapshotID  int64
	OperationID string
	Op          Op
	Target      Target
	Payload     map[string]interface{}
}

func (r *Record) IsMarker() bool {
	return r.Op == OpMarker
}

func (r *Record) Validate() error {
	if !r.Op.valid() {
		return fmt.Errorf("record %d/%d: unknown op %d", r.PartitionID, r.Offset, r.Op)
	}
	if r.SnapshotID < 0 {
		return fmt.Errorf("record %d/%d: negative snapshot id %d", r.PartitionID, r.Offset, r.SnapshotID)
	}
	if r.Op == OpMarker {
		return nil
	}
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("record %d/%d: %w", r.PartitionID, r.Offset, err)
	}
	return nil
}

func (r *Record) String() string {
	return fmt.Sprintf("%s p=%d off=%d snap=%d op_id=%s", r.Op, r.PartitionID, r.Offset, r.SnapshotID, r.OperationID)
}
