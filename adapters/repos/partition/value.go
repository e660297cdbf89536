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

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	flagLive      byte = 0
	flagTombstone byte = 1
)

// Entry is one version of a vertex or edge as of a snapshot.
type Entry struct {
	Key        []byte
	SnapshotID int64
	Properties map[string]interface{}
}

func encodeValue(tombstone bool, props map[string]interface{}) ([]byte, error) {
	if tombstone {
		return []byte{flagTombstone}, nil
	}
	data, err := msgpack.Marshal(props)
	if err != nil {
		return nil, errors.Wrap(err, "marshal properties")
	}
	return append([]byte{flagLive}, data...), nil
}

func isTombstone(v []byte) bool {
	return len(v) > 0 && v[0] == flagTombstone
}

func decodeValue(v []byte) (map[string]interface{}, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	if v[0] != flagLive {
		return nil, fmt.Errorf("decode tombstone")
	}
	var props map[string]interface{}
	if len(v) > 1 {
		if err := msgpack.Unmarshal(v[1:], &props); err != nil {
			return nil, errors.Wrap(err, "unmarshal properties")
		}
	}
	return props, nil
}

// merge returns base overlaid with update. Neither input is modified.
func merge(base, update map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
