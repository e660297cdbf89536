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
	"bytes"
	"encoding/binary"
)

// Data keys are the escaped logical key, a terminator and the big endian
// snapshot id of the version. The escaping keeps the byte order of logical
// keys and guarantees that no escaped key is a prefix of another escaped key
// followed by the terminator, so all versions of one key are adjacent and
// sorted by snapshot.
const (
	escByte   byte = 0x00
	escEscape byte = 0xFF
	escTerm   byte = 0x01
)

func escapeKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+2)
	for _, b := range key {
		out = append(out, b)
		if b == escByte {
			out = append(out, escEscape)
		}
	}
	return out
}

// keyPrefix is the prefix shared by every version of key.
func keyPrefix(key []byte) []byte {
	return append(escapeKey(key), escByte, escTerm)
}

func versionKey(key []byte, snapshot int64) []byte {
	return appendUint64(keyPrefix(key), uint64(snapshot))
}

// splitVersionKey returns the prefix and snapshot of a data key.
func splitVersionKey(k []byte) (prefix []byte, snapshot int64, ok bool) {
	if len(k) < 10 {
		return nil, 0, false
	}
	prefix = k[:len(k)-8]
	if prefix[len(prefix)-2] != escByte || prefix[len(prefix)-1] != escTerm {
		return nil, 0, false
	}
	return prefix, int64(binary.BigEndian.Uint64(k[len(k)-8:])), true
}

// unescapeKey turns a prefix returned by splitVersionKey back into the
// logical key.
func unescapeKey(prefix []byte) []byte {
	esc := prefix[:len(prefix)-2]
	out := make([]byte, 0, len(esc))
	for i := 0; i < len(esc); i++ {
		out = append(out, esc[i])
		if esc[i] == escByte && i+1 < len(esc) && esc[i+1] == escEscape {
			i++
		}
	}
	return out
}

func hasKeyPrefix(k, prefix []byte) bool {
	return bytes.HasPrefix(k, prefix)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func int64Bytes(v int64) []byte {
	return uint64Bytes(uint64(v))
}

func bytesInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
