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
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// codecVersion is the first field of every encoded record.
const codecVersion = 1

// recordFields is the msgpack array length of an encoded record.
const recordFields = 12

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Encode serializes r into the binary queue format.
func Encode(r *Record) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if err := EncodeTo(buf, r); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// EncodeTo writes the binary form of r to w.
func EncodeTo(w io.Writer, r *Record) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(w)

	enc.EncodeArrayLen(recordFields)
	enc.EncodeUint8(codecVersion)
	enc.EncodeInt32(r.PartitionID)
	enc.EncodeInt64(r.Offset)
	enc.EncodeInt64(r.SnapshotID)
	enc.EncodeString(r.OperationID)
	enc.EncodeUint8(uint8(r.Op))
	enc.EncodeUint8(uint8(r.Target.Kind))
	enc.EncodeString(r.Target.ID)
	enc.EncodeString(r.Target.Label)
	enc.EncodeString(r.Target.SrcID)
	enc.EncodeString(r.Target.DstID)
	if err := enc.Encode(r.Payload); err != nil {
		return errors.Wrapf(err, "encode payload of %s", r)
	}
	return nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*Record, error) {
	return DecodeFrom(bytes.NewReader(data))
}

// DecodeFrom reads exactly one record from rd.
func DecodeFrom(rd io.Reader) (*Record, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(rd)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.Wrap(err, "decode record header")
	}
	if n != recordFields {
		return nil, fmt.Errorf("decode record: want %d fields, got %d", recordFields, n)
	}
	version, err := dec.DecodeUint8()
	if err != nil {
		return nil, errors.Wrap(err, "decode codec version")
	}
	if version != codecVersion {
		return nil, fmt.Errorf("decode record: unsupported codec version %d", version)
	}

	r := &Record{}
	if r.PartitionID, err = dec.DecodeInt32(); err != nil {
		return nil, errors.Wrap(err, "decode partition id")
	}
	if r.Offset, err = dec.DecodeInt64(); err != nil {
		return nil, errors.Wrap(err, "decode offset")
	}
	if r.SnapshotID, err = dec.DecodeInt64(); err != nil {
		return nil, errors.Wrap(err, "decode snapshot id")
	}
	if r.OperationID, err = dec.DecodeString(); err != nil {
		return nil, errors.Wrap(err, "decode operation id")
	}
	op, err := dec.DecodeUint8()
	if err != nil {
		return nil, errors.Wrap(err, "decode op")
	}
	r.Op = Op(op)
	kind, err := dec.DecodeUint8()
	if err != nil {
		return nil, errors.Wrap(err, "decode target kind")
	}
	r.Target.Kind = Kind(kind)
	for _, dst := range []*string{&r.Target.ID, &r.Target.Label, &r.Target.SrcID, &r.Target.DstID} {
		if *dst, err = dec.DecodeString(); err != nil {
			return nil, errors.Wrap(err, "decode target")
		}
	}
	payload, err := dec.DecodeMap()
	if err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	r.Payload = payload

	return r, nil
}
