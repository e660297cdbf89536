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
	"io"

	"github.com/klauspost/compress/s2"
)

// Compression of partition objects in the backend. The checksum in a
// manifest always covers the uncompressed export stream.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
)

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "":
		return CompressionS2, nil
	case CompressionNone, CompressionS2:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w. Closing the result flushes it but leaves w open.
func compressor(c Compression, w io.Writer) io.WriteCloser {
	if c == CompressionS2 {
		return s2.NewWriter(w, s2.WriterConcurrency(1))
	}
	return nopWriteCloser{w}
}

func decompressor(c Compression, r io.Reader) io.Reader {
	if c == CompressionS2 {
		return s2.NewReader(r)
	}
	return r
}
