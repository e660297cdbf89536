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

package filelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/usecases/ingest"
)

// frameReader reads frames sequentially and tracks its byte position.
type frameReader struct {
	r   io.Reader
	pos int64
}

// next returns io.EOF at a clean frame boundary and io.ErrUnexpectedEOF for
// a partial frame.
func (fr *frameReader) next() (*mutation.Record, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(fr.r, header[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if n > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes at %d", ingest.ErrCorruptedLog, size, fr.pos)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch at %d", ingest.ErrCorruptedLog, fr.pos)
	}
	rec, err := mutation.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable record at %d: %v", ingest.ErrCorruptedLog, fr.pos, err)
	}
	fr.pos += int64(headerSize) + int64(size)
	return rec, nil
}

type consumer struct {
	log  *Log
	p    *partitionLog
	next int64

	file    *os.File
	reader  *frameReader
	segBase int64
	// base of the segment after the open one, -1 for the active segment
	segEnd int64
}

// Poll implements ingest.Consumer. Only frames below the committed end are
// read, so a concurrent append is never observed half written.
func (c *consumer) Poll(ctx context.Context) ([]*mutation.Record, error) {
	timer := time.NewTimer(c.log.cfg.PollWait)
	defer timer.Stop()

	for {
		end, segments, notify := c.p.state()
		if c.next < end {
			return c.read(min(end, c.next+int64(c.log.cfg.MaxPollRecords)), segments)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-timer.C:
			return nil, nil
		}
	}
}

func (c *consumer) read(end int64, segments []segment) ([]*mutation.Record, error) {
	out := make([]*mutation.Record, 0, end-c.next)
	for c.next < end {
		if c.reader == nil || (c.segEnd >= 0 && c.next >= c.segEnd) {
			if err := c.openSegment(segments); err != nil {
				return out, err
			}
		}
		rec, err := c.reader.next()
		if err == io.EOF && c.segEnd < 0 && rolledPast(segments, c.segBase) {
			// the segment was rolled after it was opened
			if err := c.openSegment(segments); err != nil {
				return out, err
			}
			continue
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return out, fmt.Errorf("%w: partition %d segment %d ends before offset %d",
				ingest.ErrCorruptedLog, c.p.id, c.segBase, c.next)
		}
		if err != nil {
			return out, fmt.Errorf("partition %d segment %d: %w", c.p.id, c.segBase, err)
		}
		if rec.Offset < c.next {
			// seeking to the start offset inside the segment
			continue
		}
		if rec.Offset != c.next {
			return out, fmt.Errorf("%w: partition %d expected offset %d, read %d",
				ingest.ErrCorruptedLog, c.p.id, c.next, rec.Offset)
		}
		out = append(out, rec)
		c.next++
	}
	return out, nil
}

func rolledPast(segments []segment, base int64) bool {
	return len(segments) > 0 && segments[len(segments)-1].base > base
}

// openSegment opens the segment holding c.next.
func (c *consumer) openSegment(segments []segment) error {
	idx := -1
	for i, s := range segments {
		if s.base <= c.next {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: partition %d offset %d is below the oldest segment",
			ingest.ErrOffsetOutOfRange, c.p.id, c.next)
	}
	if c.file != nil {
		c.file.Close()
	}
	f, err := os.Open(segments[idx].path)
	if err != nil {
		return fmt.Errorf("partition %d: open segment: %w", c.p.id, err)
	}
	c.file = f
	c.reader = &frameReader{r: bufio.NewReaderSize(f, 64<<10)}
	c.segBase = segments[idx].base
	c.segEnd = -1
	if idx+1 < len(segments) {
		c.segEnd = segments[idx+1].base
	}
	return nil
}

func (c *consumer) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file, c.reader = nil, nil
	return err
}
