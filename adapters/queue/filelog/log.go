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
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/usecases/ingest"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

const (
	segmentSuffix = ".log"
	// frame header: payload length and crc32 of the payload
	headerSize = 8
	// sanity bound for a single record
	maxFrameSize = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Config struct {
	// SegmentBytes is the size after which a new segment file is started.
	SegmentBytes int64
	// PollWait bounds how long Poll waits for new records.
	PollWait time.Duration
	// MaxPollRecords bounds the records returned by one Poll.
	MaxPollRecords int
	// Sync fsyncs every append.
	Sync bool
}

func (c Config) withDefaults() Config {
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 << 20
	}
	if c.PollWait <= 0 {
		c.PollWait = 500 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 1000
	}
	return c
}

// Log is a durable queue on the local filesystem. Every partition is a
// directory of segment files named after the offset of their first record.
// It implements ingest.Queue and ingest.Producer.
type Log struct {
	dir        string
	cfg        Config
	logger     logrus.FieldLogger
	metrics    *monitoring.PrometheusMetrics
	partitions []*partitionLog
}

type segment struct {
	base int64
	path string
}

type partitionLog struct {
	id  int32
	dir string

	mu       sync.Mutex
	segments []segment
	active   *os.File
	size     int64
	next     int64
	// closed and replaced on every append
	notify chan struct{}
	closed bool
}

// Open opens or creates the log of count partitions below dir.
func Open(dir string, count int, cfg Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics) (*Log, error) {
	l := &Log{
		dir:     dir,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("queue", "file"),
		metrics: metrics,
	}
	for i := 0; i < count; i++ {
		p, err := openPartition(filepath.Join(dir, fmt.Sprintf("partition_%d", i)), int32(i), l.logger)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.partitions = append(l.partitions, p)
	}
	return l, nil
}

func segmentPath(dir string, base int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", base, segmentSuffix))
}

func openPartition(dir string, id int32, logger logrus.FieldLogger) (*partitionLog, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create partition directory %q: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read partition directory %q: %w", dir, err)
	}
	p := &partitionLog{id: id, dir: dir, notify: make(chan struct{})}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		p.segments = append(p.segments, segment{base: base, path: filepath.Join(dir, name)})
	}
	sort.Slice(p.segments, func(i, j int) bool { return p.segments[i].base < p.segments[j].base })

	if len(p.segments) == 0 {
		p.segments = []segment{{base: 0, path: segmentPath(dir, 0)}}
	}
	last := p.segments[len(p.segments)-1]
	next, size, err := recoverSegment(last, logger.WithField("partition", id))
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", id, err)
	}
	f, err := os.OpenFile(last.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open segment %q: %w", last.path, err)
	}
	p.active, p.size, p.next = f, size, next
	return p, nil
}

// recoverSegment scans the last segment of a partition and returns the next
// offset and the size of its valid prefix. A torn frame at the tail, left by
// a crash during append, is truncated. A complete frame with a bad checksum
// is corruption and is not repaired.
func recoverSegment(s segment, logger logrus.FieldLogger) (next, size int64, err error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return 0, 0, fmt.Errorf("open segment %q: %w", s.path, err)
	}
	defer f.Close()

	next = s.base
	r := &frameReader{r: f}
	for {
		rec, err := r.next()
		if err == io.EOF {
			return next, r.pos, nil
		}
		if err == io.ErrUnexpectedEOF {
			logger.WithFields(logrus.Fields{
				"action":  "queue_recover_segment",
				"segment": s.path,
				"at":      r.pos,
			}).Warn("truncating torn frame at segment tail")
			if err := f.Truncate(r.pos); err != nil {
				return 0, 0, fmt.Errorf("truncate segment %q: %w", s.path, err)
			}
			return next, r.pos, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("segment %q: %w", s.path, err)
		}
		if rec.Offset != next {
			return 0, 0, fmt.Errorf("%w: segment %q holds offset %d at position of %d",
				ingest.ErrCorruptedLog, s.path, rec.Offset, next)
		}
		next++
	}
}

func (l *Log) partition(id int32) (*partitionLog, error) {
	if id < 0 || int(id) >= len(l.partitions) {
		return nil, fmt.Errorf("unknown partition %d", id)
	}
	return l.partitions[id], nil
}

func (l *Log) Partitions() int {
	return len(l.partitions)
}

// Append implements ingest.Producer.
func (l *Log) Append(ctx context.Context, records ...*mutation.Record) error {
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := l.partition(r.PartitionID)
		if err != nil {
			return err
		}
		if err := p.append(r, l.cfg); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.QueueRecordsAppended.WithLabelValues("file", r.Op.String()).Inc()
		}
	}
	return nil
}

func (p *partitionLog) append(r *mutation.Record, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("partition %d: log closed", p.id)
	}

	if p.size >= cfg.SegmentBytes {
		if err := p.roll(); err != nil {
			return err
		}
	}

	r.Offset = p.next
	payload, err := mutation.Encode(r)
	if err != nil {
		return err
	}
	frame := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	frame = append(frame, payload...)

	n, err := p.active.Write(frame)
	if err != nil {
		// drop whatever made it to disk so the tail stays a frame boundary
		p.active.Truncate(p.size)
		return fmt.Errorf("partition %d: append offset %d: %w", p.id, r.Offset, err)
	}
	if cfg.Sync {
		if err := p.active.Sync(); err != nil {
			p.active.Truncate(p.size)
			return fmt.Errorf("partition %d: sync offset %d: %w", p.id, r.Offset, err)
		}
	}
	p.size += int64(n)
	p.next++

	close(p.notify)
	p.notify = make(chan struct{})
	return nil
}

func (p *partitionLog) roll() error {
	if err := p.active.Sync(); err != nil {
		return fmt.Errorf("partition %d: sync segment: %w", p.id, err)
	}
	if err := p.active.Close(); err != nil {
		return fmt.Errorf("partition %d: close segment: %w", p.id, err)
	}
	s := segment{base: p.next, path: segmentPath(p.dir, p.next)}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("partition %d: open segment: %w", p.id, err)
	}
	p.segments = append(p.segments, s)
	p.active, p.size = f, 0
	return nil
}

// state returns the end of the committed log, the segments and the channel
// closed by the next append.
func (p *partitionLog) state() (int64, []segment, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, p.segments, p.notify
}

// NextOffset is the offset the next append to partition id will get.
func (l *Log) NextOffset(id int32) (int64, error) {
	p, err := l.partition(id)
	if err != nil {
		return 0, err
	}
	next, _, _ := p.state()
	return next, nil
}

func (l *Log) Close() error {
	var firstErr error
	for _, p := range l.partitions {
		p.mu.Lock()
		if !p.closed {
			p.closed = true
			if err := p.active.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.mu.Unlock()
	}
	return firstErr
}

// Consume implements ingest.Queue.
func (l *Log) Consume(ctx context.Context, partition int32, from int64) (ingest.Consumer, error) {
	p, err := l.partition(partition)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if next, _, _ := p.state(); from > next {
		return nil, fmt.Errorf("%w: partition %d consume from %d, log ends at %d",
			ingest.ErrOffsetOutOfRange, partition, from, next)
	}
	return &consumer{log: l, p: p, next: from}, nil
}
