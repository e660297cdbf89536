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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/partition"
)

const (
	exportFormatVersion = 1
	restoreBatchSize    = 10_000
	exportSpoolPattern  = "export-*.spool"
)

// exportHeader opens every export stream.
type exportHeader struct {
	PartitionID       int32
	SnapshotID        int64
	AppliedOffset     int64
	CompactionHorizon int64
}

func (h *exportHeader) encode(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(5); err != nil {
		return err
	}
	if err := enc.EncodeUint8(exportFormatVersion); err != nil {
		return err
	}
	if err := enc.EncodeInt32(h.PartitionID); err != nil {
		return err
	}
	if err := enc.EncodeInt64(h.SnapshotID); err != nil {
		return err
	}
	if err := enc.EncodeInt64(h.AppliedOffset); err != nil {
		return err
	}
	return enc.EncodeInt64(h.CompactionHorizon)
}

func (h *exportHeader) decode(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 5 {
		return fmt.Errorf("export header: want 5 fields, got %d", n)
	}
	version, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	if version != exportFormatVersion {
		return fmt.Errorf("export header: unsupported format version %d", version)
	}
	if h.PartitionID, err = dec.DecodeInt32(); err != nil {
		return err
	}
	if h.SnapshotID, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if h.AppliedOffset, err = dec.DecodeInt64(); err != nil {
		return err
	}
	h.CompactionHorizon, err = dec.DecodeInt64()
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Export writes every version at or below snapshot asOf to w. The cut is
// spooled to a temporary file next to the partition inside one short read
// transaction, and w is only fed after that transaction is closed: an open
// read transaction keeps bolt from growing its mmap, which would hold up
// every Apply for as long as a slow w takes. The returned manifest records
// the offset at which asOf was complete; its Key is left to the caller.
func (s *Store) Export(ctx context.Context, asOf int64, w io.Writer) (*backup.PartitionManifest, error) {
	start := time.Now()
	spool, err := os.CreateTemp(s.dir, exportSpoolPattern)
	if err != nil {
		return nil, fmt.Errorf("export partition %d: create spool: %w", s.id, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	m, err := s.spoolExport(ctx, asOf, spool)
	if err != nil {
		return nil, fmt.Errorf("export partition %d at snapshot %d: %w", s.id, asOf, err)
	}
	cut := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("export partition %d at snapshot %d: %w", s.id, asOf, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("export partition %d: rewind spool: %w", s.id, err)
	}
	if _, err := io.Copy(w, spool); err != nil {
		return nil, fmt.Errorf("export partition %d at snapshot %d: %w", s.id, asOf, err)
	}

	s.metrics.observeExport(m.Size, time.Since(start))
	s.logger.WithFields(logrus.Fields{
		"action":   "partition_export",
		"snapshot": asOf,
		"offset":   m.AppliedOffset,
		"entries":  m.Entries,
		"cut":      cut,
		"took":     time.Since(start),
	}).Debug("exported partition")
	return m, nil
}

// spoolExport writes the export stream of asOf to f and closes its read
// transaction before returning.
func (s *Store) spoolExport(ctx context.Context, asOf int64, f *os.File) (*backup.PartitionManifest, error) {
	h := sha256.New()
	bw := bufio.NewWriterSize(f, 1<<20)
	cw := &countingWriter{w: io.MultiWriter(bw, h)}
	enc := msgpack.NewEncoder(cw)

	var m *backup.PartitionManifest
	err := s.view(func(tx *bolt.Tx) error {
		if err := s.checkReadable(tx, asOf); err != nil {
			return err
		}
		header := exportHeader{
			PartitionID:       s.id,
			SnapshotID:        asOf,
			AppliedOffset:     offsetAt(tx, asOf),
			CompactionHorizon: readInt64(tx.Bucket(bucketMeta), keyCompactionHorizon, 0),
		}
		if err := header.encode(enc); err != nil {
			return errors.Wrap(err, "write header")
		}

		var entries int64
		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, snapshot, ok := splitVersionKey(k)
			if !ok {
				return fmt.Errorf("malformed data key %x", k)
			}
			if snapshot > asOf {
				continue
			}
			if err := enc.EncodeArrayLen(2); err != nil {
				return err
			}
			if err := enc.EncodeBytes(k); err != nil {
				return err
			}
			if err := enc.EncodeBytes(v); err != nil {
				return errors.Wrapf(err, "write entry %d", entries)
			}
			entries++
			if entries%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		m = &backup.PartitionManifest{
			PartitionID:   s.id,
			SnapshotID:    asOf,
			AppliedOffset: header.AppliedOffset,
			Entries:       entries,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush spool")
	}
	m.Size = cw.n
	m.Checksum = hex.EncodeToString(h.Sum(nil))
	return m, nil
}

// removeExportSpools deletes spools left behind by a crash during Export.
func removeExportSpools(dir string) error {
	leftovers, err := filepath.Glob(filepath.Join(dir, exportSpoolPattern))
	if err != nil {
		return err
	}
	for _, name := range leftovers {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// offsetAt is the last offset whose snapshot is at or below snapshot.
func offsetAt(tx *bolt.Tx, snapshot int64) int64 {
	c := tx.Bucket(bucketSnapshots).Cursor()
	k, v := c.Seek(int64Bytes(snapshot))
	if k != nil && bytesInt64(k) == snapshot {
		return bytesInt64(v)
	}
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	if k == nil {
		return partition.NoOffset
	}
	return bytesInt64(v)
}

// Restore replaces the partition with the content of an export stream. The
// new file is built and verified next to the live one and swapped in under
// the exclusive lock, so the old state stays intact if r is bad. Afterwards
// progress is the one recorded in m.
func (s *Store) Restore(ctx context.Context, m *backup.PartitionManifest, r io.Reader) error {
	start := time.Now()
	tmp := s.path + ".restore"
	if err := buildFromExport(ctx, tmp, s.id, m, r, s.cfg.NoSync); err != nil {
		return fmt.Errorf("restore partition %d: %w", s.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("restore partition %d: close live file: %w", s.id, err)
		}
		s.db = nil
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		cause := fmt.Errorf("restore partition %d: swap file: %w", s.id, err)
		// the live file is still in place
		db, err := s.open(s.path, s.id, s.cfg.NoSync)
		if err != nil {
			s.broken = fmt.Errorf("%w: partition %d: %v", ErrUnavailable, s.id, err)
			return fmt.Errorf("%w: %w", cause, s.broken)
		}
		s.db = db
		return cause
	}
	db, err := s.open(s.path, s.id, s.cfg.NoSync)
	if err != nil {
		s.broken = fmt.Errorf("%w: partition %d: %v", ErrUnavailable, s.id, err)
		return fmt.Errorf("restore partition %d: reopen: %w", s.id, s.broken)
	}
	s.db = db
	s.broken = nil

	s.metrics.observeRestore(m.Size, time.Since(start))
	s.logger.WithFields(logrus.Fields{
		"action":   "partition_restore",
		"snapshot": m.SnapshotID,
		"offset":   m.AppliedOffset,
		"entries":  m.Entries,
		"took":     time.Since(start),
	}).Info("restored partition")
	return nil
}

// RestoreTo builds the store of a partition from an export stream in the
// offline directory dir, e.g. for a new deployment. dir must not hold a
// partition file yet.
func RestoreTo(ctx context.Context, dir string, m *backup.PartitionManifest, r io.Reader) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("restore partition %d: %q already exists", m.PartitionID, path)
	}
	tmp := path + ".restore"
	if err := buildFromExport(ctx, tmp, m.PartitionID, m, r, false); err != nil {
		return fmt.Errorf("restore partition %d: %w", m.PartitionID, err)
	}
	return os.Rename(tmp, path)
}

// buildFromExport writes a complete partition file at path from r and
// verifies it against m. On failure nothing is left at path.
func buildFromExport(ctx context.Context, path string, id int32, m *backup.PartitionManifest, r io.Reader, noSync bool) (err error) {
	if m.PartitionID != id {
		return fmt.Errorf("manifest is for partition %d", m.PartitionID)
	}
	os.Remove(path)
	db, err := openDB(path, id, noSync)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	dec := msgpack.NewDecoder(cr)

	var header exportHeader
	if err := header.decode(dec); err != nil {
		return errors.Wrap(err, "read header")
	}
	if header.PartitionID != id || header.SnapshotID != m.SnapshotID || header.AppliedOffset != m.AppliedOffset {
		return fmt.Errorf("%w: header (partition %d, snapshot %d, offset %d) does not match manifest",
			ErrChecksumMismatch, header.PartitionID, header.SnapshotID, header.AppliedOffset)
	}

	entries, err := copyEntries(ctx, db, dec)
	if err != nil {
		return err
	}
	// drain anything the decoder has not consumed so the checksum covers
	// the whole stream
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return errors.Wrap(err, "drain stream")
	}
	if err := verify(m, entries, cr.n, h); err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyAppliedOffset, int64Bytes(m.AppliedOffset)); err != nil {
			return err
		}
		if err := meta.Put(keyAppliedSnapshot, int64Bytes(m.SnapshotID)); err != nil {
			return err
		}
		if err := meta.Put(keyCompactionHorizon, int64Bytes(header.CompactionHorizon)); err != nil {
			return err
		}
		if m.AppliedOffset == partition.NoOffset {
			return nil
		}
		return tx.Bucket(bucketSnapshots).Put(int64Bytes(m.SnapshotID), int64Bytes(m.AppliedOffset))
	})
}

func copyEntries(ctx context.Context, db *bolt.DB, dec *msgpack.Decoder) (int64, error) {
	var (
		entries int64
		batch   [][2][]byte
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := db.Update(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucketData)
			for _, kv := range batch {
				if err := data.Put(kv[0], kv[1]); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
		return err
	}

	for {
		n, err := dec.DecodeArrayLen()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "read entry %d", entries)
		}
		if n != 2 {
			return 0, fmt.Errorf("entry %d: want 2 fields, got %d", entries, n)
		}
		k, err := dec.DecodeBytes()
		if err != nil {
			return 0, errors.Wrapf(err, "read entry %d key", entries)
		}
		if _, _, ok := splitVersionKey(k); !ok {
			return 0, fmt.Errorf("entry %d: malformed key %x", entries, k)
		}
		v, err := dec.DecodeBytes()
		if err != nil {
			return 0, errors.Wrapf(err, "read entry %d value", entries)
		}
		batch = append(batch, [2][]byte{k, v})
		entries++
		if len(batch) >= restoreBatchSize {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	return entries, flush()
}

func verify(m *backup.PartitionManifest, entries, size int64, h hash.Hash) error {
	if entries != m.Entries {
		return fmt.Errorf("%w: %d entries, manifest says %d", ErrChecksumMismatch, entries, m.Entries)
	}
	if size != m.Size {
		return fmt.Errorf("%w: %d bytes, manifest says %d", ErrChecksumMismatch, size, m.Size)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != m.Checksum {
		return fmt.Errorf("%w: checksum %s, manifest says %s", ErrChecksumMismatch, sum, m.Checksum)
	}
	return nil
}

// VerifyExport reads an export stream without storing it and checks it
// against m.
func VerifyExport(ctx context.Context, m *backup.PartitionManifest, r io.Reader) error {
	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	dec := msgpack.NewDecoder(cr)

	var header exportHeader
	if err := header.decode(dec); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrChecksumMismatch, err)
	}
	if header.PartitionID != m.PartitionID || header.SnapshotID != m.SnapshotID {
		return fmt.Errorf("%w: header is for partition %d snapshot %d",
			ErrChecksumMismatch, header.PartitionID, header.SnapshotID)
	}
	var entries int64
	for {
		n, err := dec.DecodeArrayLen()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || n != 2 {
			return fmt.Errorf("%w: entry %d unreadable", ErrChecksumMismatch, entries)
		}
		if err := dec.Skip(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChecksumMismatch, entries, err)
		}
		if err := dec.Skip(); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChecksumMismatch, entries, err)
		}
		entries++
		if entries%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return err
	}
	return verify(m, entries, cr.n, h)
}
