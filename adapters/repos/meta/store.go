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

package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/partition"
)

// FileName is the name of the bolt file inside the coordinator directory.
const FileName = "meta.db"

var (
	bucketBackups  = []byte("backups")
	bucketProgress = []byte("progress")
	keyFrontier    = []byte("frontier")
	keyWriteSnap   = []byte("write_snapshot")
	keyConfig      = []byte("config")

	_Version = 1
)

type config struct {
	Version int
}

// Frontier is the persisted view of the coordinator: the published frontier
// and the last progress known for every partition.
type Frontier struct {
	Epoch      uint64               `json:"epoch"`
	Frontier   int64                `json:"frontier"`
	Partitions []partition.Progress `json:"partitions"`
	SavedAt    time.Time            `json:"saved_at"`
}

// Store persists coordinator metadata: backup descriptors and progress.
// It never holds partition data.
type Store struct {
	path string
	log  logrus.FieldLogger
	db   *bolt.DB
}

// Open opens or creates the metadata store at dir/meta.db.
func Open(dir string, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create root directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBackups, bucketProgress} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		b := tx.Bucket(bucketProgress)
		if data := b.Get(keyConfig); len(data) > 0 {
			var cfg config
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("cannot read config: %w", err)
			}
			if cfg.Version > _Version {
				return fmt.Errorf("meta store version %d is newer than supported %d", cfg.Version, _Version)
			}
			return nil
		}
		data, _ := json.Marshal(config{Version: _Version})
		return b.Put(keyConfig, data)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init %q: %w", path, err)
	}
	return &Store{path: path, log: logger, db: db}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

// NextBackupID returns a new, strictly increasing backup id. Ids are never
// reused, even after failures or deletes.
func (s *Store) NextBackupID() (int64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketBackups).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("next backup id: %w", err)
	}
	return int64(id), nil
}

// PutBackup creates or replaces the descriptor with the same id.
func (s *Store) PutBackup(d *backup.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal backup %d: %w", d.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		// keep the sequence ahead of imported ids
		if seq := b.Sequence(); uint64(d.ID) > seq {
			if err := b.SetSequence(uint64(d.ID)); err != nil {
				return err
			}
		}
		return b.Put(idKey(d.ID), data)
	})
}

func (s *Store) GetBackup(id int64) (*backup.Descriptor, error) {
	var d *backup.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get(idKey(id))
		if data == nil {
			return backup.NewErrNotFound(fmt.Errorf("backup %d", id))
		}
		d = &backup.Descriptor{}
		return json.Unmarshal(data, d)
	})
	return d, err
}

// ListBackups returns every descriptor ordered by id.
func (s *Store) ListBackups() ([]*backup.Descriptor, error) {
	var out []*backup.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			d := &backup.Descriptor{}
			if err := json.Unmarshal(v, d); err != nil {
				return fmt.Errorf("unmarshal backup %x: %w", k, err)
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveFrontier persists the coordinator's progress view.
func (s *Store) SaveFrontier(f Frontier) error {
	f.SavedAt = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).Put(keyFrontier, data)
	})
}

// LoadFrontier returns the last saved progress view. ok is false if none
// was saved yet.
func (s *Store) LoadFrontier() (f Frontier, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProgress).Get(keyFrontier)
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &f)
	})
	return f, ok, err
}

// ReserveWriteSnapshot durably records that the frontend may hand out
// snapshot ids up to s. It never lowers the reservation.
func (s *Store) ReserveWriteSnapshot(snapshot int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProgress)
		if cur := b.Get(keyWriteSnap); len(cur) == 8 && int64(binary.BigEndian.Uint64(cur)) >= snapshot {
			return nil
		}
		return b.Put(keyWriteSnap, binary.BigEndian.AppendUint64(nil, uint64(snapshot)))
	})
}

// WriteSnapshotReservation returns the highest reserved write snapshot, or 0.
func (s *Store) WriteSnapshotReservation() (int64, error) {
	var snapshot int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if cur := tx.Bucket(bucketProgress).Get(keyWriteSnap); len(cur) == 8 {
			snapshot = int64(binary.BigEndian.Uint64(cur))
		}
		return nil
	})
	return snapshot, err
}
