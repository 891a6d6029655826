package programstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bpfvm/internal/types"
)

// Bucket names for BoltDB.
var (
	// bucketObjects stores compressed object bytes keyed by ID.
	bucketObjects = []byte("objects")

	// bucketMeta stores the metadata record keyed by ID.
	bucketMeta = []byte("meta")
)

// BoltStore is a bbolt-backed Store.
type BoltStore struct {
	db     *bolt.DB
	logger log.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a bolt database at cfg.Path.
func OpenBolt(cfg Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &BoltStore{db: db, logger: logger}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	level.Debug(logger).Log("msg", "opened program store", "backend", BackendBolt, "path", cfg.Path)
	return s, nil
}

// Put implements Store.
func (s *BoltStore) Put(data []byte) (types.ProgramID, error) {
	id, compressed, rec, err := prepare(data)
	if err != nil {
		return id, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return id, ErrClosed
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta.Get(id[:]) != nil {
			return nil
		}
		if err := tx.Bucket(bucketObjects).Put(id[:], compressed); err != nil {
			return err
		}
		return meta.Put(id[:], rec.encode())
	})
	if err != nil {
		return id, fmt.Errorf("put %s: %w", id, err)
	}
	level.Debug(s.logger).Log("msg", "stored program", "id", id, "size", len(data), "compressed", len(compressed))
	return id, nil
}

// Get implements Store.
func (s *BoltStore) Get(id types.ProgramID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var stored []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		// Bolt values are only valid inside the transaction.
		stored = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeObject(id, stored)
}

// Stat implements Store.
func (s *BoltStore) Stat(id types.ProgramID) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Info{}, ErrClosed
	}

	var info Info
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		info = rec.info(id)
		return nil
	})
	return info, err
}

// List implements Store. Entries are ordered by storage time.
func (s *BoltStore) List() ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var infos []Info
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			id, err := types.ProgramIDFromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorruptRecord, k)
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			infos = append(infos, rec.info(id))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortInfos(infos)
	return infos, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(id types.ProgramID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta.Get(id[:]) == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketObjects).Delete(id[:]); err != nil {
			return err
		}
		return meta.Delete(id[:])
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StoredAt.Equal(infos[j].StoredAt) {
			return infos[i].StoredAt.Before(infos[j].StoredAt)
		}
		return bytes.Compare(infos[i].ID[:], infos[j].ID[:]) < 0
	})
}
