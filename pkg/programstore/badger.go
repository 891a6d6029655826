package programstore

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/bpfvm/internal/types"
)

// Key prefixes.
var (
	prefixObject = []byte{'o'}
	prefixMeta   = []byte{'m'}
)

// BadgerStore is a badger-backed Store.
type BadgerStore struct {
	db     *badger.DB
	logger log.Logger

	closed atomic.Bool
}

// OpenBadger opens a badger database in the cfg.Path directory, or a purely
// in-memory one when inMemory is set.
func OpenBadger(cfg Config, inMemory bool) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	opts := badger.DefaultOptions(cfg.Path).WithSyncWrites(!cfg.NoSync)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithNumCompactors(2).
		WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	level.Debug(logger).Log("msg", "opened program store", "backend", BackendBadger, "path", cfg.Path, "in_memory", inMemory)
	return &BadgerStore{db: db, logger: logger}, nil
}

func objectKey(id types.ProgramID) []byte {
	return append(append([]byte{}, prefixObject...), id[:]...)
}

func metaKey(id types.ProgramID) []byte {
	return append(append([]byte{}, prefixMeta...), id[:]...)
}

// Put implements Store.
func (s *BadgerStore) Put(data []byte) (types.ProgramID, error) {
	id, compressed, rec, err := prepare(data)
	if err != nil {
		return id, err
	}
	if s.closed.Load() {
		return id, ErrClosed
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(id))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(objectKey(id), compressed); err != nil {
			return err
		}
		return txn.Set(metaKey(id), rec.encode())
	})
	if err != nil {
		return id, fmt.Errorf("put %s: %w", id, err)
	}
	level.Debug(s.logger).Log("msg", "stored program", "id", id, "size", len(data), "compressed", len(compressed))
	return id, nil
}

// Get implements Store.
func (s *BadgerStore) Get(id types.ProgramID) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var stored []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeObject(id, stored)
}

// Stat implements Store.
func (s *BadgerStore) Stat(id types.ProgramID) (Info, error) {
	if s.closed.Load() {
		return Info{}, ErrClosed
	}

	var info Info
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err := decodeRecord(val)
			if err != nil {
				return err
			}
			info = rec.info(id)
			return nil
		})
	})
	return info, err
}

// List implements Store. Entries are ordered by storage time.
func (s *BadgerStore) List() ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var infos []Info
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMeta
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, err := types.ProgramIDFromBytes(item.Key()[len(prefixMeta):])
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorruptRecord, item.Key())
			}
			err = item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				infos = append(infos, rec.info(id))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortInfos(infos)
	return infos, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(id types.ProgramID) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(objectKey(id)); err != nil {
			return err
		}
		return txn.Delete(metaKey(id))
	})
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// badgerLogger forwards badger's printf-style logging to a go-kit logger.
type badgerLogger struct {
	logger log.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	level.Error(l.logger).Log("component", "badger", "msg", strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	level.Warn(l.logger).Log("component", "badger", "msg", strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	level.Info(l.logger).Log("component", "badger", "msg", strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	level.Debug(l.logger).Log("component", "badger", "msg", strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}
