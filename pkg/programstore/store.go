// Package programstore persists object files keyed by their ProgramID.
//
// Objects are stored zstd-compressed alongside a small metadata record.
// Two backends are provided: BoltStore (single file, bbolt) and
// BadgerStore (LSM directory, badger; also usable purely in memory).
package programstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/objfile"
)

var (
	// ErrNotFound is returned when no object is stored under an ID.
	ErrNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend.
	ErrUnknownBackend = errors.New("unknown program store backend")

	// ErrCorruptRecord is returned when stored metadata cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt program record")
)

// Backends.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Info describes a stored object.
type Info struct {
	ID       types.ProgramID
	Size     int
	StoredAt time.Time
}

// Store is a content-addressed store of object files.
type Store interface {
	// Put stores data and returns its ID. Storing the same bytes twice is a
	// no-op.
	Put(data []byte) (types.ProgramID, error)
	Get(id types.ProgramID) ([]byte, error)
	Stat(id types.ProgramID) (Info, error)
	List() ([]Info, error)
	Delete(id types.ProgramID) error
	Close() error
}

// Config holds program store configuration options.
type Config struct {
	// Backend selects the implementation: bolt, badger or memory.
	Backend string

	// Path is the database file (bolt) or directory (badger).
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// Logger receives backend diagnostics.
	Logger log.Logger
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Backend: BackendBolt,
		Path:    path,
		NoSync:  false,
		Logger:  log.NewNopLogger(),
	}
}

// Open opens the store selected by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendBolt:
		return OpenBolt(cfg)
	case BackendBadger:
		return OpenBadger(cfg, false)
	case BackendMemory:
		return OpenBadger(cfg, true)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// record is the metadata stored next to each object.
type record struct {
	size     uint64
	storedAt int64 // unix nanoseconds
}

const recordSize = 16

func (r record) encode() []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.size)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.storedAt))
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) != recordSize {
		return record{}, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(buf))
	}
	return record{
		size:     binary.LittleEndian.Uint64(buf[0:8]),
		storedAt: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

func (r record) info(id types.ProgramID) Info {
	return Info{ID: id, Size: int(r.size), StoredAt: time.Unix(0, r.storedAt).UTC()}
}

// prepare validates and compresses an object for storage.
func prepare(data []byte) (types.ProgramID, []byte, record, error) {
	if len(data) > objfile.MaxObjectSize {
		return types.ProgramID{}, nil, record{}, objfile.ErrTooLarge
	}
	compressed, err := objfile.Compress(data)
	if err != nil {
		return types.ProgramID{}, nil, record{}, fmt.Errorf("compress: %w", err)
	}
	rec := record{size: uint64(len(data)), storedAt: time.Now().UnixNano()}
	return types.ProgramIDOf(data), compressed, rec, nil
}

func decodeObject(id types.ProgramID, stored []byte) ([]byte, error) {
	data, err := objfile.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return data, nil
}
