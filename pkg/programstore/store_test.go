package programstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/objfile"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	bolt, err := Open(Config{Backend: BackendBolt, Path: filepath.Join(dir, "programs.db"), NoSync: true})
	require.NoError(t, err)
	bdg, err := Open(Config{Backend: BackendBadger, Path: filepath.Join(dir, "badger"), NoSync: true})
	require.NoError(t, err)
	mem, err := Open(Config{Backend: BackendMemory})
	require.NoError(t, err)

	stores := map[string]Store{"bolt": bolt, "badger": bdg, "memory": mem}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestPutGet(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			obj := []byte("\x7fELF object bytes for " + name)

			id, err := s.Put(obj)
			require.NoError(t, err)
			assert.Equal(t, types.ProgramIDOf(obj), id)

			got, err := s.Get(id)
			require.NoError(t, err)
			assert.Equal(t, obj, got)

			info, err := s.Stat(id)
			require.NoError(t, err)
			assert.Equal(t, id, info.ID)
			assert.Equal(t, len(obj), info.Size)
			assert.False(t, info.StoredAt.IsZero())

			// Idempotent.
			again, err := s.Put(obj)
			require.NoError(t, err)
			assert.Equal(t, id, again)
			infos, err := s.List()
			require.NoError(t, err)
			assert.Len(t, infos, 1)
		})
	}
}

func TestListAndDelete(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a, err := s.Put([]byte("object a"))
			require.NoError(t, err)
			b, err := s.Put([]byte("object b"))
			require.NoError(t, err)

			infos, err := s.List()
			require.NoError(t, err)
			require.Len(t, infos, 2)
			ids := []types.ProgramID{infos[0].ID, infos[1].ID}
			assert.ElementsMatch(t, []types.ProgramID{a, b}, ids)

			require.NoError(t, s.Delete(a))
			assert.ErrorIs(t, s.Delete(a), ErrNotFound)

			_, err = s.Get(a)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Stat(a)
			assert.ErrorIs(t, err, ErrNotFound)

			infos, err = s.List()
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, b, infos[0].ID)
		})
	}
}

func TestClosed(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Put([]byte("x"))
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.Get(types.ProgramID{})
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.List()
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestPutTooLarge(t *testing.T) {
	s, err := Open(Config{Backend: BackendMemory})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(make([]byte, objfile.MaxObjectSize+1))
	assert.ErrorIs(t, err, objfile.ErrTooLarge)
}

func TestBoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.db")
	cfg := DefaultConfig(path)

	s, err := OpenBolt(cfg)
	require.NoError(t, err)
	id, err := s.Put([]byte("persistent object"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent object"), got)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "sqlite"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
