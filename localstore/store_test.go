package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{"sqlite": sqlite, "memory": NewMemory()}
}

func TestStoreBasicOperations(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "k", []byte("v1")))
			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			require.NoError(t, s.Put(ctx, "k", []byte("v2")))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, err = s.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, "k", func(current []byte) ([]byte, error) {
				require.Nil(t, current)
				return []byte("a"), nil
			})
			require.NoError(t, err)

			err = s.Update(ctx, "k", func(current []byte) ([]byte, error) {
				return nil, boom
			})
			require.ErrorIs(t, err, boom)
			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("a"), v)

			// nil result deletes the key
			require.NoError(t, s.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, nil }))
			_, err = s.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateJSONConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := UpdateJSON(ctx, s, "counter", func(n *int) error {
						*n++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			var n int
			ok, err := GetJSON(ctx, s, "counter", &n)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, 20, n)
		})
	}
}

func TestSQLiteFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, PutJSON(ctx, s, "doc", map[string]string{"a": "b"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var doc map[string]string
	ok, err := GetJSON(ctx, s, "doc", &doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", doc["a"])
}

func TestDefaultKeysNamespace(t *testing.T) {
	require.Equal(t, "sync.queue", DefaultKeys("").Queue)
	require.Equal(t, "team1.sync.flush_lock", DefaultKeys("team1").FlushLock)
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	key := DefaultKeys("").Device

	first, err := EnsureDeviceID(ctx, s, key)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureDeviceID(ctx, s, key)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
