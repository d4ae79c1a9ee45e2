package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)

	lite, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state", "taskroute.db"))
	require.NoError(t, err)

	all := map[string]Store{
		"memory": NewMemory(),
		"dir":    dir,
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, "ledger/ollama/llama3.2:3b", []byte("one")))
			require.NoError(t, s.Put(ctx, "ledger/openai/gpt-4o", []byte("two")))
			require.NoError(t, s.Put(ctx, "ledger/usage", []byte("{}")))
			require.NoError(t, s.Put(ctx, "other", []byte("x")))

			v, ok, err := s.Get(ctx, "ledger/ollama/llama3.2:3b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "one", string(v))

			require.NoError(t, s.Put(ctx, "ledger/openai/gpt-4o", []byte("three")))
			v, _, err = s.Get(ctx, "ledger/openai/gpt-4o")
			require.NoError(t, err)
			assert.Equal(t, "three", string(v))

			keys, err := s.Keys(ctx, "ledger/")
			require.NoError(t, err)
			assert.Equal(t, []string{"ledger/ollama/llama3.2:3b", "ledger/openai/gpt-4o", "ledger/usage"}, keys)

			all, err := s.Keys(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			require.NoError(t, s.Delete(ctx, "other"))
			require.NoError(t, s.Delete(ctx, "other"))
			_, ok, err = s.Get(ctx, "other")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDirPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	first, err := NewDir(base)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "a/b", []byte("v")))

	second, err := NewDir(base)
	require.NoError(t, err)
	v, ok, err := second.Get(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestSQLitePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "k", []byte("v")))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	v, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Put(context.Background(), "k", nil), ErrClosed)
}
