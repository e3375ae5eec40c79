// Package local_test tests the local filesystem record store.
package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/hash/sha256"
	"github.com/markolofsen/unrealon-sdk/internal/parser"
	"github.com/markolofsen/unrealon-sdk/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := local.Config{RootDir: t.TempDir(), Session: "books"}
		store, err := local.New(cfg, nil)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingSession", func(t *testing.T) {
		cfg := local.Config{RootDir: t.TempDir()}
		_, err := local.New(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("CreatesSessionDir", func(t *testing.T) {
		root := t.TempDir()
		_, err := local.New(local.Config{RootDir: root, Session: "books"}, nil)
		require.NoError(t, err)

		info, err := os.Stat(filepath.Join(root, "books"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("SessionDirIsNotADirectory", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "books"), []byte("x"), 0o600))

		_, err := local.New(local.Config{RootDir: root, Session: "books"}, nil)
		assert.Error(t, err)
	})

	t.Run("SessionDirNotWritable", func(t *testing.T) {
		root := t.TempDir()
		sessionDir := filepath.Join(root, "books")
		require.NoError(t, os.MkdirAll(sessionDir, 0o750))
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(sessionDir, 0o500))

		_, err := local.New(local.Config{RootDir: root, Session: "books"}, nil)
		assert.Error(t, err)

		// Change back to writable so cleanup can happen.
		// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
		require.NoError(t, os.Chmod(sessionDir, 0o700))
	})
}

func TestSaveAndLoad(t *testing.T) {
	root := t.TempDir()
	store, err := local.New(local.Config{RootDir: root, Session: "books"}, sha256.New())
	require.NoError(t, err)

	rec := delivery.Record{"id": "bk-1", "title": "Dune"}
	path, err := store.Save(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "books", "bk-1.json"), path)

	// The file carries the payload plus the save stamps.
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "Dune", onDisk["title"])
	assert.NotEmpty(t, onDisk["_saved_at"])
	assert.NotEmpty(t, onDisk["_hash"])

	loaded, err := store.Load(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", loaded["title"])
}

func TestSaveRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{RootDir: t.TempDir(), Session: "books"}, nil)
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", `..\escape`, "a/b"} {
		_, err := store.Save(context.Background(), delivery.Record{"id": id})
		assert.Error(t, err, "id %q", id)
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := local.New(local.Config{RootDir: t.TempDir(), Session: "books"}, nil)
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, parser.ErrNotFound)
}

func TestExists(t *testing.T) {
	store, err := local.New(local.Config{RootDir: t.TempDir(), Session: "books"}, nil)
	require.NoError(t, err)

	ok, err := store.Exists(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Save(context.Background(), delivery.Record{"id": "bk-1"})
	require.NoError(t, err)

	ok, err = store.Exists(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListIDs(t *testing.T) {
	store, err := local.New(local.Config{RootDir: t.TempDir(), Session: "books"}, nil)
	require.NoError(t, err)

	for _, id := range []string{"bk-1", "bk-2", "bk-3"} {
		_, err := store.Save(context.Background(), delivery.Record{"id": id})
		require.NoError(t, err)
	}

	ids, err := store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bk-1", "bk-2", "bk-3"}, ids)
}

func TestStatsAndClear(t *testing.T) {
	store, err := local.New(local.Config{RootDir: t.TempDir(), Session: "books"}, nil)
	require.NoError(t, err)

	for _, id := range []string{"bk-1", "bk-2"} {
		_, err := store.Save(context.Background(), delivery.Record{"id": id})
		require.NoError(t, err)
	}

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Positive(t, stats.Bytes)

	removed, err := store.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err = store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, parser.StoreStats{}, stats)
}
