package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ostafen/clover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/logger"
	"github.com/fiscalhub/fiscsync/types"
)

func newTestCache(t *testing.T) types.CacheStore {
	t.Helper()

	store, err := cache.NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)
	return store
}

func newTestSnapshot(t *testing.T, path string) *Store {
	t.Helper()

	store, err := NewStore(context.Background(), logger.NewZapWrapper(zap.NewNop()),
		&types.SnapshotConfig{Enabled: true, Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() {
		if store.IsRunning() {
			_ = store.Stop()
		}
	})
	return store
}

func TestNewStoreDisabled(t *testing.T) {
	_, err := NewStore(context.Background(), logger.NewZapWrapper(zap.NewNop()),
		&types.SnapshotConfig{Enabled: false})
	assert.ErrorIs(t, err, types.ErrSnapshotDisabled)

	_, err = NewStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil)
	assert.ErrorIs(t, err, types.ErrSnapshotDisabled)
}

func TestPersistAndRestoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	source := newTestCache(t)
	require.NoError(t, source.Set("transactions", []interface{}{
		map[string]interface{}{"id": "1", "amount": float64(500)},
	}))
	require.NoError(t, source.Set("dashboard/statistics", map[string]interface{}{
		"total": float64(12),
	}))

	snap := newTestSnapshot(t, path)
	require.NoError(t, snap.Persist(source))
	require.NoError(t, snap.Stop())

	restoredSnap := newTestSnapshot(t, path)
	target := newTestCache(t)
	require.NoError(t, restoredSnap.Restore(target))

	entry, ok := target.Get("transactions")
	require.True(t, ok)
	assert.True(t, entry.HasValue())
	assert.True(t, entry.Stale, "restored entries revalidate in the background")

	stats, ok := target.Get("dashboard/statistics")
	require.True(t, ok)
	value, ok := stats.Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(12), value["total"])
}

func TestPersistSkipsEntriesWithoutValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	source := newTestCache(t)
	require.NoError(t, source.SetStatus("loading-key", types.StatusLoading, nil))
	require.NoError(t, source.Set("good-key", "value"))

	snap := newTestSnapshot(t, path)
	require.NoError(t, snap.Persist(source))

	target := newTestCache(t)
	require.NoError(t, snap.Restore(target))

	_, ok := target.Get("loading-key")
	assert.False(t, ok)

	entry, ok := target.Get("good-key")
	require.True(t, ok)
	assert.Equal(t, "value", entry.Value)
}

func TestRestoreSkipsCorruptedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	source := newTestCache(t)
	require.NoError(t, source.Set("good-key", "value"))

	snap := newTestSnapshot(t, path)
	require.NoError(t, snap.Persist(source))

	broken := clover.NewDocument()
	broken.Set("key", "broken-key")
	broken.Set("value", "{not json")
	require.NoError(t, snap.db.Insert(snap.collectionName(), broken))

	target := newTestCache(t)
	require.NoError(t, snap.Restore(target), "corrupted documents are skipped, not fatal")

	_, ok := target.Get("broken-key")
	assert.False(t, ok)

	entry, ok := target.Get("good-key")
	require.True(t, ok)
	assert.Equal(t, "value", entry.Value)
}

func TestRestoreWithoutSnapshotIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	snap := newTestSnapshot(t, path)
	target := newTestCache(t)

	require.NoError(t, snap.Restore(target))
	assert.Empty(t, target.Keys())
}

func TestPersistReplacesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	snap := newTestSnapshot(t, path)

	first := newTestCache(t)
	require.NoError(t, first.Set("old-key", "old"))
	require.NoError(t, snap.Persist(first))

	second := newTestCache(t)
	require.NoError(t, second.Set("new-key", "new"))
	require.NoError(t, snap.Persist(second))

	target := newTestCache(t)
	require.NoError(t, snap.Restore(target))

	_, ok := target.Get("old-key")
	assert.False(t, ok)
	_, ok = target.Get("new-key")
	assert.True(t, ok)
}
