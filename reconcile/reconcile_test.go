package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/logger"
	"github.com/fiscalhub/fiscsync/types"
)

func newReconcileStore(t *testing.T) types.CacheStore {
	t.Helper()

	store, err := cache.NewMemoryStore(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)
	return store
}

func TestNewManagerValidation(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store := newReconcileStore(t)

	_, err := NewManager(context.Background(), log, nil, store)
	assert.ErrorIs(t, err, types.ErrReconcileDisabled)

	_, err = NewManager(context.Background(), log, &types.ReconcileConfig{Enabled: false}, store)
	assert.ErrorIs(t, err, types.ErrReconcileDisabled)

	_, err = NewManager(context.Background(), log, &types.ReconcileConfig{Enabled: true}, store)
	assert.ErrorIs(t, err, types.ErrReconcileScheduleEmpty)

	_, err = NewManager(context.Background(), log,
		&types.ReconcileConfig{Enabled: true, Schedule: "not a schedule"}, store)
	assert.Error(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store := newReconcileStore(t)

	manager, err := NewManager(context.Background(), log,
		&types.ReconcileConfig{Enabled: true, Schedule: "@every 1h", Timezone: "UTC"}, store)
	require.NoError(t, err)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrReconcileAlreadyRunning)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
}

func TestRunInvalidatesConfiguredKeys(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store := newReconcileStore(t)
	require.NoError(t, store.Set("transactions", "v"))
	require.NoError(t, store.Set("reports", "v"))

	manager, err := NewManager(context.Background(), log,
		&types.ReconcileConfig{
			Enabled:  true,
			Schedule: "@every 1h",
			Keys:     []string{"transactions"},
		}, store)
	require.NoError(t, err)

	manager.run()

	entry, _ := store.Get("transactions")
	assert.True(t, entry.Stale)

	entry, _ = store.Get("reports")
	assert.False(t, entry.Stale, "keys outside the configured set are untouched")
}

func TestRunWithoutKeysInvalidatesEverything(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	store := newReconcileStore(t)
	require.NoError(t, store.Set("transactions", "v"))
	require.NoError(t, store.Set("reports", "v"))

	manager, err := NewManager(context.Background(), log,
		&types.ReconcileConfig{Enabled: true, Schedule: "@every 1h"}, store)
	require.NoError(t, err)

	manager.run()

	for _, key := range store.Keys() {
		entry, _ := store.Get(key)
		assert.True(t, entry.Stale, "key %s", key)
	}
}
