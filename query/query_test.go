package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/logger"
	"github.com/fiscalhub/fiscsync/types"
)

func newTestManager(t *testing.T) (*Manager, types.CacheStore) {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	store, err := cache.NewMemoryStore(context.Background(), log, nil)
	require.NoError(t, err)

	manager := NewManager(context.Background(), log, store, nil, 0)
	t.Cleanup(manager.Stop)

	return manager, store
}

func TestBindValidation(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Bind("", func(context.Context) (interface{}, error) { return nil, nil }, Options{})
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)

	_, err = manager.Bind("key", nil, Options{})
	assert.ErrorIs(t, err, types.ErrFetcherIsNil)
}

func TestConcurrentActivationsShareOneFetch(t *testing.T) {
	manager, _ := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("transactions", func(context.Context) (interface{}, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []types.Record{{"id": "1"}}, nil
	}, Options{Enabled: true})
	require.NoError(t, err)
	defer q.Release()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := q.Activate(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, types.StatusSuccess, entry.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestActivateSkipsFreshEntry(t *testing.T) {
	manager, store := newTestManager(t)
	require.NoError(t, store.Set("transactions", []types.Record{{"id": "1"}}))

	var calls atomic.Int32
	q, err := manager.Bind("transactions", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}, Options{Enabled: true})
	require.NoError(t, err)
	defer q.Release()

	entry, err := q.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, entry.Status)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDisabledQueryNeverFetches(t *testing.T) {
	manager, _ := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("transactions", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}, Options{Enabled: false})
	require.NoError(t, err)
	defer q.Release()

	_, err = q.Activate(context.Background())
	assert.ErrorIs(t, err, types.ErrQueryDisabled)

	_, err = q.Refetch(context.Background())
	assert.ErrorIs(t, err, types.ErrQueryDisabled)

	assert.Equal(t, int32(0), calls.Load())
}

func TestRefetchKeepsPreviousValueWhileInFlight(t *testing.T) {
	manager, store := newTestManager(t)
	require.NoError(t, store.Set("stats", "old"))

	release := make(chan struct{})
	q, err := manager.Bind("stats", func(context.Context) (interface{}, error) {
		<-release
		return "new", nil
	}, Options{Enabled: true})
	require.NoError(t, err)
	defer q.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Refetch(context.Background())
	}()

	require.Eventually(t, func() bool {
		entry, _ := store.Get("stats")
		return entry.Status == types.StatusRefreshing
	}, time.Second, 5*time.Millisecond)

	entry, _ := store.Get("stats")
	assert.Equal(t, "old", entry.Value, "previous value stays visible during refetch")

	close(release)
	<-done

	entry, _ = store.Get("stats")
	assert.Equal(t, "new", entry.Value)
	assert.Equal(t, types.StatusSuccess, entry.Status)
}

func TestFetchRetriesWithLinearBackoff(t *testing.T) {
	manager, _ := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("flaky", func(context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewErrorf("transient failure")
		}
		return "ok", nil
	}, Options{Enabled: true, RetryCount: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Release()

	entry, err := q.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", entry.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchExhaustionSetsErrorStatus(t *testing.T) {
	manager, store := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("broken", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, types.NewErrorf("backend down")
	}, Options{Enabled: true, RetryCount: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Release()

	_, err = q.Activate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFetchExhausted)
	assert.Equal(t, int32(3), calls.Load())

	entry, _ := store.Get("broken")
	assert.Equal(t, types.StatusError, entry.Status)
	assert.ErrorIs(t, entry.Err, types.ErrFetchExhausted)
}

func TestNegativeRetryCountDisablesRetries(t *testing.T) {
	manager, _ := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("once", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, types.NewErrorf("backend down")
	}, Options{Enabled: true, RetryCount: -1, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Release()

	_, err = q.Activate(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "negative retry count requests a single attempt")
}

func TestUnauthorizedStopsRetrying(t *testing.T) {
	manager, _ := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("secured", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, &types.RequestError{Status: 401}
	}, Options{Enabled: true, RetryCount: 5, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Release()

	_, err = q.Activate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load(), "credential failures are not retried")
}

func TestInvalidationTriggersBackgroundRefetch(t *testing.T) {
	manager, store := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("transactions", func(context.Context) (interface{}, error) {
		n := calls.Add(1)
		if n == 1 {
			return "first", nil
		}
		return "second", nil
	}, Options{Enabled: true})
	require.NoError(t, err)
	defer q.Release()

	releaseConsumer, err := q.Subscribe(func(types.Entry) {})
	require.NoError(t, err)
	defer releaseConsumer()

	_, err = q.Activate(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Invalidate("transactions"))

	require.Eventually(t, func() bool {
		entry, _ := store.Get("transactions")
		return entry.Value == "second" && !entry.Stale
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidationWithoutConsumersDoesNotRefetch(t *testing.T) {
	manager, store := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("transactions", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return "value", nil
	}, Options{Enabled: true})
	require.NoError(t, err)
	defer q.Release()

	_, err = q.Activate(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Invalidate("transactions"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetEnabledActivatesMountedConsumers(t *testing.T) {
	manager, store := newTestManager(t)

	var calls atomic.Int32
	q, err := manager.Bind("lazy", func(context.Context) (interface{}, error) {
		calls.Add(1)
		return "loaded", nil
	}, Options{Enabled: false})
	require.NoError(t, err)
	defer q.Release()

	releaseConsumer, err := q.Subscribe(func(types.Entry) {})
	require.NoError(t, err)
	defer releaseConsumer()

	q.SetEnabled(true)

	require.Eventually(t, func() bool {
		entry, ok := store.Get("lazy")
		return ok && entry.Value == "loaded"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
