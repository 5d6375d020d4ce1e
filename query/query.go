package query

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
)

// Query binds one cache key to one fetcher. Consumers call Activate
// when they mount and Refetch when they need fresh data; disabled
// queries never touch the network. Concurrent activations of the same
// key collapse into a single in-flight fetch through the manager's
// singleflight group, and every waiter receives that flight's result.
type Query struct {
	manager    *Manager
	key        string
	fetcher    Fetcher
	enabled    atomic.Bool
	retryCount int
	retryDelay time.Duration
	refetching atomic.Bool
	consumers  atomic.Int32
	unwatch    func()
	released   atomic.Bool
}

func (q *Query) Key() string {
	return q.key
}

// Entry returns the current cache snapshot for the bound key.
func (q *Query) Entry() (types.Entry, bool) {
	return q.manager.store.Get(q.key)
}

func (q *Query) Enabled() bool {
	return q.enabled.Load()
}

// SetEnabled flips the gate. Enabling a query with mounted consumers
// schedules a background activation so the entry gets populated without
// an explicit Refetch.
func (q *Query) SetEnabled(enabled bool) {
	previous := q.enabled.Swap(enabled)
	if !previous && enabled && q.consumers.Load() > 0 {
		go func() {
			if _, err := q.Activate(q.manager.ctx); err != nil && !types.IsError(err, types.ErrQueryDisabled) {
				q.manager.logger.Warn("Background activation failed",
					zap.String("key", q.key), zap.Error(err))
			}
		}()
	}
}

// Subscribe registers a consumer callback and counts it as a mounted
// consumer. The returned release function must be called on unmount.
func (q *Query) Subscribe(fn types.SubscriberFunc) (func(), error) {
	unsubscribe, err := q.manager.store.Subscribe(q.key, fn)
	if err != nil {
		return nil, err
	}

	q.consumers.Add(1)

	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			q.consumers.Add(-1)
			unsubscribe()
		}
	}
	return release, nil
}

// Activate runs the mount-time fetch: it loads the entry when nothing
// usable is cached and revalidates when the cached value is stale.
// A fresh successful entry short-circuits without network I/O.
func (q *Query) Activate(ctx context.Context) (types.Entry, error) {
	if !q.enabled.Load() {
		entry, _ := q.manager.store.Get(q.key)
		return entry, types.ErrQueryDisabled
	}

	entry, exists := q.manager.store.Get(q.key)
	if exists && entry.Status == types.StatusSuccess && !entry.Stale {
		return entry, nil
	}

	return q.fetch(ctx)
}

// Refetch always revalidates. While the flight is in progress the
// previous value stays visible with status refreshing.
func (q *Query) Refetch(ctx context.Context) (types.Entry, error) {
	if !q.enabled.Load() {
		entry, _ := q.manager.store.Get(q.key)
		return entry, types.ErrQueryDisabled
	}

	return q.fetch(ctx)
}

// Release detaches the query's stale watcher. The cache entry itself
// stays behind for the retention sweep to reclaim.
func (q *Query) Release() {
	if q.released.CompareAndSwap(false, true) && q.unwatch != nil {
		q.unwatch()
	}
}

// onEntryChange revalidates in the background when the entry is marked
// stale, typically by a push-channel invalidation or another replica.
func (q *Query) onEntryChange(entry types.Entry) {
	if !entry.Stale || !q.enabled.Load() || q.consumers.Load() == 0 {
		return
	}

	if !q.refetching.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer q.refetching.Store(false)

		if _, err := q.fetch(q.manager.ctx); err != nil {
			q.manager.logger.Warn("Stale revalidation failed",
				zap.String("key", q.key), zap.Error(err))
		}
	}()
}

// fetch joins or starts the singleflight for the key. Exactly one
// goroutine runs fetchAttempts per key at a time; the rest block on the
// shared result.
func (q *Query) fetch(ctx context.Context) (types.Entry, error) {
	_, err, _ := q.manager.flights.Do(q.key, func() (interface{}, error) {
		return q.fetchAttempts(ctx)
	})

	entry, _ := q.manager.store.Get(q.key)
	return entry, err
}

func (q *Query) fetchAttempts(ctx context.Context) (interface{}, error) {
	start := time.Now()

	status := types.StatusLoading
	if entry, exists := q.manager.store.Get(q.key); exists && entry.HasValue() {
		status = types.StatusRefreshing
	}
	if err := q.manager.store.SetStatus(q.key, status, nil); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= q.retryCount; attempt++ {
		if attempt > 0 {
			// Linear backoff between attempts.
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				q.finishError(lastErr, start)
				return nil, lastErr
			case <-time.After(q.retryDelay * time.Duration(attempt)):
			}
		}

		value, err := q.fetcher(ctx)
		if err == nil {
			if err := q.manager.store.Set(q.key, value); err != nil {
				q.finishError(err, start)
				return nil, err
			}
			q.manager.recordMetric(q.key, "success", time.Since(start))
			return value, nil
		}

		lastErr = err
		if types.IsError(err, context.Canceled) || types.IsError(err, types.ErrUnauthorized) {
			break
		}

		q.manager.logger.Debug("Fetch attempt failed",
			zap.String("key", q.key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if types.IsError(lastErr, context.Canceled) || types.IsError(lastErr, types.ErrUnauthorized) {
		q.finishError(lastErr, start)
		return nil, lastErr
	}

	exhausted := types.Errorf(types.ErrFetchExhausted, "after %d attempts: %v", q.retryCount+1, lastErr)
	q.finishError(exhausted, start)
	return nil, exhausted
}

func (q *Query) finishError(err error, start time.Time) {
	if setErr := q.manager.store.SetStatus(q.key, types.StatusError, err); setErr != nil {
		q.manager.logger.Error("Failed to record fetch error",
			zap.String("key", q.key), zap.Error(setErr))
	}
	q.manager.recordMetric(q.key, "error", time.Since(start))
}
