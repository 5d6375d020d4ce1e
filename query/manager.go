package query

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fiscalhub/fiscsync/types"
)

// Fetcher loads the remote payload for one cache key.
type Fetcher func(ctx context.Context) (interface{}, error)

type Options struct {
	Enabled bool
	// RetryCount is the number of retries after the first failed
	// attempt. Zero means the manager default; a negative value
	// disables retries entirely.
	RetryCount int
	RetryDelay time.Duration
}

// Manager owns the singleflight group shared by every bound query, so
// at most one fetch is in flight per cache key no matter how many
// consumers activate or refetch concurrently.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	store        types.CacheStore
	metrics      types.MetricsManager
	flights      singleflight.Group
	defaultRetry int
	defaultDelay time.Duration
	stopped      atomic.Bool
}

func NewManager(ctx context.Context, logger types.Logger, store types.CacheStore, metrics types.MetricsManager, defaultRetry int) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		store:        store,
		metrics:      metrics,
		defaultRetry: defaultRetry,
		defaultDelay: 500 * time.Millisecond,
	}
}

// Bind creates a query over the given cache key. Binding performs no
// I/O; the first Activate on an enabled query does.
func (m *Manager) Bind(key string, fetcher Fetcher, opts Options) (*Query, error) {
	if m.stopped.Load() {
		return nil, types.ErrManagerStopped
	}
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	retryCount := opts.RetryCount
	if retryCount == 0 {
		retryCount = m.defaultRetry
	} else if retryCount < 0 {
		retryCount = 0
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = m.defaultDelay
	}

	q := &Query{
		manager:    m,
		key:        key,
		fetcher:    fetcher,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}
	q.enabled.Store(opts.Enabled)

	unsubscribe, err := m.store.Subscribe(key, q.onEntryChange)
	if err != nil {
		return nil, err
	}
	q.unwatch = unsubscribe

	return q, nil
}

func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		m.cancel()
	}
}

func (m *Manager) recordMetric(key, result string, duration time.Duration) {
	if m.metrics == nil {
		return
	}

	counter := m.metrics.Counter("query_fetches_total", map[string]string{
		"key":    key,
		"result": result,
	})
	counter.Inc()

	histogram := m.metrics.Histogram("query_fetch_duration_seconds",
		[]float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		map[string]string{"key": key},
	)
	histogram.Observe(duration.Seconds())
}
