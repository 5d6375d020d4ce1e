package cache

import (
	"context"
	"time"

	"github.com/fiscalhub/fiscsync/types"
)

var customStoreCreators = make(map[string]types.CacheStoreCreator)

func RegisterCacheStore(backendName string, creator types.CacheStoreCreator) {
	customStoreCreators[backendName] = creator
}

// NewCacheStore builds the configured backend and wraps it with metrics
// instrumentation when a metrics manager is present.
func NewCacheStore(ctx context.Context, logger types.Logger, config *types.CacheConfig, metrics types.MetricsManager) (types.CacheStore, error) {
	backend := "memory"
	if config != nil && config.Backend != "" {
		backend = config.Backend
	}

	var impl types.CacheStore
	var err error

	switch backend {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, config)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, config)
	default:
		if creator, exists := customStoreCreators[backend]; exists {
			impl, err = creator(config)
		} else {
			return nil, types.Errorf(types.ErrCacheBackendUnknown, "backend: %s", backend)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return &instrumentedStore{impl: impl, metrics: metrics}, nil
}

type instrumentedStore struct {
	impl    types.CacheStore
	metrics types.MetricsManager
}

func (s *instrumentedStore) Get(key string) (types.Entry, bool) {
	start := time.Now()
	entry, exists := s.impl.Get(key)

	result := "miss"
	if exists {
		result = "hit"
	}

	s.recordMetric("get", result, time.Since(start))
	return entry, exists
}

func (s *instrumentedStore) Set(key string, value interface{}) error {
	start := time.Now()
	err := s.impl.Set(key, value)
	s.recordMetric("set", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Apply(key string, update types.Updater) error {
	start := time.Now()
	err := s.impl.Apply(key, update)
	s.recordMetric("apply", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) SetStatus(key string, status types.Status, err error) error {
	return s.impl.SetStatus(key, status, err)
}

func (s *instrumentedStore) Invalidate(keys ...string) error {
	start := time.Now()
	err := s.impl.Invalidate(keys...)
	s.recordMetric("invalidate", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Subscribe(key string, fn types.SubscriberFunc) (func(), error) {
	return s.impl.Subscribe(key, fn)
}

func (s *instrumentedStore) Keys() []string {
	return s.impl.Keys()
}

func (s *instrumentedStore) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	counter := s.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()

	histogram := s.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	histogram.Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
