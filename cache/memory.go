package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiscalhub/fiscsync/types"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	DefaultRetention     = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type memoryEntry struct {
	value       interface{}
	status      types.Status
	err         error
	stale       bool
	updatedAt   time.Time
	subscribers map[uint64]types.SubscriberFunc
	lastRelease time.Time
	pending     []pendingNotification
	notifying   bool
}

type pendingNotification struct {
	snapshot    types.Entry
	subscribers []types.SubscriberFunc
}

// MemoryStore is the in-process entity cache. All mutations for one key
// run synchronously under the store lock, which gives per-key
// receipt-order application. Subscriber callbacks fire outside the
// lock; snapshots are queued per key and delivered in application
// order, so a consumer never observes an older snapshot after a newer
// one.
type MemoryStore struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	retention       time.Duration
	sweepInterval   time.Duration
	data            map[string]*memoryEntry
	mu              sync.Mutex
	nextSubID       uint64
	state           atomic.Value
	stopSweep       chan struct{}
	sweepDone       chan struct{}
	shutdownTimeout time.Duration
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*MemoryStore, error) {
	retention := DefaultRetention
	sweepInterval := DefaultSweepInterval
	if config != nil {
		if config.Retention > 0 {
			retention = config.Retention
		}
		if config.SweepInterval > 0 {
			sweepInterval = config.SweepInterval
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:             storeCtx,
		cancel:          cancel,
		logger:          logger,
		retention:       retention,
		sweepInterval:   sweepInterval,
		data:            make(map[string]*memoryEntry),
		stopSweep:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Get(key string) (types.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		return types.Entry{}, false
	}

	return m.snapshotUnsafe(key, entry), true
}

func (m *MemoryStore) Set(key string, value interface{}) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	entry := m.ensureEntryUnsafe(key)
	entry.value = value
	entry.status = types.StatusSuccess
	entry.err = nil
	entry.stale = false
	entry.updatedAt = time.Now()
	drain := m.enqueueUnsafe(key, entry)
	m.mu.Unlock()

	if drain {
		m.flushNotifications(key)
	}
	return nil
}

func (m *MemoryStore) Apply(key string, update types.Updater) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if update == nil {
		return types.ErrCacheUpdaterIsNil
	}

	m.mu.Lock()
	entry := m.ensureEntryUnsafe(key)
	entry.value = update(entry.value)
	entry.status = types.StatusSuccess
	entry.err = nil
	entry.updatedAt = time.Now()
	drain := m.enqueueUnsafe(key, entry)
	m.mu.Unlock()

	if drain {
		m.flushNotifications(key)
	}
	return nil
}

func (m *MemoryStore) SetStatus(key string, status types.Status, err error) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	entry := m.ensureEntryUnsafe(key)
	entry.status = status
	entry.err = err
	if status == types.StatusSuccess {
		entry.err = nil
	}
	drain := m.enqueueUnsafe(key, entry)
	m.mu.Unlock()

	if drain {
		m.flushNotifications(key)
	}
	return nil
}

// Invalidate marks entries stale without discarding the displayed
// value. Active queries react by refetching in the background.
func (m *MemoryStore) Invalidate(keys ...string) error {
	for _, key := range keys {
		m.mu.Lock()
		entry, exists := m.data[key]
		if !exists {
			m.mu.Unlock()
			continue
		}
		entry.stale = true
		drain := m.enqueueUnsafe(key, entry)
		m.mu.Unlock()

		if drain {
			m.flushNotifications(key)
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(key string, fn types.SubscriberFunc) (func(), error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if fn == nil {
		return nil, types.ErrSubscriberIsNil
	}

	m.mu.Lock()
	entry := m.ensureEntryUnsafe(key)
	m.nextSubID++
	id := m.nextSubID
	entry.subscribers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if entry, exists := m.data[key]; exists {
				delete(entry.subscribers, id)
				if len(entry.subscribers) == 0 {
					entry.lastRelease = time.Now()
				}
			}
		})
	}

	return unsubscribe, nil
}

func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Cache store is already running")
		return types.ErrStoreAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	go m.sweepRoutine()

	m.logger.Info("Memory cache store started",
		zap.Duration("retention", m.retention),
		zap.Duration("sweep_interval", m.sweepInterval))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory cache store is not running")
		return types.ErrStoreNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case m.stopSweep <- struct{}{}:
		case <-time.After(time.Second):
		}

		select {
		case <-m.sweepDone:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Sweep routine stop timeout")
		}
		return nil
	})

	g.Go(func() error {
		m.mu.Lock()
		cleared := len(m.data)
		m.data = make(map[string]*memoryEntry)
		m.mu.Unlock()

		m.logger.Info("Memory cache store cleared", zap.Int("cleared_entries", cleared))
		return nil
	})

	if err := g.Wait(); err != nil {
		m.logger.Error("Error during cache store shutdown", zap.Error(err))
	} else {
		m.logger.Info("Memory cache store stopped gracefully")
	}

	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryStore) ensureEntryUnsafe(key string) *memoryEntry {
	entry, exists := m.data[key]
	if !exists {
		entry = &memoryEntry{
			status:      types.StatusIdle,
			subscribers: make(map[uint64]types.SubscriberFunc),
			lastRelease: time.Now(),
		}
		m.data[key] = entry
	}
	return entry
}

func (m *MemoryStore) snapshotUnsafe(key string, entry *memoryEntry) types.Entry {
	return types.Entry{
		Key:       key,
		Value:     entry.value,
		Status:    entry.status,
		Err:       entry.err,
		Stale:     entry.stale,
		UpdatedAt: entry.updatedAt,
	}
}

// enqueueUnsafe records the current snapshot for delivery. The caller
// drains only when no other goroutine already is, so one drainer exists
// per key at a time.
func (m *MemoryStore) enqueueUnsafe(key string, entry *memoryEntry) bool {
	if len(entry.subscribers) == 0 {
		return false
	}

	subscribers := make([]types.SubscriberFunc, 0, len(entry.subscribers))
	for _, fn := range entry.subscribers {
		subscribers = append(subscribers, fn)
	}
	entry.pending = append(entry.pending, pendingNotification{
		snapshot:    m.snapshotUnsafe(key, entry),
		subscribers: subscribers,
	})

	if entry.notifying {
		return false
	}
	entry.notifying = true
	return true
}

// flushNotifications delivers queued snapshots for one key in the order
// the mutations were applied.
func (m *MemoryStore) flushNotifications(key string) {
	for {
		m.mu.Lock()
		entry, exists := m.data[key]
		if !exists {
			m.mu.Unlock()
			return
		}
		if len(entry.pending) == 0 {
			entry.notifying = false
			m.mu.Unlock()
			return
		}
		next := entry.pending[0]
		entry.pending = entry.pending[1:]
		m.mu.Unlock()

		for _, fn := range next.subscribers {
			fn(next.snapshot)
		}
	}
}

func (m *MemoryStore) sweepRoutine() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evicts entries that have had no subscribers for longer than the
// retention window.
func (m *MemoryStore) sweep() {
	now := time.Now()

	m.mu.Lock()
	var evicted int
	for key, entry := range m.data {
		if len(entry.subscribers) == 0 && now.Sub(entry.lastRelease) > m.retention {
			delete(m.data, key)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("Retention sweep completed", zap.Int("evicted_entries", evicted))
	}
}
