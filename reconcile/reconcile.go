package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager periodically marks configured cache keys stale so long-lived
// sessions converge even if a push event was missed. It never fetches;
// active queries pick the invalidation up and revalidate themselves.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	config   *types.ReconcileConfig
	store    types.CacheStore
	cron     *cron.Cron
	timezone *time.Location
	state    atomic.Value
}

func NewManager(ctx context.Context, logger types.Logger, config *types.ReconcileConfig, store types.CacheStore) (*Manager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrReconcileDisabled
	}
	if config.Schedule == "" {
		return nil, types.ErrReconcileScheduleEmpty
	}

	timezone, err := time.LoadLocation(config.Timezone)
	if err != nil {
		timezone = time.UTC
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
		config: config,
		store:  store,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithChain(cron.Recover(cronLogger{logger: logger})),
		),
		timezone: timezone,
	}

	manager.state.Store(StateStopped)

	if _, err := manager.cron.AddFunc(config.Schedule, manager.run); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to schedule reconcile job")
	}

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrReconcileAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.cron.Start()

	m.logger.Info("Reconcile manager started",
		zap.String("schedule", m.config.Schedule),
		zap.String("timezone", m.timezone.String()),
		zap.Strings("keys", m.config.Keys))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.cancel()
	}()

	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		m.logger.Warn("Reconcile job stop timeout")
	}

	m.logger.Info("Reconcile manager stopped gracefully")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// run invalidates the configured keys, or every cached key when none
// are configured.
func (m *Manager) run() {
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	keys := m.config.Keys
	if len(keys) == 0 {
		keys = m.store.Keys()
	}
	if len(keys) == 0 {
		return
	}

	if err := m.store.Invalidate(keys...); err != nil {
		m.logger.Error("Reconcile invalidation failed", zap.Error(err))
		return
	}

	m.logger.Debug("Reconcile invalidation completed", zap.Int("keys", len(keys)))
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
