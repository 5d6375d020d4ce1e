package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/channel"
	"github.com/fiscalhub/fiscsync/config"
	"github.com/fiscalhub/fiscsync/feed"
	"github.com/fiscalhub/fiscsync/gateway"
	"github.com/fiscalhub/fiscsync/logger"
	"github.com/fiscalhub/fiscsync/metrics"
	"github.com/fiscalhub/fiscsync/query"
	"github.com/fiscalhub/fiscsync/reconcile"
	"github.com/fiscalhub/fiscsync/session"
	"github.com/fiscalhub/fiscsync/snapshot"
	"github.com/fiscalhub/fiscsync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Feed pairs a registered binding with its bound query and push
// channel.
type Feed struct {
	Binding feed.Binding
	Query   *query.Query
	Channel *channel.Channel
}

// Service wires the sync layer together: config, logger, session,
// cache store, gateway, query manager, and per-feature push channels.
// Dependencies flow explicitly through constructors; nothing reaches
// for globals.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configManager   *config.Manager
	logger          types.Logger
	session         *session.Store
	metrics         types.MetricsManager
	store           types.CacheStore
	gateway         *gateway.HTTPGateway
	queries         *query.Manager
	snapshots       *snapshot.Store
	reconciler      *reconcile.Manager
	feeds           map[string]*Feed
	feedsMu         sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	configManager, err := config.NewManager(serviceCtx, configPath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load configuration")
	}
	cfg := configManager.GetConfig()

	log, err := logger.NewDefaultLogger(cfg.Logger)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create logger")
	}

	tokens := session.NewStoreFromEnv()

	var metricsManager types.MetricsManager
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err = metrics.NewPrometheusMetrics(serviceCtx, log, cfg.Metrics)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to create metrics manager")
		}
	}

	store, err := cache.NewCacheStore(serviceCtx, log, cfg.Cache, metricsManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create cache store")
	}

	gw := gateway.NewHTTPGateway(serviceCtx, log, cfg.Gateway, tokens, metricsManager)
	queries := query.NewManager(serviceCtx, log, store, metricsManager, cfg.Gateway.Retries)

	var snapshots *snapshot.Store
	if cfg.Snapshot != nil && cfg.Snapshot.Enabled {
		snapshots, err = snapshot.NewStore(serviceCtx, log, cfg.Snapshot)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to open snapshot store")
		}
	}

	var reconciler *reconcile.Manager
	if cfg.Reconcile != nil && cfg.Reconcile.Enabled {
		reconciler, err = reconcile.NewManager(serviceCtx, log, cfg.Reconcile, store)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to create reconcile manager")
		}
	}

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configManager:   configManager,
		logger:          log,
		session:         tokens,
		metrics:         metricsManager,
		store:           store,
		gateway:         gw,
		queries:         queries,
		snapshots:       snapshots,
		reconciler:      reconciler,
		feeds:           make(map[string]*Feed),
		shutdownTimeout: 30 * time.Second,
	}

	s.state.Store(StateStopped)

	log.Info("Sync service initialized",
		zap.String("name", cfg.Name),
		zap.String("api_origin", cfg.Gateway.Origin),
		zap.String("ws_origin", cfg.Channel.Origin))

	return s, nil
}

// Register binds a feature feed: its query joins the shared manager and
// its push channel is created against the configured WS origin. When
// the service is already running the channel is started immediately.
func (s *Service) Register(binding feed.Binding, opts query.Options) (*Feed, error) {
	cfg := s.configManager.GetConfig()

	q, err := s.queries.Bind(binding.Key, binding.Fetcher, opts)
	if err != nil {
		return nil, types.WrapError(err, "failed to bind query")
	}

	ch, err := channel.NewChannel(s.ctx, s.logger, s.store, s.session,
		cfg.Channel, s.metrics, cfg.Channel.Origin+binding.Topic,
		binding.Channels, binding.Mutators)
	if err != nil {
		q.Release()
		return nil, types.WrapError(err, "failed to create push channel")
	}

	f := &Feed{Binding: binding, Query: q, Channel: ch}

	s.feedsMu.Lock()
	if _, exists := s.feeds[binding.Name]; exists {
		s.feedsMu.Unlock()
		q.Release()
		return nil, types.Errorf(types.ErrQueryKeyExists, "feed: %s", binding.Name)
	}
	s.feeds[binding.Name] = f
	s.feedsMu.Unlock()

	if s.IsRunning() {
		if err := ch.Start(); err != nil {
			s.logger.Error("Failed to start push channel",
				zap.String("feed", binding.Name), zap.Error(err))
		}
	}

	s.logger.Info("Feed registered",
		zap.String("feed", binding.Name),
		zap.String("key", binding.Key),
		zap.String("topic", binding.Topic))

	return f, nil
}

// Feed returns a registered feed by name.
func (s *Service) Feed(name string) (*Feed, error) {
	s.feedsMu.RLock()
	defer s.feedsMu.RUnlock()

	f, exists := s.feeds[name]
	if !exists {
		return nil, types.Errorf(types.ErrComponentNotFound, "feed: %s", name)
	}
	return f, nil
}

func (s *Service) Store() types.CacheStore {
	return s.store
}

func (s *Service) Gateway() types.Gateway {
	return s.gateway
}

func (s *Service) Session() *session.Store {
	return s.session
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	if err := s.store.Start(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start cache store")
	}

	if s.metrics != nil {
		if err := s.metrics.Start(); err != nil {
			s.logger.Error("Failed to start metrics manager", zap.Error(err))
		}
	}

	if s.snapshots != nil {
		if err := s.snapshots.Start(); err != nil {
			s.logger.Error("Failed to start snapshot store", zap.Error(err))
		} else if err := s.snapshots.Restore(s.store); err != nil {
			s.logger.Error("Snapshot restore failed", zap.Error(err))
		}
	}

	s.feedsMu.RLock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feedsMu.RUnlock()

	for _, f := range feeds {
		if err := f.Channel.Start(); err != nil {
			s.logger.Error("Failed to start push channel",
				zap.String("feed", f.Binding.Name), zap.Error(err))
		}
	}

	if s.reconciler != nil {
		if err := s.reconciler.Start(); err != nil {
			s.logger.Error("Failed to start reconcile manager", zap.Error(err))
		}
	}

	s.logger.Info("Sync service started")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if s.reconciler != nil && s.reconciler.IsRunning() {
		if err := s.reconciler.Stop(); err != nil {
			s.logger.Error("Failed to stop reconcile manager", zap.Error(err))
		}
	}

	s.feedsMu.RLock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feedsMu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, f := range feeds {
		f := f
		g.Go(func() error {
			f.Query.Release()
			if f.Channel.IsRunning() {
				if err := f.Channel.Stop(); err != nil {
					s.logger.Error("Failed to stop push channel",
						zap.String("feed", f.Binding.Name), zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Error during feed shutdown", zap.Error(err))
	}

	s.queries.Stop()
	s.gateway.Close()

	if s.snapshots != nil && s.snapshots.IsRunning() {
		if err := s.snapshots.Persist(s.store); err != nil {
			s.logger.Error("Snapshot persist failed", zap.Error(err))
		}
		if err := s.snapshots.Stop(); err != nil {
			s.logger.Error("Failed to stop snapshot store", zap.Error(err))
		}
	}

	if err := s.store.Stop(); err != nil {
		s.logger.Error("Failed to stop cache store", zap.Error(err))
	}

	if s.metrics != nil && s.metrics.IsRunning() {
		if err := s.metrics.Stop(); err != nil {
			s.logger.Error("Failed to stop metrics manager", zap.Error(err))
		}
	}

	s.logger.Info("Sync service stopped gracefully")
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
