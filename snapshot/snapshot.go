package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

type StoreState int32

const (
	StoreStateStopped StoreState = iota
	StoreStateStarting
	StoreStateRunning
	StoreStateStopping
)

const defaultCollection = "entries"

// Store persists cache entry values to an embedded document database
// so a restart can render the last known data immediately. Restored
// entries come back stale, which makes active queries revalidate
// against the backend right away.
type Store struct {
	ctx    context.Context
	logger types.Logger
	config *types.SnapshotConfig
	db     *clover.DB
	state  atomic.Value
}

func NewStore(ctx context.Context, logger types.Logger, config *types.SnapshotConfig) (*Store, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrSnapshotDisabled
	}

	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open snapshot database")
	}

	store := &Store{
		ctx:    ctx,
		logger: logger,
		config: config,
		db:     db,
	}

	store.state.Store(StoreStateStopped)

	return store, nil
}

func (s *Store) Start() error {
	if !s.transitionState(StoreStateStopped, StoreStateStarting) {
		return types.ErrStoreAlreadyRunning
	}

	defer func() {
		if s.getState() == StoreStateStarting {
			s.setState(StoreStateRunning)
		}
	}()

	s.logger.Info("Snapshot store started", zap.String("path", s.config.Path))
	return nil
}

func (s *Store) Stop() error {
	if !s.transitionState(StoreStateRunning, StoreStateStopping) {
		return types.ErrStoreNotRunning
	}

	defer func() {
		s.setState(StoreStateStopped)
	}()

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close snapshot database")
	}

	s.logger.Info("Snapshot store stopped gracefully")
	return nil
}

func (s *Store) IsRunning() bool {
	return s.getState() == StoreStateRunning
}

// Restore loads every persisted entry into the cache and marks it
// stale. Corrupted documents are skipped, not fatal.
func (s *Store) Restore(cache types.CacheStore) error {
	collection := s.collectionName()

	exists, err := s.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check snapshot collection")
	}
	if !exists {
		s.logger.Debug("No snapshot to restore", zap.String("collection", collection))
		return nil
	}

	docs, err := s.db.Query(collection).FindAll()
	if err != nil {
		return types.WrapError(err, "failed to read snapshot documents")
	}

	var restored, skipped int
	for _, doc := range docs {
		key, _ := doc.Get("key").(string)
		raw, _ := doc.Get("value").(string)
		if key == "" || raw == "" {
			skipped++
			continue
		}

		var value interface{}
		if err := utils.Unmarshal([]byte(raw), &value); err != nil {
			s.logger.Warn("Skipping corrupted snapshot entry",
				zap.String("key", key),
				zap.Error(types.Errorf(types.ErrSnapshotCorrupted, "%v", err)))
			skipped++
			continue
		}

		if err := cache.Set(key, value); err != nil {
			s.logger.Error("Failed to restore snapshot entry",
				zap.String("key", key), zap.Error(err))
			skipped++
			continue
		}
		if err := cache.Invalidate(key); err != nil {
			s.logger.Error("Failed to mark restored entry stale",
				zap.String("key", key), zap.Error(err))
		}
		restored++
	}

	s.logger.Info("Snapshot restored",
		zap.Int("restored_entries", restored),
		zap.Int("skipped_entries", skipped))
	return nil
}

// Persist replaces the snapshot with the cache's current successful
// entries.
func (s *Store) Persist(cache types.CacheStore) error {
	collection := s.collectionName()

	exists, err := s.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check snapshot collection")
	}
	if exists {
		if err := s.db.DropCollection(collection); err != nil {
			return types.WrapError(err, "failed to clear snapshot collection")
		}
	}
	if err := s.db.CreateCollection(collection); err != nil {
		return types.WrapError(err, "failed to create snapshot collection")
	}

	now := time.Now().UnixNano()
	var docs []*clover.Document

	for _, key := range cache.Keys() {
		entry, ok := cache.Get(key)
		if !ok || !entry.HasValue() || entry.Status != types.StatusSuccess {
			continue
		}

		data, err := utils.Marshal(entry.Value)
		if err != nil {
			s.logger.Warn("Skipping unserializable cache entry",
				zap.String("key", key), zap.Error(err))
			continue
		}

		doc := clover.NewDocument()
		doc.Set("key", key)
		doc.Set("value", string(data))
		doc.Set("updated_at", now)
		docs = append(docs, doc)
	}

	if len(docs) > 0 {
		if err := s.db.Insert(collection, docs...); err != nil {
			return types.WrapError(err, "failed to write snapshot documents")
		}
	}

	s.logger.Info("Snapshot persisted", zap.Int("persisted_entries", len(docs)))
	return nil
}

func (s *Store) collectionName() string {
	if s.config.Collection != "" {
		return s.config.Collection
	}
	return defaultCollection
}

func (s *Store) getState() StoreState {
	return s.state.Load().(StoreState)
}

func (s *Store) setState(newState StoreState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Store) transitionState(from, to StoreState) bool {
	return s.state.CompareAndSwap(from, to)
}
