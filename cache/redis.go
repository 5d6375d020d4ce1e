package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fiscalhub/fiscsync/types"
	"github.com/fiscalhub/fiscsync/utils"
)

const invalidationChannel = "fiscsync:invalidations"

// RedisStore layers a shared Redis value mirror over the in-process
// store so several dashboard replicas behind one backend converge.
// Subscriber callbacks stay local; cross-replica coherence is
// invalidation-only. A patch applied on one replica persists the new
// value and tells the others to mark the key stale, which makes their
// active queries revalidate.
type RedisStore struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	config   *types.RedisConfig
	client   *redis.Client
	local    *MemoryStore
	instance string
	pubsub   *redis.PubSub
	running  atomic.Bool
	loopDone chan struct{}
}

type invalidationMessage struct {
	Instance string `json:"instance"`
	Key      string `json:"key"`
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisStore, error) {
	redisConfig := config.Redis
	if redisConfig == nil {
		redisConfig = &types.RedisConfig{Addr: "localhost:6379", KeyPrefix: "fiscsync"}
	}
	if redisConfig.KeyPrefix == "" {
		redisConfig.KeyPrefix = "fiscsync"
	}

	local, err := NewMemoryStore(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithCancel(ctx)

	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	pingCtx, pingCancel := context.WithTimeout(storeCtx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	store := &RedisStore{
		ctx:      storeCtx,
		cancel:   cancel,
		logger:   logger,
		config:   redisConfig,
		client:   client,
		local:    local,
		instance: uuid.NewString(),
		loopDone: make(chan struct{}),
	}

	return store, nil
}

func (r *RedisStore) Get(key string) (types.Entry, bool) {
	if entry, ok := r.local.Get(key); ok && entry.HasValue() {
		return entry, ok
	}

	value, ok := r.fetchRemote(key)
	if !ok {
		return r.local.Get(key)
	}

	if err := r.local.Set(key, value); err != nil {
		r.logger.Error("Failed to hydrate entry from redis", zap.String("key", key), zap.Error(err))
		return types.Entry{}, false
	}

	return r.local.Get(key)
}

func (r *RedisStore) Set(key string, value interface{}) error {
	if err := r.local.Set(key, value); err != nil {
		return err
	}
	r.mirror(key)
	return nil
}

func (r *RedisStore) Apply(key string, update types.Updater) error {
	if err := r.local.Apply(key, update); err != nil {
		return err
	}
	r.mirror(key)
	return nil
}

func (r *RedisStore) SetStatus(key string, status types.Status, err error) error {
	return r.local.SetStatus(key, status, err)
}

func (r *RedisStore) Invalidate(keys ...string) error {
	if err := r.local.Invalidate(keys...); err != nil {
		return err
	}
	for _, key := range keys {
		r.publishInvalidation(key)
	}
	return nil
}

func (r *RedisStore) Subscribe(key string, fn types.SubscriberFunc) (func(), error) {
	return r.local.Subscribe(key, fn)
}

func (r *RedisStore) Keys() []string {
	return r.local.Keys()
}

func (r *RedisStore) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return types.ErrStoreAlreadyRunning
	}

	if err := r.local.Start(); err != nil {
		r.running.Store(false)
		return err
	}

	r.pubsub = r.client.Subscribe(r.ctx, invalidationChannel)
	go r.invalidationLoop()

	r.logger.Info("Redis cache store started",
		zap.String("addr", r.config.Addr),
		zap.String("key_prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStore) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return types.ErrStoreNotRunning
	}

	r.cancel()

	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Debug("Pubsub close", zap.Error(err))
		}
	}

	select {
	case <-r.loopDone:
	case <-time.After(5 * time.Second):
		r.logger.Warn("Invalidation loop stop timeout")
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
	}

	return r.local.Stop()
}

func (r *RedisStore) IsRunning() bool {
	return r.running.Load()
}

func (r *RedisStore) fullKey(key string) string {
	return r.config.KeyPrefix + ":" + key
}

func (r *RedisStore) fetchRemote(key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()

	raw, err := r.client.Get(ctx, r.fullKey(key)).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Error("Failed to read cache entry from redis",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var value interface{}
	if err := utils.Unmarshal([]byte(raw), &value); err != nil {
		r.logger.Error("Failed to decode cache entry from redis",
			zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, r.fullKey(key))
		return nil, false
	}

	return value, true
}

// mirror persists the key's current value and notifies other replicas.
func (r *RedisStore) mirror(key string) {
	entry, ok := r.local.Get(key)
	if !ok || !entry.HasValue() {
		return
	}

	data, err := utils.Marshal(entry.Value)
	if err != nil {
		r.logger.Error("Failed to encode cache entry for redis",
			zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.fullKey(key), data, 0).Err(); err != nil {
		r.logger.Error("Failed to mirror cache entry to redis",
			zap.String("key", key), zap.Error(err))
		return
	}

	r.publishInvalidation(key)
}

func (r *RedisStore) publishInvalidation(key string) {
	msg, err := utils.Marshal(&invalidationMessage{Instance: r.instance, Key: key})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
	defer cancel()

	if err := r.client.Publish(ctx, invalidationChannel, msg).Err(); err != nil {
		r.logger.Debug("Failed to publish invalidation",
			zap.String("key", key), zap.Error(err))
	}
}

func (r *RedisStore) invalidationLoop() {
	defer close(r.loopDone)

	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var inv invalidationMessage
			if err := utils.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Debug("Dropping malformed invalidation", zap.Error(err))
				continue
			}

			if inv.Instance == r.instance {
				continue
			}

			if err := r.local.Invalidate(inv.Key); err != nil {
				r.logger.Error("Failed to apply remote invalidation",
					zap.String("key", inv.Key), zap.Error(err))
			}
		}
	}
}
