package types

import (
	"time"
)

type Status int32

const (
	StatusIdle Status = iota
	StatusLoading
	StatusRefreshing
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusRefreshing:
		return "refreshing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time snapshot of one cached collection or
// aggregate. Value is opaque to the store and must never be mutated in
// place; every update installs a replacement value.
type Entry struct {
	Key       string
	Value     interface{}
	Status    Status
	Err       error
	Stale     bool
	UpdatedAt time.Time
}

// HasValue reports whether the entry holds data a consumer can render.
func (e Entry) HasValue() bool {
	return e.Value != nil
}

// Updater computes a replacement value from the current one. Updaters
// must be pure: they run synchronously under the store lock and may be
// re-applied by batching backends.
type Updater func(old interface{}) interface{}

// SubscriberFunc receives entry snapshots after each change.
type SubscriberFunc func(Entry)

// CacheStore is the process-wide keyed cache shared by queries and push
// channels. Apply calls for a single key are serialized in receipt
// order; entries for different keys are independent.
type CacheStore interface {
	LifecycleManager
	Get(key string) (Entry, bool)
	Set(key string, value interface{}) error
	Apply(key string, update Updater) error
	SetStatus(key string, status Status, err error) error
	Invalidate(keys ...string) error
	Subscribe(key string, fn SubscriberFunc) (func(), error)
	Keys() []string
}

type CacheStoreCreator func(config interface{}) (CacheStore, error)
