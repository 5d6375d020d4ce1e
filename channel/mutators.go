package channel

import (
	"github.com/fiscalhub/fiscsync/types"
)

// Mutator factories translating typed push events into cache updates.
// Every factory goes through store.Apply (or Invalidate) so updates for
// one key land in receipt order regardless of which channel they
// arrived on.

// Prepend inserts the event record at the head of the cached list, the
// newest-first convention used by activity feeds.
func Prepend(key string) types.Mutator {
	return func(store types.CacheStore, data interface{}) error {
		record, err := eventRecord(data)
		if err != nil {
			return err
		}

		return store.Apply(key, func(old interface{}) interface{} {
			list := recordList(old)
			updated := make([]types.Record, 0, len(list)+1)
			updated = append(updated, record)
			return append(updated, list...)
		})
	}
}

// MergeByID shallow-merges the event record into the cached list item
// with the same id. Applying the same event twice is a no-op after the
// first; a record with no cached counterpart is ignored.
func MergeByID(key string) types.Mutator {
	return func(store types.CacheStore, data interface{}) error {
		record, err := eventRecord(data)
		if err != nil {
			return err
		}
		id := record.ID()
		if id == "" {
			return types.Errorf(types.ErrMalformedEvent, "merge event has no id")
		}

		return store.Apply(key, func(old interface{}) interface{} {
			list := recordList(old)
			updated := make([]types.Record, len(list))
			for i, item := range list {
				if item.ID() == id {
					updated[i] = item.Merge(record)
				} else {
					updated[i] = item
				}
			}
			return updated
		})
	}
}

// RemoveByID drops the cached list item with the event record's id.
// A missing id leaves the list unchanged.
func RemoveByID(key string) types.Mutator {
	return func(store types.CacheStore, data interface{}) error {
		record, err := eventRecord(data)
		if err != nil {
			return err
		}
		id := record.ID()
		if id == "" {
			return types.Errorf(types.ErrMalformedEvent, "remove event has no id")
		}

		return store.Apply(key, func(old interface{}) interface{} {
			list := recordList(old)
			updated := make([]types.Record, 0, len(list))
			for _, item := range list {
				if item.ID() == id {
					continue
				}
				updated = append(updated, item)
			}
			return updated
		})
	}
}

// Replace swaps the whole cached value for the event payload. Used by
// aggregate pushes that carry the full recomputed state.
func Replace(key string) types.Mutator {
	return func(store types.CacheStore, data interface{}) error {
		return store.Apply(key, func(interface{}) interface{} {
			return data
		})
	}
}

// InvalidateOnly marks the given keys stale without touching their
// values; active queries revalidate in the background. The event
// payload is ignored.
func InvalidateOnly(keys ...string) types.Mutator {
	return func(store types.CacheStore, _ interface{}) error {
		return store.Invalidate(keys...)
	}
}

func eventRecord(data interface{}) (types.Record, error) {
	switch v := data.(type) {
	case types.Record:
		return v, nil
	case map[string]interface{}:
		return types.Record(v), nil
	default:
		return nil, types.Errorf(types.ErrMalformedEvent, "event data is not an object")
	}
}

// recordList coerces a cached value into []Record. Values written by
// the gateway are already []Record; snapshot restores may hold the
// decoded []interface{} form.
func recordList(old interface{}) []types.Record {
	switch v := old.(type) {
	case nil:
		return nil
	case []types.Record:
		return v
	case []interface{}:
		list := make([]types.Record, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				list = append(list, types.Record(m))
			}
		}
		return list
	default:
		return nil
	}
}
