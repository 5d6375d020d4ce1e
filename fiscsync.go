// Package fiscsync keeps dashboard clients in sync with a financial
// management backend: cached collection snapshots, deduplicated
// fetching with retry, and push channels that patch the cache in place
// as server events arrive.
package fiscsync

import (
	"context"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/feed"
	"github.com/fiscalhub/fiscsync/query"
	"github.com/fiscalhub/fiscsync/service"
)

type (
	Service = service.Service
	Feed    = service.Feed
	Binding = feed.Binding
	Options = query.Options
)

// New builds a sync service from a YAML config file. Origins and the
// session token fall back to environment variables when the file leaves
// them unset.
func New(ctx context.Context, configPath string) (*Service, error) {
	return service.NewService(ctx, configPath)
}

// Key builds the canonical cache key for a collection and its filter
// params.
func Key(collection string, params map[string]string) string {
	return cache.Key(collection, params)
}
