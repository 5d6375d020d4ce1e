package feed

import (
	"context"

	"github.com/fiscalhub/fiscsync/cache"
	"github.com/fiscalhub/fiscsync/channel"
	"github.com/fiscalhub/fiscsync/query"
	"github.com/fiscalhub/fiscsync/types"
)

// A Binding packages everything one feature area needs to stay live:
// the cache key its consumers read, the fetcher that populates it, and
// the push topic plus per-event mutators that keep it current. The
// service facade turns a binding into a bound query and a channel; the
// feature code itself carries no sync logic.
type Binding struct {
	Name     string
	Key      string
	Topic    string
	Channels []string
	Fetcher  query.Fetcher
	Mutators map[string]types.Mutator
}

// Transactions tracks the filtered transaction ledger. Creations land
// newest-first, updates shallow-merge by id, deletions drop the row.
func Transactions(gw types.Gateway, params map[string]string) Binding {
	key := cache.Key("transactions", params)
	return Binding{
		Name:     "transactions",
		Key:      key,
		Topic:    "/transactions",
		Channels: []string{"transactions"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			records, err := gw.List(ctx, "transactions", params)
			if err != nil {
				return nil, err
			}
			return records, nil
		},
		Mutators: map[string]types.Mutator{
			"transaction_created": channel.Prepend(key),
			"transaction_updated": channel.MergeByID(key),
			"transaction_deleted": channel.RemoveByID(key),
		},
	}
}

// Notifications tracks the user's notification inbox.
func Notifications(gw types.Gateway, params map[string]string) Binding {
	key := cache.Key("notifications", params)
	return Binding{
		Name:     "notifications",
		Key:      key,
		Topic:    "/notifications",
		Channels: []string{"notifications"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			records, err := gw.List(ctx, "notifications", params)
			if err != nil {
				return nil, err
			}
			return records, nil
		},
		Mutators: map[string]types.Mutator{
			"notification_created": channel.Prepend(key),
			"notification_read":    channel.MergeByID(key),
			"notification_deleted": channel.RemoveByID(key),
		},
	}
}

// Reports tracks generated report listings.
func Reports(gw types.Gateway, params map[string]string) Binding {
	key := cache.Key("reports", params)
	return Binding{
		Name:     "reports",
		Key:      key,
		Topic:    "/reports",
		Channels: []string{"reports"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			records, err := gw.List(ctx, "reports", params)
			if err != nil {
				return nil, err
			}
			return records, nil
		},
		Mutators: map[string]types.Mutator{
			"report_created": channel.Prepend(key),
			"report_updated": channel.MergeByID(key),
			"report_deleted": channel.RemoveByID(key),
		},
	}
}

// DashboardStats tracks the aggregate statistics object rendered on
// the landing dashboard. Pushes carry the full recomputed aggregate, so
// the mutator replaces the value wholesale.
func DashboardStats(gw types.Gateway) Binding {
	key := cache.Key("dashboard/statistics", nil)
	return Binding{
		Name:     "dashboard",
		Key:      key,
		Topic:    "/dashboard",
		Channels: []string{"dashboard"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			record, err := gw.Object(ctx, "dashboard/statistics", nil)
			if err != nil {
				return nil, err
			}
			return record, nil
		},
		Mutators: map[string]types.Mutator{
			"statistics_update": channel.Replace(key),
		},
	}
}

// KPI tracks the key-performance-indicator summary panel.
func KPI(gw types.Gateway, params map[string]string) Binding {
	key := cache.Key("kpi/summary", params)
	return Binding{
		Name:     "kpi",
		Key:      key,
		Topic:    "/kpi",
		Channels: []string{"kpi"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			record, err := gw.Object(ctx, "kpi/summary", params)
			if err != nil {
				return nil, err
			}
			return record, nil
		},
		Mutators: map[string]types.Mutator{
			"kpi_update": channel.Replace(key),
		},
	}
}

// Overrides tracks override requests awaiting review. Review outcomes
// change derived fields the event payload does not carry, so the
// reviewed event invalidates instead of patching.
func Overrides(gw types.Gateway, params map[string]string) Binding {
	key := cache.Key("override-requests", params)
	return Binding{
		Name:     "overrides",
		Key:      key,
		Topic:    "/overrides",
		Channels: []string{"override-requests"},
		Fetcher: func(ctx context.Context) (interface{}, error) {
			records, err := gw.List(ctx, "override-requests", params)
			if err != nil {
				return nil, err
			}
			return records, nil
		},
		Mutators: map[string]types.Mutator{
			"override_request_created":  channel.Prepend(key),
			"override_request_reviewed": channel.InvalidateOnly(key),
		},
	}
}
