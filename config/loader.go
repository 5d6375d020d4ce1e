package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fiscalhub/fiscsync/types"
)

const (
	EnvAPIOrigin = "FISCSYNC_API_ORIGIN"
	EnvWSOrigin  = "FISCSYNC_WS_ORIGIN"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.Config, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrConfigInvalidPath, "file not found: %s", configPath)
	}

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	ResolveOrigins(config)

	if err := l.validator.Struct(config); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.Config {
	return &types.Config{
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Gateway: &types.GatewayConfig{
			Timeout: 30 * time.Second,
			Retries: 2,
			Breaker: &types.BreakerConfig{
				Enabled: false,
			},
		},
		Cache: &types.CacheConfig{
			Backend:       "memory",
			Retention:     30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Channel: &types.ChannelConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  5,
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Snapshot: &types.SnapshotConfig{
			Enabled:    false,
			Collection: "entries",
		},
		Reconcile: &types.ReconcileConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled:   false,
			Namespace: "fiscsync",
		},
	}
}

// ResolveOrigins fills in the API and WebSocket origins from the
// environment when the file leaves them empty, deriving the WS origin
// from the API origin as a last resort so one deployment setting covers
// both endpoints behind the same reverse proxy.
func ResolveOrigins(config *types.Config) {
	if config.Gateway == nil || config.Channel == nil {
		return
	}

	if config.Gateway.Origin == "" {
		config.Gateway.Origin = os.Getenv(EnvAPIOrigin)
	}

	if config.Channel.Origin == "" {
		config.Channel.Origin = os.Getenv(EnvWSOrigin)
	}

	if config.Channel.Origin == "" && config.Gateway.Origin != "" {
		config.Channel.Origin = DeriveWSOrigin(config.Gateway.Origin)
	}
}

// DeriveWSOrigin swaps an http(s) origin scheme for its ws(s)
// counterpart.
func DeriveWSOrigin(apiOrigin string) string {
	switch {
	case strings.HasPrefix(apiOrigin, "https://"):
		return "wss://" + strings.TrimPrefix(apiOrigin, "https://")
	case strings.HasPrefix(apiOrigin, "http://"):
		return "ws://" + strings.TrimPrefix(apiOrigin, "http://")
	default:
		return apiOrigin
	}
}
