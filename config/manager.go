package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fiscalhub/fiscsync/types"
)

type Manager struct {
	ctx         context.Context
	configPath  string
	loader      *Loader
	config      atomic.Pointer[types.Config]
	loadTimeout time.Duration
}

func NewManager(ctx context.Context, configPath string) (*Manager, error) {
	m := &Manager{
		ctx:         ctx,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := m.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return m, nil
}

func (m *Manager) Load() error {
	loadCtx, cancel := context.WithTimeout(m.ctx, m.loadTimeout)
	defer cancel()

	config, err := m.loader.LoadFromFile(loadCtx, m.configPath)
	if err != nil {
		return err
	}

	m.config.Store(config)
	return nil
}

func (m *Manager) GetConfig() *types.Config {
	return m.config.Load()
}
