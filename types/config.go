package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *Config
}

type Config struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Gateway   *GatewayConfig   `yaml:"gateway" json:"gateway"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache"`
	Channel   *ChannelConfig   `yaml:"channel" json:"channel"`
	Snapshot  *SnapshotConfig  `yaml:"snapshot" json:"snapshot"`
	Reconcile *ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type GatewayConfig struct {
	Origin  string         `yaml:"origin" json:"origin"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout"`
	Retries int            `yaml:"retries" json:"retries" validate:"min=0"`
	Breaker *BreakerConfig `yaml:"breaker" json:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend" json:"backend"`
	Retention     time.Duration `yaml:"retention" json:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Redis         *RedisConfig  `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type ChannelConfig struct {
	Origin       string        `yaml:"origin" json:"origin"`
	BaseDelay    time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait" json:"write_wait"`
}

type SnapshotConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
}

type ReconcileConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Schedule string   `yaml:"schedule" json:"schedule" validate:"required_if=Enabled true"`
	Timezone string   `yaml:"timezone" json:"timezone"`
	Keys     []string `yaml:"keys" json:"keys"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}
