package config

import (
	"time"

	redisclient "github.com/vietddude/campaigner/internal/infra/redis"
	"github.com/vietddude/campaigner/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Engine   EngineConfig       `yaml:"engine"`
	Gateway  GatewayConfig      `yaml:"gateway"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// GatewayConfig holds messaging gateway client settings.
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig holds campaign engine settings.
type EngineConfig struct {
	// ScheduleInterval is how often due scheduled campaigns are
	// discovered and started.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	// SyncInterval is how often live campaign state is flushed to
	// storage.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// LockStaleness is the age after which a processing lock is treated
	// as abandoned by a crashed holder.
	LockStaleness time.Duration `yaml:"lock_staleness"`

	// ChunkSize and ChunkThreshold control paged contact iteration for
	// large campaigns.
	ChunkSize      int `yaml:"chunk_size"`
	ChunkThreshold int `yaml:"chunk_threshold"`

	// DefaultRegion is the phone-number region for national numbers.
	DefaultRegion string `yaml:"default_region"`
}
