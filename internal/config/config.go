package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the chatsync client. It is loaded
// once and handed to component constructors explicitly; nothing reads
// configuration ambiently.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Session SessionConfig `mapstructure:"session"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Retry   RetryConfig   `mapstructure:"retry"`
}

// BackendConfig holds the widget backend endpoint configuration
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TenantID       string        `mapstructure:"tenant_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StreamConfig holds push-connection configuration
type StreamConfig struct {
	URL                         string        `mapstructure:"url"`
	KeepAlive                   bool          `mapstructure:"keep_alive"`
	ConnectTimeout              time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectAttempts        int           `mapstructure:"max_reconnect_attempts"`
	BaseReconnectDelay          time.Duration `mapstructure:"base_reconnect_delay"`
	BackoffFactor               float64       `mapstructure:"backoff_factor"`
	MaxReconnectDelay           time.Duration `mapstructure:"max_reconnect_delay"`
	HeartbeatInterval           time.Duration `mapstructure:"heartbeat_interval"`
	BackgroundHeartbeatInterval time.Duration `mapstructure:"background_heartbeat_interval"`
	BackgroundTimeout           time.Duration `mapstructure:"background_timeout"`
	ForegroundReconnectDelay    time.Duration `mapstructure:"foreground_reconnect_delay"`
}

// SessionConfig holds conversation session configuration
type SessionConfig struct {
	ContextWindow int           `mapstructure:"context_window"`
	InitCooldown  time.Duration `mapstructure:"init_cooldown"`
}

// CacheConfig holds the local state cache configuration
type CacheConfig struct {
	Driver string        `mapstructure:"driver"` // memory or sqlite
	Path   string        `mapstructure:"path"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// RetryConfig holds append retry configuration
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.tenant_id", "")
	v.SetDefault("backend.request_timeout", "10s")

	v.SetDefault("stream.url", "ws://localhost:8080/api/widget/stream")
	v.SetDefault("stream.keep_alive", true)
	v.SetDefault("stream.connect_timeout", "5s")
	v.SetDefault("stream.max_reconnect_attempts", 3)
	v.SetDefault("stream.base_reconnect_delay", "1s")
	v.SetDefault("stream.backoff_factor", 2.0)
	v.SetDefault("stream.max_reconnect_delay", "30s")
	v.SetDefault("stream.heartbeat_interval", "20s")
	v.SetDefault("stream.background_heartbeat_interval", "60s")
	v.SetDefault("stream.background_timeout", "30s")
	v.SetDefault("stream.foreground_reconnect_delay", "500ms")

	v.SetDefault("session.context_window", 10)
	v.SetDefault("session.init_cooldown", "5s")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.path", "./data/chatsync.db")
	v.SetDefault("cache.ttl", "15m")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
}
