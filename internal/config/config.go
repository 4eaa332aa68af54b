// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Ingress  IngressConfig  `mapstructure:"ingress"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Observer ObserverConfig `mapstructure:"observer"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Store    StoreConfig    `mapstructure:"store"`
	Source   SourceConfig   `mapstructure:"source"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// IngressConfig governs the event intake boundary.
type IngressConfig struct {
	DebounceMs int `mapstructure:"debounce_ms"`
}

// StreamConfig controls the observer-facing stream transports.
type StreamConfig struct {
	KeepAliveSeconds int `mapstructure:"keepalive_seconds"`
	ObserverBuffer   int `mapstructure:"observer_buffer"`
}

// ObserverConfig tunes the client-side session machinery.
type ObserverConfig struct {
	StaleAfterSeconds int `mapstructure:"stale_after_seconds"`
	SettleDelayMs     int `mapstructure:"settle_delay_ms"`
}

// ReaperConfig controls stale-job eviction.
type ReaperConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	JobTTLSeconds    int `mapstructure:"job_ttl_seconds"`
	OrphanTTLSeconds int `mapstructure:"orphan_ttl_seconds"`
}

// StoreConfig selects and configures the active-job repository.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// SourceConfig selects the optional inbound event source.
type SourceConfig struct {
	Provider string       `mapstructure:"provider"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig identifies the subscription delivering producer envelopes.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// ArchiveConfig selects the optional terminal-summary archive.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"gcs_bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ingress.debounce_ms", 100)
	v.SetDefault("stream.keepalive_seconds", 15)
	v.SetDefault("stream.observer_buffer", 64)
	v.SetDefault("observer.stale_after_seconds", 45)
	v.SetDefault("observer.settle_delay_ms", 500)
	v.SetDefault("reaper.interval_seconds", 30)
	v.SetDefault("reaper.job_ttl_seconds", 180)
	v.SetDefault("reaper.orphan_ttl_seconds", 180)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("source.provider", "none")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.enabled requires auth.api_key")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.provider is 'postgres' but store.postgres.dsn is not set")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	switch c.Source.Provider {
	case "none":
	case "pubsub":
		if c.Source.PubSub.ProjectID == "" || c.Source.PubSub.SubscriptionID == "" {
			return fmt.Errorf("source.provider is 'pubsub' but project_id or subscription_id is not set")
		}
	default:
		return fmt.Errorf("unknown source provider: %s", c.Source.Provider)
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.provider is 'local' but archive.local_dir is not set")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.provider is 'gcs' but archive.gcs_bucket is not set")
		}
	default:
		return fmt.Errorf("unknown archive provider: %s", c.Archive.Provider)
	}
	return nil
}

// DebounceWindow returns the ingress debounce window as a duration.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.Ingress.DebounceMs) * time.Millisecond
}

// KeepAliveInterval returns the stream keep-alive period.
func (c Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Stream.KeepAliveSeconds) * time.Second
}

// StaleAfter returns the observer staleness threshold.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Observer.StaleAfterSeconds) * time.Second
}

// SettleDelay returns the pause between forced disconnect and reconnect.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Observer.SettleDelayMs) * time.Millisecond
}

// ReapInterval returns the reaper tick period.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// JobTTL returns the stale-root threshold.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Reaper.JobTTLSeconds) * time.Second
}

// OrphanTTL returns the orphan aging threshold.
func (c Config) OrphanTTL() time.Duration {
	return time.Duration(c.Reaper.OrphanTTLSeconds) * time.Second
}
