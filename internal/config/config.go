// Package config loads the chrono configuration from file, environment and
// flags through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/slotem-chrono/pkg/retry"
)

// EnvPrefix prefixes every environment override, e.g. CHRONO_DISPLAY_ENDPOINT.
const EnvPrefix = "CHRONO"

// Config is the effective configuration of every chrono command.
type Config struct {
	Display   DisplayConfig   `mapstructure:"display" yaml:"display"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// DisplayConfig configures the service that owns the timer engine.
type DisplayConfig struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Listen            string        `mapstructure:"listen" yaml:"listen"`
	TickInterval      time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	PushInterval      time.Duration `mapstructure:"push_interval" yaml:"push_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ArchiveFirstReset bool          `mapstructure:"archive_first_reset" yaml:"archive_first_reset"`
	ClampNegative     bool          `mapstructure:"clamp_negative" yaml:"clamp_negative"`
	StrictTokens      bool          `mapstructure:"strict_tokens" yaml:"strict_tokens"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	CAFile            string        `mapstructure:"ca_file" yaml:"ca_file"`
	Render            bool          `mapstructure:"render" yaml:"render"`
}

// RelayConfig configures the lap relay.
type RelayConfig struct {
	Listen         string  `mapstructure:"listen" yaml:"listen"`
	Store          string  `mapstructure:"store" yaml:"store"`
	DSN            string  `mapstructure:"dsn" yaml:"dsn"`
	UploadDir      string  `mapstructure:"upload_dir" yaml:"upload_dir"`
	APIKeyHash     string  `mapstructure:"api_key_hash" yaml:"api_key_hash"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
	CertFile       string  `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile        string  `mapstructure:"key_file" yaml:"key_file"`
}

// ReconnectConfig is the backoff applied when the signal channel drops.
type ReconnectConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"` // -1 retries forever
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// Retry converts the section into a retry.Config.
func (r ReconnectConfig) Retry() retry.Config {
	return retry.Config{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
	}
}

// LogConfig selects level and format of the logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
	// MaxSizeMB rotates the log file once it grows past this size.
	MaxSizeMB      int64         `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	RotateInterval time.Duration `mapstructure:"rotate_interval" yaml:"rotate_interval"`
}

// TracingConfig enables OTLP span export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers every key with its default. Durations are strings so
// AllSettings renders them the way a user writes them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("display.endpoint", "ws://localhost:8080/ws")
	v.SetDefault("display.listen", ":8090")
	v.SetDefault("display.tick_interval", "10ms")
	v.SetDefault("display.push_interval", "100ms")
	v.SetDefault("display.idle_timeout", "0s")
	v.SetDefault("display.archive_first_reset", false)
	v.SetDefault("display.clamp_negative", true)
	v.SetDefault("display.strict_tokens", false)
	v.SetDefault("display.api_key", "")
	v.SetDefault("display.ca_file", "")
	v.SetDefault("display.render", false)

	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.store", "memory")
	v.SetDefault("relay.dsn", "chrono.db")
	v.SetDefault("relay.upload_dir", "tmp")
	v.SetDefault("relay.api_key_hash", "")
	v.SetDefault("relay.rate_limit_rps", 20.0)
	v.SetDefault("relay.rate_limit_burst", 5)
	v.SetDefault("relay.cert_file", "")
	v.SetDefault("relay.key_file", "")

	v.SetDefault("reconnect.max_retries", retry.Unlimited)
	v.SetDefault("reconnect.initial_backoff", "500ms")
	v.SetDefault("reconnect.max_backoff", "10s")
	v.SetDefault("reconnect.multiplier", 2.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.rotate_interval", "1m")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
}

// BindEnv makes every key overridable through CHRONO_<SECTION>_<KEY>.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Display.TickInterval <= 0 {
		return fmt.Errorf("display.tick_interval must be positive, got %s", c.Display.TickInterval)
	}
	if c.Display.PushInterval <= 0 {
		return fmt.Errorf("display.push_interval must be positive, got %s", c.Display.PushInterval)
	}
	if c.Display.IdleTimeout < 0 {
		return fmt.Errorf("display.idle_timeout must not be negative")
	}
	switch c.Relay.Store {
	case "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("relay.store must be memory, sqlite or postgres, got %q", c.Relay.Store)
	}
	if c.Relay.RateLimitRPS < 0 || c.Relay.RateLimitBurst < 0 {
		return fmt.Errorf("relay rate limit must not be negative")
	}
	if (c.Relay.CertFile == "") != (c.Relay.KeyFile == "") {
		return fmt.Errorf("relay.cert_file and relay.key_file must be set together")
	}
	if c.Reconnect.MaxRetries < retry.Unlimited {
		return fmt.Errorf("reconnect.max_retries must be >= %d", retry.Unlimited)
	}
	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Log.File && (c.Log.MaxSizeMB <= 0 || c.Log.RotateInterval <= 0) {
		return fmt.Errorf("log.max_size_mb and log.rotate_interval must be positive when log.file is set")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	return nil
}
