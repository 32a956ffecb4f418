// Package config provides YAML-based configuration loading for asap nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// AgentID is the local stable agent identifier used on envelopes
	AgentID string `mapstructure:"agent_id"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Protocol holds envelope/task limits
	Protocol ProtocolConfig `mapstructure:"protocol"`

	// Reliability controls the ack/retry layer
	Reliability ReliabilityConfig `mapstructure:"reliability"`

	// RateLimit controls per-sender admission
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Pool controls outbound connections and the manifest cache
	Pool PoolConfig `mapstructure:"pool"`

	// Transports list to configure multiple inbound/outbound links
	Transports []TransportConfig `mapstructure:"transports"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProtocolConfig bounds envelopes and the task tree.
type ProtocolConfig struct {
	MaxTaskDepth   int           `mapstructure:"max_task_depth"`
	DedupTTL       time.Duration `mapstructure:"dedup_ttl"`
	RetainTerminal time.Duration `mapstructure:"retain_terminal"`
}

// ReliabilityConfig tunes the acknowledgment protocol.
type ReliabilityConfig struct {
	AckDeadline      time.Duration `mapstructure:"ack_deadline"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BackoffJitter    time.Duration `mapstructure:"backoff_jitter"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// RateLimitConfig tunes the token-bucket admission layer.
type RateLimitConfig struct {
	Rate    float64       `mapstructure:"rate"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// PoolConfig tunes outbound connections and the manifest cache.
type PoolConfig struct {
	MaxConns    int           `mapstructure:"max_conns"`
	PerDest     int           `mapstructure:"per_dest"`
	ManifestTTL time.Duration `mapstructure:"manifest_ttl"`
	ManifestMax int           `mapstructure:"manifest_max"`
}

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: tcp
//     listen: [":7420"]
//     dial:
//       - address: "10.0.0.2:7420"
//         agent_id: "worker-1"
//   - kind: quic
//     listen: [":4433"]
//   - kind: ws
//     listen: [":8420"]
//   - kind: mem
//     listen: ["inproc://test"]
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	// Mode selects the binding for listeners: "async" (default) keeps
	// sessions open and acknowledges explicitly, "sync" answers one
	// envelope per connection.
	Mode   string           `mapstructure:"mode"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	AgentID string `mapstructure:"agent_id"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "asap-node",
		AgentID: "agent-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/asap.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Protocol: ProtocolConfig{
			MaxTaskDepth:   8,
			DedupTTL:       10 * time.Minute,
			RetainTerminal: time.Hour,
		},
		Reliability: ReliabilityConfig{
			AckDeadline:      30 * time.Second,
			BackoffInitial:   500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    100 * time.Millisecond,
			MaxAttempts:      5,
			BreakerThreshold: 3,
			BreakerCooldown:  time.Minute,
		},
		RateLimit: RateLimitConfig{
			Rate:    50,
			Burst:   100,
			IdleTTL: 10 * time.Minute,
		},
		Pool: PoolConfig{
			MaxConns:    64,
			PerDest:     4,
			ManifestTTL: 5 * time.Minute,
			ManifestMax: 256,
		},
		Transports: []TransportConfig{
			{
				Kind:   "tcp",
				Listen: []string{":7420"},
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix ASAP and `.`/`-` are replaced with `_`.
// Example: ASAP_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ASAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("agent_id", cfg.AgentID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("protocol.max_task_depth", cfg.Protocol.MaxTaskDepth)
	v.SetDefault("protocol.dedup_ttl", cfg.Protocol.DedupTTL)
	v.SetDefault("protocol.retain_terminal", cfg.Protocol.RetainTerminal)
	v.SetDefault("reliability.ack_deadline", cfg.Reliability.AckDeadline)
	v.SetDefault("reliability.backoff_initial", cfg.Reliability.BackoffInitial)
	v.SetDefault("reliability.backoff_max", cfg.Reliability.BackoffMax)
	v.SetDefault("reliability.backoff_jitter", cfg.Reliability.BackoffJitter)
	v.SetDefault("reliability.max_attempts", cfg.Reliability.MaxAttempts)
	v.SetDefault("reliability.breaker_threshold", cfg.Reliability.BreakerThreshold)
	v.SetDefault("reliability.breaker_cooldown", cfg.Reliability.BreakerCooldown)
	v.SetDefault("rate_limit.rate", cfg.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_ttl", cfg.RateLimit.IdleTTL)
	v.SetDefault("pool.max_conns", cfg.Pool.MaxConns)
	v.SetDefault("pool.per_dest", cfg.Pool.PerDest)
	v.SetDefault("pool.manifest_ttl", cfg.Pool.ManifestTTL)
	v.SetDefault("pool.manifest_max", cfg.Pool.ManifestMax)
	v.SetDefault("transports", cfg.Transports)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("ASAP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `asap`
		v.SetConfigName("asap")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".asap"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.AgentID) == "" {
		c.AgentID = "agent-1"
	}
	if c.Protocol.MaxTaskDepth <= 0 {
		c.Protocol.MaxTaskDepth = 8
	}
	if c.Reliability.AckDeadline <= 0 {
		return fmt.Errorf("reliability.ack_deadline must be positive")
	}
	if c.Reliability.MaxAttempts <= 0 {
		return fmt.Errorf("reliability.max_attempts must be positive")
	}
	if c.Reliability.BackoffMax < c.Reliability.BackoffInitial {
		return fmt.Errorf("reliability.backoff_max below backoff_initial")
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		mode := strings.ToLower(strings.TrimSpace(c.Transports[i].Mode))
		if mode == "" {
			mode = "async"
		}
		if mode != "async" && mode != "sync" {
			return fmt.Errorf("transports[%d].mode must be sync or async", i)
		}
		c.Transports[i].Mode = mode
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
