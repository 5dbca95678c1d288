// Package config loads the engine's runtime settings from a YAML file,
// then applies environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the lending engine.
type Config struct {
	Listen    string          `yaml:"listen"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TrustProxyHeaders takes the client address from X-Real-IP and
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DatabaseConfig points at PostgreSQL. An empty URL selects the in-memory
// store.
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// OracleConfig configures price resolution and the background refresher.
type OracleConfig struct {
	HermesURL       string        `yaml:"hermes_url"` // empty disables the refresher
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_second"`
	Burst           int           `yaml:"burst"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxFutureSkew   time.Duration `yaml:"max_future_skew"`
	MaxConfBps      uint32        `yaml:"max_conf_bps"`
	AccountCache    int           `yaml:"account_cache"`
	TrustedSigners  []string      `yaml:"trusted_signers"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client. Zero disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":8080",
		Server: ServerConfig{
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{TTL: 30 * time.Second},
		Oracle: OracleConfig{
			RefreshInterval: 10 * time.Second,
			RequestTimeout:  5 * time.Second,
			RequestsPerSec:  5,
			Burst:           5,
			MaxAge:          60 * time.Second,
			MaxFutureSkew:   5 * time.Second,
			AccountCache:    4096,
		},
		Auth: AuthConfig{
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file settings with deployment environment variables.
func (cfg *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		cfg.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := getenv("HERMES_URL"); v != "" {
		cfg.Oracle.HermesURL = v
	}
	if v := getenv("AUTH_HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (cfg *Config) normalize() {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
	cfg.Database.URL = strings.TrimSpace(cfg.Database.URL)
	cfg.Redis.URL = strings.TrimSpace(cfg.Redis.URL)
	cfg.Oracle.HermesURL = strings.TrimRight(strings.TrimSpace(cfg.Oracle.HermesURL), "/")
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)

	var signers []string
	for _, s := range cfg.Oracle.TrustedSigners {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			signers = append(signers, trimmed)
		}
	}
	cfg.Oracle.TrustedSigners = signers
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if cfg.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if cfg.Server.ReadTimeout <= 0 || cfg.Server.WriteTimeout <= 0 || cfg.Server.RequestTimeout <= 0 || cfg.Server.ShutdownTimeout <= 0 {
		return errors.New("config: server timeouts must be positive")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	if cfg.Redis.URL != "" && cfg.Database.URL == "" {
		return errors.New("config: redis.url requires database.url")
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("config: oracle: %w", err)
	}
	if cfg.Auth.Enabled && len(cfg.Auth.HMACSecret) < 16 {
		return errors.New("config: auth.hmac_secret must be at least 16 characters when auth is enabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("config: rate_limit values must not be negative")
	}
	return nil
}

func (cfg OracleConfig) validate() error {
	if cfg.MaxAge <= 0 {
		return errors.New("max_age must be positive")
	}
	if cfg.MaxFutureSkew < 0 {
		return errors.New("max_future_skew must not be negative")
	}
	if cfg.MaxConfBps > 10000 {
		return fmt.Errorf("max_conf_bps %d exceeds 10000", cfg.MaxConfBps)
	}
	if cfg.AccountCache <= 0 {
		return errors.New("account_cache must be positive")
	}
	if cfg.HermesURL != "" && cfg.RefreshInterval <= 0 {
		return errors.New("refresh_interval must be positive when hermes_url is set")
	}
	for _, s := range cfg.TrustedSigners {
		if !common.IsHexAddress(s) {
			return fmt.Errorf("trusted signer %q is not a hex address", s)
		}
	}
	return nil
}

// Signers returns the trusted publisher addresses.
func (cfg OracleConfig) Signers() []common.Address {
	out := make([]common.Address, 0, len(cfg.TrustedSigners))
	for _, s := range cfg.TrustedSigners {
		out = append(out, common.HexToAddress(s))
	}
	return out
}
