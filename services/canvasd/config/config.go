// Package config loads the canvasd configuration file. YAML and TOML are
// both accepted; the format follows the file extension.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/ledger"
	"tokencanvas/services/canvasd/tier"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText backs the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for canvasd.
type Config struct {
	Environment   string              `yaml:"env" toml:"env"`
	Listen        string              `yaml:"listen" toml:"listen"`
	Redis         RedisConfig         `yaml:"redis" toml:"redis"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Admin         AdminConfig         `yaml:"admin" toml:"admin"`
	Oracle        OracleConfig        `yaml:"oracle" toml:"oracle"`
	Tiers         []TierConfig        `yaml:"tiers" toml:"tiers"`
	Queue         QueueConfig         `yaml:"queue" toml:"queue"`
	Events        EventsConfig        `yaml:"events" toml:"events"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// RedisConfig locates the shared canvas store.
type RedisConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// DatabaseConfig locates the durable ledger.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig verifies wallet session tokens.
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	AdminAddresses []string `yaml:"admin_addresses" toml:"admin_addresses"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// AdminConfig holds the operator shared secrets.
type AdminConfig struct {
	Secret     string `yaml:"secret" toml:"secret"`
	CronSecret string `yaml:"cron_secret" toml:"cron_secret"`
}

// OracleConfig configures the ERC-20 balance source.
type OracleConfig struct {
	RPCURL   string   `yaml:"rpc_url" toml:"rpc_url"`
	Token    string   `yaml:"token" toml:"token"`
	Decimals uint8    `yaml:"decimals" toml:"decimals"`
	CacheTTL Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// TierConfig is one row of the tier table.
type TierConfig struct {
	Name       string   `yaml:"name" toml:"name"`
	MinTokens  int64    `yaml:"min_tokens" toml:"min_tokens"`
	Cooldown   Duration `yaml:"cooldown" toml:"cooldown"`
	Protection Duration `yaml:"protection" toml:"protection"`
}

// QueueConfig tunes the persistence processor and its scheduler.
type QueueConfig struct {
	BatchSize      int      `yaml:"batch_size" toml:"batch_size"`
	MaxBatches     int      `yaml:"max_batches" toml:"max_batches"`
	LeaseTTL       Duration `yaml:"lease_ttl" toml:"lease_ttl"`
	Interval       Duration `yaml:"interval" toml:"interval"`
	BackupInterval Duration `yaml:"backup_interval" toml:"backup_interval"`
	NudgeThreshold int64    `yaml:"nudge_threshold" toml:"nudge_threshold"`
	RebuildBatch   int      `yaml:"rebuild_batch" toml:"rebuild_batch"`
}

// EventsConfig configures placement fan-out.
type EventsConfig struct {
	Channel        string   `yaml:"channel" toml:"channel"`
	Attempts       int      `yaml:"attempts" toml:"attempts"`
	PublishTimeout Duration `yaml:"publish_timeout" toml:"publish_timeout"`
}

// RateLimitConfig bounds API requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// ObservabilityConfig wires OpenTelemetry exporters.
type ObservabilityConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from the supplied path, applies environment
// overrides and defaults, then validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	overrides := map[string]*string{
		"CANVAS_ENV":          &cfg.Environment,
		"CANVAS_ADMIN_SECRET": &cfg.Admin.Secret,
		"CANVAS_CRON_SECRET":  &cfg.Admin.CronSecret,
		"CANVAS_JWT_SECRET":   &cfg.Auth.JWTSecret,
		"CANVAS_REDIS_URL":    &cfg.Redis.URL,
		"CANVAS_DATABASE_DSN": &cfg.Database.DSN,
		"CANVAS_RPC_URL":      &cfg.Oracle.RPCURL,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			*target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "canvas"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = ledger.DriverPostgres
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Oracle.Decimals == 0 {
		cfg.Oracle.Decimals = 18
	}
	if cfg.Oracle.CacheTTL.Duration == 0 {
		cfg.Oracle.CacheTTL.Duration = 30 * time.Second
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 5 * time.Second
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 500
	}
	if cfg.Queue.MaxBatches <= 0 {
		cfg.Queue.MaxBatches = 20
	}
	if cfg.Queue.LeaseTTL.Duration == 0 {
		cfg.Queue.LeaseTTL.Duration = 5 * time.Minute
	}
	if cfg.Queue.Interval.Duration == 0 {
		cfg.Queue.Interval.Duration = time.Minute
	}
	if cfg.Queue.NudgeThreshold == 0 {
		cfg.Queue.NudgeThreshold = 1000
	}
	if cfg.Queue.RebuildBatch <= 0 {
		cfg.Queue.RebuildBatch = 1000
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "canvas:events"
	}
	if cfg.Events.Attempts <= 0 {
		cfg.Events.Attempts = 3
	}
	if cfg.Events.PublishTimeout.Duration == 0 {
		cfg.Events.PublishTimeout.Duration = 5 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	if strings.TrimSpace(cfg.Admin.Secret) == "" {
		return fmt.Errorf("admin.secret must be configured")
	}
	switch cfg.Database.Driver {
	case ledger.DriverPostgres, ledger.DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q", ledger.DriverPostgres, ledger.DriverSQLite)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if strings.TrimSpace(cfg.Oracle.RPCURL) == "" {
		return fmt.Errorf("oracle.rpc_url must be configured")
	}
	if _, ok := canvas.NormalizeAddress(cfg.Oracle.Token); !ok {
		return fmt.Errorf("oracle.token must be a contract address")
	}
	for _, addr := range cfg.Auth.AdminAddresses {
		if _, ok := canvas.NormalizeAddress(addr); !ok {
			return fmt.Errorf("auth.admin_addresses: invalid address %q", addr)
		}
	}
	if cfg.Queue.LeaseTTL.Duration < time.Second {
		return fmt.Errorf("queue.lease_ttl must be at least 1s")
	}
	if cfg.Queue.BackupInterval.Duration < 0 {
		return fmt.Errorf("queue.backup_interval must not be negative")
	}
	if _, err := cfg.TierTable(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}

// TierTable builds the configured tier table, or the default table when no
// tiers are configured.
func (c Config) TierTable() (*tier.Table, error) {
	if len(c.Tiers) == 0 {
		return tier.Default(), nil
	}
	tiers := make([]tier.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, tier.Tier{
			Name:       t.Name,
			MinTokens:  t.MinTokens,
			Cooldown:   t.Cooldown.Duration,
			Protection: t.Protection.Duration,
		})
	}
	return tier.NewTable(tiers)
}
