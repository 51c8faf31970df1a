package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the smscast dispatch core.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Transport  TransportConfig  `yaml:"transport"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds the control-surface HTTP listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection used by the rate limiter and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DispatchConfig holds executor, retry, and tracking settings.
type DispatchConfig struct {
	SendSpeed            int `yaml:"send_speed"`             // messages/hour, default 300
	SIMSlot              int `yaml:"sim_slot"`               // default SIM slot
	AckTimeoutMs         int `yaml:"ack_timeout_ms"`         // transport send ack, default 30000
	DeliveryTimeoutMs    int `yaml:"delivery_timeout_ms"`    // report timeout, default 900000
	RetryMaxAttempts     int `yaml:"retry_max_attempts"`     // default 5
	RetryBaseMs          int `yaml:"retry_base_ms"`          // default 5000
	RetryCapMs           int `yaml:"retry_cap_ms"`           // default 300000
	MaxParallelSessions  int `yaml:"max_parallel_sessions"`  // default 1 (radio is shared)
	CheckpointIntervalMs int `yaml:"checkpoint_interval_ms"` // default 250
	CheckpointEvery      int `yaml:"checkpoint_every"`       // recipients, default 50
	CompletionGraceMs    int `yaml:"completion_grace_ms"`    // retry drain window, default 300000
	StatsIntervalMs      int `yaml:"stats_interval_ms"`      // default 2000
	ProgressIntervalMs   int `yaml:"progress_interval_ms"`   // default 500
	SchedulerPollMs      int `yaml:"scheduler_poll_ms"`      // default 30000
	LeaseTTLMs           int `yaml:"lease_ttl_ms"`           // default 120000
}

// CategoryLimits are the sliding-window limits and per-number cooldown for
// one campaign category.
type CategoryLimits struct {
	PerSecond  int `yaml:"per_second"`
	PerMinute  int `yaml:"per_minute"`
	PerHour    int `yaml:"per_hour"`
	PerDay     int `yaml:"per_day"`
	CooldownMs int `yaml:"cooldown_ms"`
}

// QuietHours is a local wall-clock window in which a category must not send.
// Exact defaults vary by jurisdiction; shipped disabled.
type QuietHours struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"` // "22:00" local
	End     string `yaml:"end"`   // "07:00" local
}

// RateLimitConfig holds per-category limits, quiet hours, and hard blocks.
type RateLimitConfig struct {
	PerCategory     map[string]CategoryLimits `yaml:"per_category"`
	QuietHours      map[string]QuietHours     `yaml:"quiet_hours"`
	BlockedPrefixes []string                  `yaml:"blocked_prefixes"`
}

// ComplianceConfig holds regulatory policy switches.
type ComplianceConfig struct {
	RequireConsent bool   `yaml:"require_consent"` // MARKETING needs a consent record
	DefaultRegion  string `yaml:"default_region"`  // ISO region for numbers without +CC
}

// TransportConfig selects and configures the SMS transport.
type TransportConfig struct {
	Kind string     `yaml:"kind"` // "loopback" or "smpp"
	SMPP SMPPConfig `yaml:"smpp"`
}

// SMPPConfig holds SMPP bind settings for the smpp transport.
type SMPPConfig struct {
	Addr       string `yaml:"addr"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	SystemType string `yaml:"system_type"`
	SourceAddr string `yaml:"source_addr"`
}

// RetentionConfig controls cleanup of old terminal outbound rows.
type RetentionConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAgeHours int  `yaml:"max_age_hours"`
}

// Duration helpers so callers don't repeat the ms conversion.

func (d DispatchConfig) AckTimeout() time.Duration {
	return time.Duration(d.AckTimeoutMs) * time.Millisecond
}
func (d DispatchConfig) DeliveryTimeout() time.Duration {
	return time.Duration(d.DeliveryTimeoutMs) * time.Millisecond
}
func (d DispatchConfig) RetryBase() time.Duration {
	return time.Duration(d.RetryBaseMs) * time.Millisecond
}
func (d DispatchConfig) RetryCap() time.Duration {
	return time.Duration(d.RetryCapMs) * time.Millisecond
}
func (d DispatchConfig) CheckpointInterval() time.Duration {
	return time.Duration(d.CheckpointIntervalMs) * time.Millisecond
}
func (d DispatchConfig) CompletionGrace() time.Duration {
	return time.Duration(d.CompletionGraceMs) * time.Millisecond
}
func (d DispatchConfig) StatsInterval() time.Duration {
	return time.Duration(d.StatsIntervalMs) * time.Millisecond
}
func (d DispatchConfig) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressIntervalMs) * time.Millisecond
}
func (d DispatchConfig) SchedulerPoll() time.Duration {
	return time.Duration(d.SchedulerPollMs) * time.Millisecond
}
func (d DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(d.LeaseTTLMs) * time.Millisecond
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8085"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}

	d := &cfg.Dispatch
	if d.SendSpeed == 0 {
		d.SendSpeed = 300
	}
	if d.AckTimeoutMs == 0 {
		d.AckTimeoutMs = 30000
	}
	if d.DeliveryTimeoutMs == 0 {
		d.DeliveryTimeoutMs = 15 * 60 * 1000
	}
	if d.RetryMaxAttempts == 0 {
		d.RetryMaxAttempts = 5
	}
	if d.RetryBaseMs == 0 {
		d.RetryBaseMs = 5000
	}
	if d.RetryCapMs == 0 {
		d.RetryCapMs = 5 * 60 * 1000
	}
	if d.MaxParallelSessions == 0 {
		d.MaxParallelSessions = 1
	}
	if d.CheckpointIntervalMs == 0 {
		d.CheckpointIntervalMs = 250
	}
	if d.CheckpointEvery == 0 {
		d.CheckpointEvery = 50
	}
	if d.CompletionGraceMs == 0 {
		d.CompletionGraceMs = 5 * 60 * 1000
	}
	if d.StatsIntervalMs == 0 {
		d.StatsIntervalMs = 2000
	}
	if d.ProgressIntervalMs == 0 {
		d.ProgressIntervalMs = 500
	}
	if d.SchedulerPollMs == 0 {
		d.SchedulerPollMs = 30000
	}
	if d.LeaseTTLMs == 0 {
		d.LeaseTTLMs = 120000
	}

	if cfg.RateLimit.PerCategory == nil {
		cfg.RateLimit.PerCategory = map[string]CategoryLimits{}
	}
	if _, ok := cfg.RateLimit.PerCategory["MARKETING"]; !ok {
		cfg.RateLimit.PerCategory["MARKETING"] = CategoryLimits{
			PerSecond: 1, PerMinute: 30, PerHour: 500, PerDay: 2000, CooldownMs: 60000,
		}
	}
	if _, ok := cfg.RateLimit.PerCategory["TRANSACTIONAL"]; !ok {
		cfg.RateLimit.PerCategory["TRANSACTIONAL"] = CategoryLimits{
			PerSecond: 5, PerMinute: 120, PerHour: 2000, PerDay: 10000, CooldownMs: 10000,
		}
	}
	if _, ok := cfg.RateLimit.PerCategory["SERVICE"]; !ok {
		cfg.RateLimit.PerCategory["SERVICE"] = CategoryLimits{
			PerSecond: 5, PerMinute: 120, PerHour: 2000, PerDay: 10000, CooldownMs: 10000,
		}
	}
	if cfg.Compliance.DefaultRegion == "" {
		cfg.Compliance.DefaultRegion = "KE"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "loopback"
	}
	if cfg.Retention.MaxAgeHours == 0 {
		cfg.Retention.MaxAgeHours = 24 * 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SMSCAST_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SMPP_ADDR"); v != "" {
		cfg.Transport.Kind = "smpp"
		cfg.Transport.SMPP.Addr = v
	}
	if v := os.Getenv("SMPP_USER"); v != "" {
		cfg.Transport.SMPP.User = v
	}
	if v := os.Getenv("SMPP_PASSWORD"); v != "" {
		cfg.Transport.SMPP.Password = v
	}
	if v := os.Getenv("SEND_SPEED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.SendSpeed = n
		}
	}

	return cfg, nil
}
