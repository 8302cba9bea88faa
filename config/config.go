// Package config loads the contractflow process configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"contractflow/lifecycle"
)

// Config is the full process configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Redis    RedisConfig    `yaml:"redis"`
	Outbox   OutboxConfig   `yaml:"outbox"`
}

type DatabaseConfig struct {
	URL               string   `yaml:"url"`
	MaxConns          int32    `yaml:"max_conns"`
	MinConns          int32    `yaml:"min_conns"`
	MaxConnLifetime   Duration `yaml:"max_conn_lifetime"`
	HealthCheckPeriod Duration `yaml:"health_check_period"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	JWTSecret      string   `yaml:"jwt_secret"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Lease backends.
const (
	LeasePostgres = "postgres"
	LeaseRedis    = "redis"
	LeaseMemory   = "memory"
)

type SweeperConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Interval     Duration `yaml:"interval"`
	LeaseTTL     Duration `yaml:"lease_ttl"`
	LeaseBackend string   `yaml:"lease_backend"`
	BatchSize    int      `yaml:"batch_size"`
	MaxPerSecond float64  `yaml:"max_per_second"`
	Tenants      []string `yaml:"tenants"`
}

type RedisConfig struct {
	URL         string `yaml:"url"`
	LeasePrefix string `yaml:"lease_prefix"`
}

type OutboxConfig struct {
	Enabled       bool     `yaml:"enabled"`
	ChannelPrefix string   `yaml:"channel_prefix"`
	Interval      Duration `yaml:"interval"`
	BatchSize     int      `yaml:"batch_size"`
	MaxAttempts   int      `yaml:"max_attempts"`
	Retries       int      `yaml:"retries"`
}

// Duration wraps time.Duration for YAML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when neither file nor environment
// say otherwise.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConns:          10,
			MinConns:          1,
			MaxConnLifetime:   Duration{30 * time.Minute},
			HealthCheckPeriod: Duration{30 * time.Second},
		},
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Addr: ":8080", RequestTimeout: Duration{10 * time.Second}},
		Sweeper: SweeperConfig{
			Interval:     Duration{time.Minute},
			LeaseTTL:     Duration{2 * time.Minute},
			LeaseBackend: LeasePostgres,
			BatchSize:    500,
		},
		Redis: RedisConfig{LeasePrefix: "contractflow:sweep_lease:"},
		Outbox: OutboxConfig{
			ChannelPrefix: "contractflow:",
			Interval:      Duration{time.Second},
			BatchSize:     50,
			MaxAttempts:   5,
			Retries:       3,
		},
	}
}

// TenantIDs returns the configured sweep tenants.
func (s SweeperConfig) TenantIDs() []lifecycle.TenantID {
	out := make([]lifecycle.TenantID, 0, len(s.Tenants))
	for _, t := range s.Tenants {
		out = append(out, lifecycle.TenantID(t))
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (or set DATABASE_URL)"))
	}
	if c.Database.MaxConns < 1 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("database pool sizing invalid: min_conns=%d max_conns=%d", c.Database.MinConns, c.Database.MaxConns))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Sweeper.Interval.Duration <= 0 || c.Sweeper.LeaseTTL.Duration <= 0 {
		errs = append(errs, errors.New("sweeper.interval and sweeper.lease_ttl must be positive"))
	}
	if c.Sweeper.BatchSize < 1 {
		errs = append(errs, errors.New("sweeper.batch_size must be positive"))
	}
	if c.Sweeper.MaxPerSecond < 0 {
		errs = append(errs, errors.New("sweeper.max_per_second must not be negative"))
	}
	switch c.Sweeper.LeaseBackend {
	case LeasePostgres, LeaseMemory:
	case LeaseRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("sweeper.lease_backend redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("sweeper.lease_backend %q is not one of postgres, redis, memory", c.Sweeper.LeaseBackend))
	}
	if c.Sweeper.Enabled && len(c.Sweeper.Tenants) == 0 {
		errs = append(errs, errors.New("sweeper.enabled requires at least one tenant"))
	}
	if c.Outbox.Enabled {
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("outbox.enabled requires redis.url"))
		}
		if c.Outbox.BatchSize < 1 || c.Outbox.MaxAttempts < 1 || c.Outbox.Retries < 0 {
			errs = append(errs, errors.New("outbox batch_size and max_attempts must be positive, retries not negative"))
		}
	}
	return errors.Join(errs...)
}
