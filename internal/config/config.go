// Package config reads beacon's runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Retry media.
const (
	MediumBackend = "backend" // kv_items table of the configured backend
	MediumFile    = "file"
	MediumRedis   = "redis"
	MediumMemory  = "memory"
)

// Config holds all beacon configuration.
type Config struct {
	// Backend selects the data store. Values: "sqlite", "postgres".
	Backend string

	// DBPath is the SQLite database file. Default: XDG data dir.
	DBPath string

	// PostgresDSN is required for the postgres backend.
	PostgresDSN string

	Retry     RetryConfig
	Redis     RedisConfig
	Collector CollectorConfig
	Telemetry TelemetryConfig

	// SerializeDailyStats queues daily stat increments per user and day
	// inside the process. Default: true.
	SerializeDailyStats bool

	// LogLevel is a zap level name. Default: "info".
	LogLevel string
}

// RetryConfig selects where failed batches are kept.
type RetryConfig struct {
	Medium string // Default: "backend"
	Dir    string // For the file medium
	Key    string // Default: "beacon.failed_events"
}

// RedisConfig configures the redis retry medium.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CollectorConfig configures the teardown beacon target and the collector
// server.
type CollectorConfig struct {
	// URL is where teardown beacons are posted. Empty disables them.
	URL string

	// Addr is the listen address of `beacon collect`. Default: ":8787".
	Addr string
}

// TelemetryConfig tunes the event pipeline.
type TelemetryConfig struct {
	BatchSize         int           // Default: 5
	FlushInterval     time.Duration // Default: 10s
	HeartbeatInterval time.Duration // Default: 60s
	BeaconTimeout     time.Duration // Default: 5s
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		Retry: RetryConfig{
			Medium: MediumBackend,
			Key:    "beacon.failed_events",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Collector: CollectorConfig{
			Addr: ":8787",
		},
		Telemetry: TelemetryConfig{
			BatchSize:         5,
			FlushInterval:     10 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			BeaconTimeout:     5 * time.Second,
		},
		SerializeDailyStats: true,
		LogLevel:            "info",
	}
}

// LoadDotEnv loads variables from the given .env files (default: ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv builds a Config from BEACON_* environment variables, falling
// back to defaults for unset values.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("BEACON_BACKEND", &cfg.Backend)
	str("BEACON_DB", &cfg.DBPath)
	str("BEACON_POSTGRES_DSN", &cfg.PostgresDSN)

	str("BEACON_RETRY_MEDIUM", &cfg.Retry.Medium)
	str("BEACON_RETRY_DIR", &cfg.Retry.Dir)
	str("BEACON_RETRY_KEY", &cfg.Retry.Key)

	str("BEACON_REDIS_ADDR", &cfg.Redis.Addr)
	str("BEACON_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("BEACON_REDIS_DB", &cfg.Redis.DB)

	str("BEACON_COLLECTOR_URL", &cfg.Collector.URL)
	str("BEACON_COLLECTOR_ADDR", &cfg.Collector.Addr)

	integer("BEACON_BATCH_SIZE", &cfg.Telemetry.BatchSize)
	duration("BEACON_FLUSH_INTERVAL", &cfg.Telemetry.FlushInterval)
	duration("BEACON_HEARTBEAT_INTERVAL", &cfg.Telemetry.HeartbeatInterval)
	duration("BEACON_BEACON_TIMEOUT", &cfg.Telemetry.BeaconTimeout)

	boolean("BEACON_SERIALIZE_DAILY_STATS", &cfg.SerializeDailyStats)
	str("BEACON_LOG_LEVEL", &cfg.LogLevel)

	return cfg, errors.Join(errs...)
}

// Validate checks that the selected backend and retry medium have what they
// need and that the pipeline settings are usable.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("BEACON_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}

	switch c.Retry.Medium {
	case MediumBackend, MediumMemory:
	case MediumFile:
		if c.Retry.Dir == "" {
			return fmt.Errorf("BEACON_RETRY_DIR is required for the file retry medium")
		}
	case MediumRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("BEACON_REDIS_ADDR is required for the redis retry medium")
		}
	default:
		return fmt.Errorf("unknown retry medium: %q", c.Retry.Medium)
	}

	if c.Telemetry.BatchSize < 1 {
		return fmt.Errorf("BEACON_BATCH_SIZE must be at least 1, got %d", c.Telemetry.BatchSize)
	}
	if c.Telemetry.FlushInterval <= 0 {
		return fmt.Errorf("BEACON_FLUSH_INTERVAL must be positive, got %s", c.Telemetry.FlushInterval)
	}
	if c.Telemetry.HeartbeatInterval <= 0 {
		return fmt.Errorf("BEACON_HEARTBEAT_INTERVAL must be positive, got %s", c.Telemetry.HeartbeatInterval)
	}
	return nil
}
