package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/elderhq/elder/pkg/models"
)

// Config holds all configuration for the Elder server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// SchedulerConfig tunes the discovery dispatch loop. The retry knobs feed a
// capped exponential backoff with jitter; RetryInitial is the first delay,
// RetryMax the per-attempt ceiling, MaxRetries the attempt ceiling after
// which a cycle is declared failed and the job waits for its natural tick.
type SchedulerConfig struct {
	TickInterval  time.Duration
	MaxConcurrent int
	JobTimeout    time.Duration
	MaxRetries    int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	ProviderRPS   float64
}

// SyncConfig tunes the PM-tool two-way sync.
type SyncConfig struct {
	DefaultStrategy models.Strategy
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ELDER_PORT", 8080),
			Env:  envString("ELDER_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scheduler: SchedulerConfig{
			TickInterval:  envDuration("SCHEDULER_TICK_INTERVAL", 15*time.Second),
			MaxConcurrent: envInt("SCHEDULER_MAX_CONCURRENT", 8),
			JobTimeout:    envDuration("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			MaxRetries:    envInt("SCHEDULER_MAX_RETRIES", 5),
			RetryInitial:  envDuration("SCHEDULER_RETRY_INITIAL", 30*time.Second),
			RetryMax:      envDuration("SCHEDULER_RETRY_MAX", 15*time.Minute),
			ProviderRPS:   envFloat("SCHEDULER_PROVIDER_RPS", 1.0),
		},
		Sync: SyncConfig{
			DefaultStrategy: models.Strategy(envString("SYNC_DEFAULT_STRATEGY", string(models.StrategyLastModifiedWins))),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("SCHEDULER_MAX_RETRIES must not be negative, got %d", c.Scheduler.MaxRetries)
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("SCHEDULER_TICK_INTERVAL must be at least 1s, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.RetryInitial <= 0 || c.Scheduler.RetryMax < c.Scheduler.RetryInitial {
		return fmt.Errorf("scheduler retry bounds invalid: initial %s, max %s",
			c.Scheduler.RetryInitial, c.Scheduler.RetryMax)
	}

	if !c.Sync.DefaultStrategy.Valid() {
		return fmt.Errorf("SYNC_DEFAULT_STRATEGY must be one of last_modified_wins, local_wins, external_wins, field_merge, manual; got %q",
			c.Sync.DefaultStrategy)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
