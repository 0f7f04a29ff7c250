package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"hearthsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Backup     BackupConfig     `yaml:"backup"`
	Transport  TransportConfig  `yaml:"transport"`
	Queue      QueueConfig      `yaml:"queue"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sync       SyncConfig       `yaml:"sync"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Accounts   []models.Scope   `yaml:"accounts"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type TransportConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	BatchSize     int           `yaml:"batch_size"`
}

type CheckpointConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	QueryOutcome bool          `yaml:"query_outcome"`
}

type SyncConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type RateLimitConfig struct {
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Burst           int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from the
// environment (and an optional .env file), then applies defaults and validates.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case StoreRedis:
		if c.Store.Redis.Address == "" {
			return errors.New("store.redis.address is required for the redis driver")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Transport.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Transport.BaseURL); err != nil {
			return fmt.Errorf("transport.base_url: %w", err)
		}
	}

	if c.Queue.MaxDelay < c.Queue.InitialDelay {
		return errors.New("queue.max_delay must not be smaller than queue.initial_delay")
	}
	if c.Queue.BackoffFactor < 1 {
		return errors.New("queue.backoff_factor must be at least 1")
	}

	return ValidateAccounts(c.Accounts)
}

func ValidateAccounts(accounts []models.Scope) error {
	seen := make(map[models.Scope]bool)
	for _, acc := range accounts {
		if !acc.Valid() {
			return fmt.Errorf("account with household %q has no user_id", acc.HouseholdID)
		}
		if seen[acc] {
			return fmt.Errorf("duplicate account: %s", acc)
		}
		seen[acc] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "hearthsync"
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = "data/queue.db"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 15 * time.Second
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}

	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Queue.InitialDelay == 0 {
		c.Queue.InitialDelay = models.DefaultInitialDelay
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = models.DefaultMaxDelay
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = models.DefaultBackoffFactor
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = models.DefaultBatchSize
	}

	if c.Checkpoint.TTL == 0 {
		c.Checkpoint.TTL = models.DefaultCheckpointTTL
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.MaxInterval == 0 {
		c.Sync.MaxInterval = models.DefaultSyncMaxIdle
	}
	if c.Sync.BatchTimeout == 0 {
		c.Sync.BatchTimeout = models.DefaultBatchTimeout
	}

	if c.RateLimit.RefillPerSecond == 0 {
		c.RateLimit.RefillPerSecond = models.DefaultUploadRefill
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = models.DefaultUploadBurst
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
