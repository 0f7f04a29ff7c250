package worker

import (
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/models"
	"hearthsync/internal/retry"
)

// Config tunes one SyncWorker.
type Config struct {
	Policy        retry.Policy
	BatchSize     int
	BatchTimeout  time.Duration
	Interval      time.Duration
	MaxInterval   time.Duration
	CheckpointTTL time.Duration
}

// ConfigFrom extracts the worker settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Policy:        retry.FromConfig(cfg.Queue),
		BatchSize:     cfg.Queue.BatchSize,
		BatchTimeout:  cfg.Sync.BatchTimeout,
		Interval:      cfg.Sync.Interval,
		MaxInterval:   cfg.Sync.MaxInterval,
		CheckpointTTL: cfg.Checkpoint.TTL,
	}
}

func (c Config) withDefaults() Config {
	if c.Policy == (retry.Policy{}) {
		c.Policy = retry.DefaultPolicy()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = models.DefaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = models.DefaultBatchTimeout
	}
	if c.Interval <= 0 {
		c.Interval = models.DefaultSyncInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = models.DefaultSyncMaxIdle
		if c.MaxInterval < c.Interval {
			c.MaxInterval = c.Interval
		}
	}
	if c.CheckpointTTL <= 0 {
		c.CheckpointTTL = models.DefaultCheckpointTTL
	}
	return c
}
