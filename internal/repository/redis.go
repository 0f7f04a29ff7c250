package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"hearthsync/internal/config"
	"hearthsync/internal/domain"
	"hearthsync/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	scanCount = 200
	mgetChunk = 200
)

// RedisRecordStore keeps queue records in Redis. Records never expire; the
// server must run with persistence (AOF) enabled for the durability contract.
type RedisRecordStore struct {
	client *redis.Client
}

var _ domain.RecordStore = (*RedisRecordStore)(nil)

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisRecordStore(client *redis.Client) *RedisRecordStore {
	return &RedisRecordStore{client: client}
}

func (r *RedisRecordStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, models.NewStorageError("get", key, errors.New("redis client is nil"))
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStorageError("get", key, fmt.Errorf("failed to get record from redis: %w", err))
	}
	return val, nil
}

func (r *RedisRecordStore) Put(ctx context.Context, key string, value []byte) error {
	if r.client == nil {
		return models.NewStorageError("put", key, errors.New("redis client is nil"))
	}
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return models.NewStorageError("put", key, fmt.Errorf("failed to set record in redis: %w", err))
	}
	return nil
}

func (r *RedisRecordStore) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return models.NewStorageError("delete", key, errors.New("redis client is nil"))
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return models.NewStorageError("delete", key, fmt.Errorf("failed to delete record from redis: %w", err))
	}
	return nil
}

// ListByPrefix scans matching keys and fetches their values. Keys removed
// between the scan and the fetch are skipped.
func (r *RedisRecordStore) ListByPrefix(ctx context.Context, prefix string) ([]domain.Record, error) {
	if r.client == nil {
		return nil, models.NewStorageError("list", prefix, errors.New("redis client is nil"))
	}

	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, models.NewStorageError("list", prefix, fmt.Errorf("failed to scan redis keys: %w", err))
	}
	sort.Strings(keys)

	records := make([]domain.Record, 0, len(keys))
	for start := 0; start < len(keys); start += mgetChunk {
		end := start + mgetChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		values, err := r.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, models.NewStorageError("list", prefix, fmt.Errorf("failed to fetch redis records: %w", err))
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			records = append(records, domain.Record{Key: chunk[i], Value: []byte(s)})
		}
	}
	return records, nil
}

func (r *RedisRecordStore) Close() error {
	return Close(r.client)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
