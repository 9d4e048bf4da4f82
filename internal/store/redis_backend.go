package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ainexus_bot/internal/config"
	"ainexus_bot/internal/domain"
)

const redisKeyPrefix = "ainexus:user:"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type redisConn interface {
	redisClient
	Close() error
}

// dialRedis is overridable for tests.
var dialRedis = func(opts *redis.Options) redisConn {
	return redis.NewClient(opts)
}

// OpenRedis connects to Redis from cfg, verifies the connection with a ping
// and returns a backend that owns the client.
func OpenRedis(ctx context.Context, cfg config.Config) (*RedisBackend, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client := dialRedis(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBackend{client: client, closer: client}, nil
}

// RedisBackend stores each record as a JSON string under ainexus:user:<id>.
type RedisBackend struct {
	client redisClient
	closer interface{ Close() error }
}

// NewRedisBackend constructs a RedisBackend over an existing client.
func NewRedisBackend(client redisClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get loads and decodes the record for userID.
func (b *RedisBackend) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	if b == nil || b.client == nil {
		return domain.UserRecord{}, errors.New("redis backend is not initialized")
	}
	if ctx == nil {
		return domain.UserRecord{}, errors.New("context is required")
	}

	raw, err := b.client.Get(ctx, redisKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.UserRecord{}, ErrNotFound
		}
		return domain.UserRecord{}, fmt.Errorf("redis get user: %w", err)
	}

	var record domain.UserRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return domain.UserRecord{}, fmt.Errorf("decode user: %w", err)
	}
	return record, nil
}

// Put encodes and stores record without expiry.
func (b *RedisBackend) Put(ctx context.Context, record domain.UserRecord) error {
	if b == nil || b.client == nil {
		return errors.New("redis backend is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if record.UserID == 0 {
		return errors.New("user_id is required")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	if err := b.client.Set(ctx, redisKey(record.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set user: %w", err)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("redis backend is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client when the backend owns it.
func (b *RedisBackend) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}
