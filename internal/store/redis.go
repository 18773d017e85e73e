package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"redeemcli/internal/activation"
)

// maxRedisRecords caps the shared list length.
const maxRedisRecords = 10000

// Connect opens a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps records in a capped Redis list, newest at the head.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

// NewRedisStore stores records under key.
func NewRedisStore(client redis.UniversalClient, key string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, key: key, logger: logger}
}

// Save pushes rec to the head of the list and trims the tail.
func (s *RedisStore) Save(ctx context.Context, rec activation.ActivationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, payload)
		p.LTrim(ctx, s.key, 0, maxRedisRecords-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save record to redis: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *RedisStore) List(ctx context.Context, limit int) ([]activation.ActivationRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records from redis: %w", err)
	}

	recs := make([]activation.ActivationRecord, 0, len(raw))
	for _, item := range raw {
		var rec activation.ActivationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.WarnContext(ctx, "redis_record_skipped", slog.String("error", err.Error()))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
