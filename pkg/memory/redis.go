package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const redisKeyPrefix = "finagent:context:"

// RedisStore keeps each user's document as a JSON string value.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. The caller owns rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: redisKeyPrefix}
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) Load(ctx context.Context, userID string) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.load", attribute.String("backend", "redis"))
	defer span.End()

	data, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return UserContext{}, nil
	}
	if err != nil {
		tracing.MarkError(span, err)
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, userID string, uc UserContext) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.save", attribute.String("backend", "redis"))
	defer span.End()

	data, err := encode(uc)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(userID), data, 0).Err(); err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to save user context: %w", err)
	}
	return nil
}

// Update uses WATCH so a concurrent writer forces a retry instead of a lost
// section. After maxRetries the last attempt's error is returned.
func (s *RedisStore) Update(ctx context.Context, userID string, updates map[string]interface{}) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	sections, err := ValidateUpdates(updates)
	if err != nil {
		observability.RecordContextUpdate("redis", false)
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.update", attribute.String("backend", "redis"))
	defer span.End()

	const maxRetries = 3
	key := s.key(userID)
	var merged UserContext

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		merged = Merge(current, sections)
		encoded, err := encode(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		tracing.MarkError(span, err)
		observability.RecordContextUpdate("redis", false)
		return nil, fmt.Errorf("failed to update user context: %w", err)
	}

	observability.RecordContextUpdate("redis", true)
	return merged, nil
}
