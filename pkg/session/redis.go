package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const redisKeyPrefix = "finagent:conversation:"

// RedisStore keeps each log as a Redis list of JSON messages.
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

func (s *RedisStore) Restore(ctx context.Context, userID string) ([]Message, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.restore", attribute.String("backend", "redis"))
	defer span.End()

	items, err := s.rdb.LRange(ctx, s.key(userID), 0, -1).Result()
	if err != nil {
		tracing.MarkError(span, err)
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	messages := make([]Message, 0, len(items))
	for i, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Warn().Int("index", i).Err(err).Msg("Skipping unparsable conversation entry")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Persist swaps the list in a MULTI/EXEC block.
func (s *RedisStore) Persist(ctx context.Context, userID string, messages []Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.persist", attribute.String("backend", "redis"))
	defer span.End()
	start := time.Now()

	values := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		msg = normalize(msg)
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	key := s.key(userID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to persist conversation: %w", err)
	}

	observability.RecordConversationPersist("redis", "full", time.Since(start))
	return nil
}

func (s *RedisStore) Append(ctx context.Context, userID string, message Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	message = normalize(message)
	if err := message.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.append", attribute.String("backend", "redis"))
	defer span.End()
	start := time.Now()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.key(userID), data).Err(); err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to append message: %w", err)
	}

	observability.RecordConversationPersist("redis", "append", time.Since(start))
	return nil
}
