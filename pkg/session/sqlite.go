package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	user_id   TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	id        TEXT NOT NULL,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL,
	payload   TEXT,
	metadata  TEXT,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (user_id, seq)
)`

// SQLiteStore keeps messages in conversation_messages ordered by seq.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(conversationSchema); err != nil {
		return nil, fmt.Errorf("failed to create conversation_messages table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Restore(ctx context.Context, userID string) ([]Message, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.restore", attribute.String("backend", "sqlite"))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, payload, metadata, timestamp
		FROM conversation_messages WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		tracing.MarkError(span, err)
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			msg      Message
			role     string
			payload  sql.NullString
			metadata sql.NullString
			ts       int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &payload, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Timestamp = time.UnixMilli(ts).UTC()
		if payload.Valid && payload.String != "" {
			msg.Payload = json.RawMessage(payload.String)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return messages, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, q execer, userID string, seq int64, msg Message) error {
	var payload, metadata sql.NullString
	if len(msg.Payload) > 0 {
		payload = sql.NullString{String: string(msg.Payload), Valid: true}
	}
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_messages (user_id, seq, id, role, content, payload, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, seq, msg.ID, string(msg.Role), msg.Content, payload, metadata, msg.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Persist replaces the user's rows inside one transaction.
func (s *SQLiteStore) Persist(ctx context.Context, userID string, messages []Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.persist", attribute.String("backend", "sqlite"))
	defer span.End()
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	for i, msg := range messages {
		msg = normalize(msg)
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
		if err := insertMessage(ctx, tx, userID, int64(i), msg); err != nil {
			tracing.MarkError(span, err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to commit conversation: %w", err)
	}

	observability.RecordConversationPersist("sqlite", "full", time.Since(start))
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, userID string, message Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	message = normalize(message)
	if err := message.Validate(); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.append", attribute.String("backend", "sqlite"))
	defer span.End()
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM conversation_messages WHERE user_id = ?`, userID,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	if err := insertMessage(ctx, tx, userID, next, message); err != nil {
		tracing.MarkError(span, err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	observability.RecordConversationPersist("sqlite", "append", time.Since(start))
	return nil
}
