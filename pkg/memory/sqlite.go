package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const userContextSchema = `
CREATE TABLE IF NOT EXISTS user_contexts (
	user_id    TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps one row per user in the user_contexts table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table if needed. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(userContextSchema); err != nil {
		return nil, fmt.Errorf("failed to create user_contexts table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Load(ctx context.Context, userID string) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.load", attribute.String("backend", "sqlite"))
	defer span.End()

	return s.load(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) load(ctx context.Context, q querier, userID string) (UserContext, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT document FROM user_contexts WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return UserContext{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}
	return decode([]byte(doc))
}

func (s *SQLiteStore) save(ctx context.Context, q querier, userID string, uc UserContext) error {
	data, err := encode(uc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO user_contexts (user_id, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		userID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user context: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, userID string, uc UserContext) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.save", attribute.String("backend", "sqlite"))
	defer span.End()

	err := s.save(ctx, s.db, userID, uc)
	tracing.MarkError(span, err)
	return err
}

// Update runs the read-modify-write inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, userID string, updates map[string]interface{}) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	sections, err := ValidateUpdates(updates)
	if err != nil {
		observability.RecordContextUpdate("sqlite", false)
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.update", attribute.String("backend", "sqlite"))
	defer span.End()

	merged, err := s.update(ctx, userID, sections)
	tracing.MarkError(span, err)
	observability.RecordContextUpdate("sqlite", err == nil)
	return merged, err
}

func (s *SQLiteStore) update(ctx context.Context, userID string, sections UserContext) (UserContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	merged := Merge(current, sections)
	if err := s.save(ctx, tx, userID, merged); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user context: %w", err)
	}
	return merged, nil
}
