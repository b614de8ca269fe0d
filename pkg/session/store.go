package session

import "context"

// Store persists conversation logs keyed by user identity.
type Store interface {
	// Restore returns the stored log, oldest first.
	Restore(ctx context.Context, userID string) ([]Message, error)
	// Persist replaces the stored log with messages.
	Persist(ctx context.Context, userID string, messages []Message) error
	// Append adds one message to the end of the stored log.
	Append(ctx context.Context, userID string, message Message) error
	// Backend names the storage backend for logs and metrics.
	Backend() string
	Close() error
}
