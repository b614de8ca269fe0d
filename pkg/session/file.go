package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// FileStore keeps one JSONL file per user, one message per line.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("conversation directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Conversation store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) Backend() string { return "file" }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".jsonl")
}

func (s *FileStore) writeLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[userID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[userID] = lock
	return lock
}

// Restore reads the log, skipping lines that fail to parse.
func (s *FileStore) Restore(ctx context.Context, userID string) ([]Message, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.restore", attribute.String("backend", "file"))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	file, err := os.Open(s.path(userID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		tracing.MarkError(span, err)
		return nil, fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Skipping unparsable conversation line")
			continue
		}
		if err := msg.Validate(); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Skipping invalid conversation entry")
			continue
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		tracing.MarkError(span, err)
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	span.SetAttributes(attribute.Int("messages", len(messages)))
	return messages, nil
}

// Persist rewrites the whole log through a temp file and rename.
func (s *FileStore) Persist(ctx context.Context, userID string, messages []Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	_, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.persist",
		attribute.String("backend", "file"),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()
	start := time.Now()

	lock := s.writeLock(userID)
	lock.Lock()
	defer lock.Unlock()

	target := s.path(userID)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, msg := range messages {
		msg = normalize(msg)
		if err := msg.Validate(); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}

	observability.RecordConversationPersist("file", "full", time.Since(start))
	return nil
}

// Append writes one line and syncs it.
func (s *FileStore) Append(ctx context.Context, userID string, message Message) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	message = normalize(message)
	if err := message.Validate(); err != nil {
		return err
	}

	_, span := tracing.StartSpan(ctx, tracing.TracerStorage, "conversation.append",
		attribute.String("backend", "file"),
		attribute.String("role", string(message.Role)),
	)
	defer span.End()
	start := time.Now()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	lock := s.writeLock(userID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(userID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	observability.RecordConversationPersist("file", "append", time.Since(start))
	return nil
}
