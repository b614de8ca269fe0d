package memory

import (
	"context"
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

const contextFileName = "context.json"

// FileStore keeps one JSON document per user at <dir>/<user>/context.json.
type FileStore struct {
	dir   string
	locks sync.Map // userID -> *sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("context directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create context directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Backend() string { return "file" }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID, contextFileName)
}

func (s *FileStore) lock(userID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *FileStore) Load(ctx context.Context, userID string) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	_, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.load", attribute.String("backend", "file"))
	defer span.End()

	return s.read(userID)
}

func (s *FileStore) read(userID string) (UserContext, error) {
	data, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return UserContext{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	return decode(data)
}

func (s *FileStore) Save(ctx context.Context, userID string, uc UserContext) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}
	_, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.save", attribute.String("backend", "file"))
	defer span.End()

	l := s.lock(userID)
	l.Lock()
	defer l.Unlock()

	return s.write(userID, uc)
}

func (s *FileStore) Update(ctx context.Context, userID string, updates map[string]interface{}) (UserContext, error) {
	if err := storage.ValidateUserID(userID); err != nil {
		return nil, err
	}
	sections, err := ValidateUpdates(updates)
	if err != nil {
		observability.RecordContextUpdate("file", false)
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerStorage, "context.update",
		attribute.String("backend", "file"),
		attribute.Int("sections", len(sections)),
	)
	defer span.End()

	l := s.lock(userID)
	l.Lock()
	defer l.Unlock()

	current, err := s.read(userID)
	if err != nil {
		tracing.MarkError(span, err)
		observability.RecordContextUpdate("file", false)
		return nil, err
	}

	merged := Merge(current, sections)
	if err := s.write(userID, merged); err != nil {
		tracing.MarkError(span, err)
		observability.RecordContextUpdate("file", false)
		return nil, err
	}

	observability.RecordContextUpdate("file", true)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Strs("sections", sections.Sections()).
		Msg("User context updated")

	return merged, nil
}

// write replaces the document via temp file and rename.
func (s *FileStore) write(userID string, uc UserContext) error {
	data, err := encode(uc)
	if err != nil {
		return err
	}

	target := s.path(userID)
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return fmt.Errorf("failed to create user directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", target, time.Now().UnixNano())
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write context: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync context: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace context file: %w", err)
	}
	return nil
}
