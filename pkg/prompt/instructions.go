// Package prompt assembles the system instructions given to the model.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBehavior is used when no instructions file is configured.
const DefaultBehavior = `You are a personal financial assistant. Answer questions about the user's
accounts, spending, investments and goals using the tools available to you.
Be concise, cite the numbers you fetched, and say so when data is missing.`

// ToolUsage is always appended to the behavior text.
const ToolUsage = `IMPORTANT TOOL USAGE INSTRUCTIONS:
- Tools from external services are dispatched by the backend system; only emit the function call.
- Local tools (send_notification, update_context) are executed directly.
- Update the user's context whenever you learn something worth remembering. Each update names a section and gives the full record for it as a JSON object.`

// Loader holds the behavior text, optionally reloading it when the file
// changes on disk.
type Loader struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	behavior string
	watcher  *FileWatcher
}

// NewLoader reads path, or uses DefaultBehavior when path is empty.
func NewLoader(path string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{
		path:     path,
		logger:   logger.With().Str("component", "prompt").Logger(),
		behavior: DefaultBehavior,
	}
	if path == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the instructions file. A missing or empty file keeps the
// current text.
func (l *Loader) Reload() error {
	if l.path == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn().Str("path", l.path).Msg("Instructions file not found, keeping current instructions")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read instructions: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		l.logger.Warn().Str("path", l.path).Msg("Instructions file is empty, keeping current instructions")
		return nil
	}

	l.mu.Lock()
	l.behavior = text
	l.mu.Unlock()

	l.logger.Info().Str("path", l.path).Int("bytes", len(text)).Msg("Instructions loaded")
	return nil
}

// Watch reloads the file whenever it changes. It is a no-op without a file.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}

	target := filepath.Clean(l.path)
	fw, err := NewFileWatcher(l.logger,
		func(name string) bool { return filepath.Clean(name) == target },
		func() {
			if err := l.Reload(); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload instructions")
			}
		})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Watch(filepath.Dir(target)); err != nil {
		fw.Stop()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	l.mu.Lock()
	l.watcher = fw
	l.mu.Unlock()
	return nil
}

// Behavior returns the current behavior text.
func (l *Loader) Behavior() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.behavior
}

// Instructions returns the behavior text, the tool usage block and, when
// non-empty, the rendered user context.
func (l *Loader) Instructions(userContext string) string {
	parts := []string{l.Behavior(), ToolUsage}
	if ctx := strings.TrimSpace(userContext); ctx != "" {
		parts = append(parts, "USER CONTEXT:\n"+ctx)
	}
	return strings.Join(parts, "\n\n")
}

func (l *Loader) Close() error {
	l.mu.Lock()
	fw := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if fw != nil {
		return fw.Stop()
	}
	return nil
}
