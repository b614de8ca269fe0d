package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/pkg/memory"
	"github.com/rs/zerolog/log"
)

// Local tool names. Remote tools with these names are never offered.
const (
	ToolSendNotification = "send_notification"
	ToolUpdateContext    = "update_context"
)

// Notifier delivers a send_notification message to the user.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID, message string) error

func (f NotifierFunc) Notify(ctx context.Context, userID, message string) error {
	return f(ctx, userID, message)
}

// WriterNotifier prints notifications, one per line.
type WriterNotifier struct {
	mu sync.Mutex
	W  io.Writer
}

func (n *WriterNotifier) Notify(_ context.Context, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintf(n.W, "Notification: %s\n", message)
	return err
}

// LogNotifier records notifications in the log only.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, userID, message string) error {
	log.Info().Str("user_id", userID).Str("message", message).Msg("Notification")
	return nil
}

// RegisterLocalTools registers send_notification and update_context.
func RegisterLocalTools(te *ToolExecutor, notifier Notifier, contexts memory.Store) error {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if contexts == nil {
		return fmt.Errorf("context store is required")
	}

	tools := []ToolDefinition{
		{
			Name:        ToolSendNotification,
			Description: "Send a notification to the user.",
			Parameters: []ToolParameter{
				{
					Name:        "message",
					Type:        "string",
					Description: "Notification text shown to the user",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				message, _ := params["message"].(string)
				if err := notifier.Notify(ctx, userFromContext(ctx), message); err != nil {
					// delivery is best effort
					log.Warn().Err(err).Msg("Notification delivery failed")
				}
				return "Notification sent", nil
			},
		},
		{
			Name: ToolUpdateContext,
			Description: "Update the user's saved context. Each key of updates names a section " +
				"and its value must be an object; a section is replaced as a whole.",
			Parameters: []ToolParameter{
				{
					Name:        "updates",
					Type:        "object",
					Description: "Map of section name to the full new record for that section",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return updateContext(ctx, contexts, params)
			},
		},
	}

	for _, tool := range tools {
		if err := te.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	return nil
}

type updateContextParams struct {
	Updates map[string]interface{} `json:"updates"`
}

func updateContext(ctx context.Context, contexts memory.Store, params map[string]interface{}) (interface{}, error) {
	var p updateContextParams
	jsonData, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	userID := userFromContext(ctx)
	if userID == "" {
		return nil, fmt.Errorf("no authenticated user for context update")
	}

	// a cancelled turn must not leave a partial write behind
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if execCtx := ExecContextFromContext(ctx); execCtx != nil && execCtx.ContextUpdates != nil {
		sections, err := memory.ValidateUpdates(p.Updates)
		if err != nil {
			return nil, err
		}
		preview := execCtx.ContextUpdates.Stage(sections)
		return "Context updated.\n" + strings.TrimSpace(memory.Render(preview)), nil
	}

	sections := make([]string, 0, len(p.Updates))
	for name := range p.Updates {
		sections = append(sections, name)
	}

	updated, err := contexts.Update(ctx, userID, p.Updates)
	if err != nil {
		observability.RecordContextAudit(ctx, userID, sections, "failure")
		return nil, err
	}
	observability.RecordContextAudit(ctx, userID, sections, "success")

	return "Context updated.\n" + strings.TrimSpace(memory.Render(updated)), nil
}

// ContextBatch holds the update_context writes of one turn so they reach
// the store only if the turn completes.
type ContextBatch struct {
	mu      sync.Mutex
	base    memory.UserContext
	pending memory.UserContext
}

// NewContextBatch starts a batch over the context loaded for the turn.
func NewContextBatch(base memory.UserContext) *ContextBatch {
	return &ContextBatch{base: base, pending: memory.UserContext{}}
}

// Stage records validated sections and returns the context as it reads
// once the batch is applied.
func (b *ContextBatch) Stage(sections memory.UserContext) memory.UserContext {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, section := range sections {
		b.pending[name] = section
	}
	return memory.Merge(b.base, b.pending)
}

// Pending returns the staged sections, nil when nothing was staged.
func (b *ContextBatch) Pending() memory.UserContext {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	return memory.Merge(nil, b.pending)
}

// Updates converts the staged sections into a Store.Update argument.
func (b *ContextBatch) Updates() map[string]interface{} {
	pending := b.Pending()
	if pending == nil {
		return nil
	}
	updates := make(map[string]interface{}, len(pending))
	for name, section := range pending {
		updates[name] = section
	}
	return updates
}

func userFromContext(ctx context.Context) string {
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		return execCtx.UserID
	}
	return ""
}
