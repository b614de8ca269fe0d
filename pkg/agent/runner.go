package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/auth"
	"github.com/harun/finagent/pkg/commandqueue"
	"github.com/harun/finagent/pkg/memory"
	"github.com/harun/finagent/pkg/prompt"
	"github.com/harun/finagent/pkg/session"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RemoteTools is the remote tool backend. toolexecutor.RegistryClient
// satisfies it.
type RemoteTools interface {
	ListTools(ctx context.Context) ([]toolexecutor.ToolDefinition, error)
	Invoke(ctx context.Context, name string, args map[string]interface{}) toolexecutor.ToolResult
}

// Authenticator resolves the identity of a session.
type Authenticator interface {
	Authenticate(ctx context.Context, s *auth.Session) (string, error)
}

// Instructions produces the system prompt for a rendered user context.
type Instructions interface {
	Instructions(userContext string) string
}

// ErrNotStarted is returned by RunTurn before a successful Start.
var ErrNotStarted = errors.New("session not started")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session closed")

// Config holds runner configuration
type Config struct {
	Session       *auth.Session
	Gate          Authenticator
	Registry      RemoteTools
	Executor      *toolexecutor.ToolExecutor
	Contexts      memory.Store
	Conversations session.Store
	// Instructions defaults to the built-in behavior text.
	Instructions Instructions
	// Queue serializes turns; a private queue is created when nil.
	Queue           *commandqueue.CommandQueue
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	Settings        Settings
	Logger          zerolog.Logger
}

// Runner orchestrates one chat session.
type Runner struct {
	session         *auth.Session
	gate            Authenticator
	registry        RemoteTools
	executor        *toolexecutor.ToolExecutor
	contexts        memory.Store
	conversations   session.Store
	instructions    Instructions
	queue           *commandqueue.CommandQueue
	ownsQueue       bool
	providerFactory ProviderCreator
	settings        Settings
	logger          zerolog.Logger

	authProfiles []AuthProfile
	authMu       sync.RWMutex

	mu          sync.RWMutex
	state       State
	started     bool
	closed      bool
	identity    string
	catalog     catalog
	history     []AgentMessage
	stored      []session.Message
	userContext memory.UserContext
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	switch {
	case cfg.Session == nil:
		return nil, fmt.Errorf("session is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("authentication gate is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("tool registry is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("tool executor is required")
	case cfg.Contexts == nil:
		return nil, fmt.Errorf("context store is required")
	case cfg.Conversations == nil:
		return nil, fmt.Errorf("conversation store is required")
	case len(cfg.AuthProfiles) == 0:
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	settings := cfg.Settings.withDefaults()
	if t := settings.Temperature; t != nil {
		for _, profile := range cfg.AuthProfiles {
			if lo, hi := temperatureRange(profile.Provider); *t < lo || *t > hi {
				return nil, fmt.Errorf("temperature %g is outside %g-%g for %s profile %q", *t, lo, hi, profile.Provider, profile.ID)
			}
		}
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	instructions := cfg.Instructions
	if instructions == nil {
		loader, err := prompt.NewLoader("", cfg.Logger)
		if err != nil {
			return nil, err
		}
		instructions = loader
	}

	queue, ownsQueue := cfg.Queue, false
	if queue == nil {
		queue, ownsQueue = commandqueue.New(), true
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)

	return &Runner{
		session:         cfg.Session,
		gate:            cfg.Gate,
		registry:        cfg.Registry,
		executor:        cfg.Executor,
		contexts:        cfg.Contexts,
		conversations:   cfg.Conversations,
		instructions:    instructions,
		queue:           queue,
		ownsQueue:       ownsQueue,
		providerFactory: providerFactory,
		settings:        settings,
		logger:          cfg.Logger.With().Str("component", "agent").Logger(),
		authProfiles:    profiles,
		state:           StateAwaitingInput,
	}, nil
}

// Start authenticates the session, loads the tool catalog and restores the
// user's conversation and context. Failing to reach the tool backend is
// fatal and wraps apperr.ErrBackendUnavailable.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.RLock()
	started, closed := r.started, r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if started {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.start")
	defer span.End()

	identity, err := r.gate.Authenticate(ctx, r.session)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("authentication failed: %w", err)
	}
	ctx = tracing.WithUserID(ctx, identity)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	remote, err := r.registry.ListTools(ctx)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to list tools: %w", err)
	}
	cat := r.buildCatalog(remote)

	stored, err := r.conversations.Restore(ctx, identity)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to restore conversation: %w", err)
	}
	history := make([]AgentMessage, 0, len(stored))
	for _, m := range stored {
		history = append(history, fromSessionMessage(m))
	}

	uc, err := r.contexts.Load(ctx, identity)
	if err != nil {
		tracing.MarkError(span, err)
		return fmt.Errorf("failed to load context: %w", err)
	}

	r.mu.Lock()
	r.identity = identity
	r.catalog = cat
	r.history = history
	r.stored = stored
	r.userContext = uc
	r.started = true
	r.state = StateAwaitingInput
	r.mu.Unlock()

	observability.SessionOpened()
	span.SetAttributes(
		attribute.Int("tools.remote", len(cat.remote)),
		attribute.Int("tools.local", len(cat.local)),
		attribute.Int("history.messages", len(history)),
	)
	logger.Info().
		Int("remote_tools", len(cat.remote)).
		Int("local_tools", len(cat.local)).
		Int("history", len(history)).
		Int("context_sections", len(uc)).
		Msg("Session started")
	return nil
}

// Identity returns the authenticated user, empty before Start.
func (r *Runner) Identity() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// State returns where the session is within its current turn.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// History returns a copy of the committed conversation.
func (r *Runner) History() []AgentMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AgentMessage(nil), r.history...)
}

// Tools returns the catalog offered to the model.
func (r *Runner) Tools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ToolSpec(nil), r.catalog.specs...)
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) lane() string {
	return "session:" + r.Identity()
}

// RunTurn resolves one user utterance. Turns of a session run one at a
// time. A turn's messages join the conversation only when it completes.
func (r *Runner) RunTurn(ctx context.Context, utterance string) (TurnResult, error) {
	r.mu.RLock()
	started, closed := r.started, r.closed
	r.mu.RUnlock()
	if closed {
		return TurnResult{}, ErrClosed
	}
	if !started {
		return TurnResult{}, ErrNotStarted
	}

	value, err := r.queue.Enqueue(ctx, r.lane(), func(taskCtx context.Context) (interface{}, error) {
		return r.resolve(taskCtx, utterance)
	})
	if err != nil {
		return TurnResult{}, err
	}
	return value.(TurnResult), nil
}

// Dashboard asks the model to fetch the data behind a dashboard topic.
func (r *Runner) Dashboard(ctx context.Context, topic string) (TurnResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return TurnResult{}, fmt.Errorf("dashboard topic is required")
	}
	return r.RunTurn(ctx, fmt.Sprintf(
		"Generate data to fetch %s information and display it in a format that can be used in a dashboard.", topic))
}

func (r *Runner) resolve(ctx context.Context, utterance string) (TurnResult, error) {
	start := time.Now()
	identity := r.Identity()

	ctx = tracing.NewTurnContext(ctx)
	ctx = tracing.WithUserID(ctx, identity)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.turn")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	defer r.setState(StateAwaitingInput)

	r.mu.RLock()
	cat := r.catalog
	history := append([]AgentMessage(nil), r.history...)
	uc := r.userContext
	r.mu.RUnlock()

	turn := []AgentMessage{{Role: RoleUser, Content: utterance}}
	req := LLMRequest{
		Model:        r.settings.Model,
		Tools:        cat.specs,
		Temperature:  r.settings.Temperature,
		MaxTokens:    r.settings.MaxTokens,
		SystemPrompt: r.instructions.Instructions(memory.Render(uc)),
	}

	var result TurnResult
	fail := func(err error) (TurnResult, error) {
		tracing.MarkError(span, err)
		outcome := "failed"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		observability.RecordTurn(outcome, time.Since(start), len(result.ToolCalls))
		logger.Warn().Err(err).Str("outcome", outcome).Msg("Turn aborted")
		return TurnResult{}, err
	}

	r.setState(StateModelThinking)
	req.Messages = concat(history, turn)
	resp, err := r.callModel(ctx, req)
	if err != nil {
		return fail(err)
	}
	result.Usage.add(resp.Usage)

	updates := toolexecutor.NewContextBatch(uc)
	for {
		plan, skipped := cat.partition(resp.ToolCalls)
		for _, name := range skipped {
			logger.Warn().Str("tool", name).Msg("Model called an unknown tool, skipping")
		}
		result.Skipped = append(result.Skipped, skipped...)

		if len(plan) == 0 {
			break
		}
		if result.Followups >= r.settings.MaxFollowups {
			logger.Warn().Int("calls", len(plan)).Int("max_followups", r.settings.MaxFollowups).
				Msg("Follow-up limit reached, ignoring further tool calls")
			break
		}

		r.setState(StateDispatchingTools)
		results := r.dispatch(ctx, plan, identity, updates)
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		calls := make([]ToolCall, len(plan))
		for i, pc := range plan {
			calls[i] = pc.call
		}
		result.ToolCalls = append(result.ToolCalls, calls...)
		result.Results = append(result.Results, results...)

		turn = append(turn,
			AgentMessage{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls},
			AgentMessage{Role: RoleTool, Content: composeFollowup(resp.Content, plan, results)},
		)

		r.setState(StateAwaitingFollowup)
		req.Messages = concat(history, turn)
		resp, err = r.callModel(ctx, req)
		if err != nil {
			return fail(err)
		}
		result.Usage.add(resp.Usage)
		result.Followups++
	}

	result.Answer = resp.Content
	if strings.TrimSpace(result.Answer) == "" {
		result.Answer = r.settings.FallbackText
		result.Fallback = true
	}
	turn = append(turn, AgentMessage{Role: RoleAssistant, Content: result.Answer})

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	r.setState(StateDone)
	r.commit(ctx, turn, updates)

	outcome := "answered"
	if result.Fallback {
		outcome = "fallback"
	}
	observability.RecordTurn(outcome, time.Since(start), len(result.ToolCalls))
	span.SetAttributes(
		attribute.Int("turn.tool_calls", len(result.ToolCalls)),
		attribute.Int("turn.followups", result.Followups),
	)
	logger.Info().
		Int("tool_calls", len(result.ToolCalls)).
		Int("skipped", len(result.Skipped)).
		Int("followups", result.Followups).
		Bool("fallback", result.Fallback).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return result, nil
}

// commit adds a completed turn to the conversation, applies the context
// updates staged during it and, in per-turn mode, appends the turn to the
// store. Storage errors are logged; the turn stands.
func (r *Runner) commit(ctx context.Context, turn []AgentMessage, updates *toolexecutor.ContextBatch) {
	ctx = context.WithoutCancel(ctx)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	identity := r.Identity()

	stored := make([]session.Message, len(turn))
	for i, msg := range turn {
		var metadata map[string]interface{}
		if msg.Role == RoleAssistant {
			metadata = map[string]interface{}{"model": r.settings.Model}
		}
		stored[i] = toSessionMessage(msg, metadata)
	}

	r.mu.Lock()
	r.history = append(r.history, turn...)
	r.stored = append(r.stored, stored...)
	r.mu.Unlock()

	if r.settings.PersistPerTurn {
		start := time.Now()
		for _, msg := range stored {
			if err := r.conversations.Append(ctx, identity, msg); err != nil {
				logger.Error().Err(err).Msg("Failed to append conversation message")
				break
			}
		}
		observability.RecordConversationPersist(r.conversations.Backend(), "append", time.Since(start))
	}

	if changes := updates.Updates(); changes != nil {
		sections := updates.Pending().Sections()
		uc, err := r.contexts.Update(ctx, identity, changes)
		if err != nil {
			observability.RecordContextAudit(ctx, identity, sections, "failure")
			logger.Error().Err(err).Strs("sections", sections).Msg("Failed to apply context updates")
			return
		}
		observability.RecordContextAudit(ctx, identity, sections, "success")

		r.mu.Lock()
		r.userContext = uc
		r.mu.Unlock()
	}
}

// Close persists the conversation and releases the session. It is safe to
// call more than once.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	identity := r.identity
	stored := append([]session.Message(nil), r.stored...)
	r.mu.Unlock()

	var errs []error
	if started {
		if !r.settings.PersistPerTurn {
			start := time.Now()
			if err := r.conversations.Persist(ctx, identity, stored); err != nil {
				errs = append(errs, fmt.Errorf("failed to persist conversation: %w", err))
			} else {
				observability.RecordConversationPersist(r.conversations.Backend(), "full", time.Since(start))
			}
		}
		observability.SessionClosed()
	}

	if r.ownsQueue {
		if err := r.queue.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if started {
		r.queue.RemoveLane("session:" + identity)
	}

	r.logger.Info().Str("user_id", identity).Int("messages", len(stored)).Msg("Session closed")
	return errors.Join(errs...)
}

func concat(history, turn []AgentMessage) []AgentMessage {
	out := make([]AgentMessage, 0, len(history)+len(turn))
	out = append(out, history...)
	return append(out, turn...)
}
