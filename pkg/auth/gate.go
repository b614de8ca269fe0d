package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/apperr"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultProbeTool is the remote tool that reports the caller's identity.
const DefaultProbeTool = "whoami"

// Prober invokes a remote tool. RegistryClient satisfies it.
type Prober interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) toolexecutor.ToolResult
}

// GateConfig wires a Gate.
type GateConfig struct {
	Prober    Prober
	Prompter  Prompter
	Confirmer Confirmer
	ProbeTool string
	Logger    zerolog.Logger
}

// Gate resolves the identity of a session.
type Gate struct {
	prober    Prober
	prompter  Prompter
	confirmer Confirmer
	probeTool string
	logger    zerolog.Logger
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if cfg.Prompter == nil || cfg.Confirmer == nil {
		return nil, fmt.Errorf("prompter and confirmer are required")
	}
	probeTool := cfg.ProbeTool
	if probeTool == "" {
		probeTool = DefaultProbeTool
	}
	return &Gate{
		prober:    cfg.Prober,
		prompter:  cfg.Prompter,
		confirmer: cfg.Confirmer,
		probeTool: probeTool,
		logger:    cfg.Logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Authenticate returns the session's identity, probing the backend and
// waiting for login confirmation as often as the backend asks for it.
// Failures wrap apperr.ErrBackendUnavailable.
func (g *Gate) Authenticate(ctx context.Context, s *Session) (string, error) {
	if id, ok := s.Identity(); ok {
		return id, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAuth, "auth.authenticate")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger)

	for attempt := 1; ; attempt++ {
		record, err := g.probe(ctx)
		if err != nil {
			tracing.MarkError(span, err)
			observability.RecordAuthAudit(ctx, "probe", "", "failure")
			return "", err
		}

		if !record.LoginRequired() {
			id := record.Identity()
			if id == "" {
				err := apperr.Unavailable("identity probe", fmt.Errorf("%w: status %q carries no identity", ErrMalformedProbe, record.Status))
				tracing.MarkError(span, err)
				return "", err
			}
			s.setIdentity(id)
			span.SetAttributes(attribute.Int("auth.attempts", attempt))
			observability.RecordAuthAudit(ctx, "authenticate", id, "success")
			logger.Info().Int("attempts", attempt).Msg("Session authenticated")
			return id, nil
		}

		logger.Info().Int("attempt", attempt).Msg("Login required")
		if err := g.awaitLogin(ctx, record, attempt); err != nil {
			tracing.MarkError(span, err)
			return "", err
		}
	}
}

func (g *Gate) probe(ctx context.Context) (StatusRecord, error) {
	result := g.prober.Invoke(ctx, g.probeTool, map[string]interface{}{})
	if !result.Success {
		return StatusRecord{}, apperr.Unavailable("identity probe", fmt.Errorf("%s", result.Error))
	}

	record, err := ParseStatusRecord(result.Output)
	if err != nil {
		return StatusRecord{}, apperr.Unavailable("identity probe", err)
	}
	return record, nil
}

func (g *Gate) awaitLogin(ctx context.Context, record StatusRecord, attempt int) error {
	start := time.Now()

	prompt := LoginPrompt{URL: record.LoginURL, Message: record.Message, Attempt: attempt}
	if err := g.prompter.PromptLogin(ctx, prompt); err != nil {
		observability.RecordAuthWait("failed", time.Since(start))
		return fmt.Errorf("failed to show login prompt: %w", err)
	}

	if err := g.confirmer.AwaitConfirmation(ctx); err != nil {
		observability.RecordAuthWait("cancelled", time.Since(start))
		observability.RecordAuthAudit(ctx, "login_wait", "", "cancelled")
		return apperr.LoginPending(fmt.Errorf("login confirmation: %w", err))
	}

	observability.RecordAuthWait("confirmed", time.Since(start))
	observability.RecordAuthAudit(ctx, "login_wait", "", "confirmed")
	return nil
}
