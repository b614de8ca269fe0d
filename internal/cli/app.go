package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/harun/finagent/internal/config"
	"github.com/harun/finagent/internal/logger"
	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/agent"
	"github.com/harun/finagent/pkg/auth"
	"github.com/harun/finagent/pkg/commandqueue"
	"github.com/harun/finagent/pkg/memory"
	"github.com/harun/finagent/pkg/prompt"
	"github.com/harun/finagent/pkg/session"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// providerFactory overrides the SDK providers; tests swap it.
var providerFactory agent.ProviderCreator

// app holds the process-wide dependencies shared by every session.
type app struct {
	cfg           *config.Config
	logger        *logger.Logger
	contexts      memory.Store
	conversations session.Store
	instructions  *prompt.Loader
	queue         *commandqueue.CommandQueue
	closers       []func() error
}

type appOptions struct {
	// Console mirrors logs to the writer; chat keeps the terminal clean.
	Console io.Writer
	// Watch hot reloads the instructions file.
	Watch bool
}

// loadConfig reads the config and applies the --log-level flag when given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	var err error
	a.logger, err = logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   opts.Console != nil,
		Output:    opts.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.closers = append(a.closers, a.logger.Close)

	auditFile := cfg.Logging.AuditFile
	if auditFile == "" && cfg.Logging.File != "" {
		auditFile = filepath.Join(filepath.Dir(cfg.Logging.File), "audit.log")
	}
	if auditFile != "" {
		if err := observability.InitAuditLogger(auditFile); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		a.closers = append(a.closers, func() error { return observability.GetAuditLogger().Close() })
	}

	if err := tracing.InitOpenTelemetry(ctx, tracing.Options{
		ServiceName:  "finagent",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}); err != nil {
		logger := a.logger.Component("tracing")
		logger.Warn().Err(err).Msg("Tracing disabled")
	} else {
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.ShutdownOpenTelemetry(shutdownCtx)
		})
	}

	if err := a.openStores(ctx); err != nil {
		return err
	}

	a.instructions, err = prompt.NewLoader(cfg.Agent.InstructionsFile, a.logger.Component("prompt"))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.instructions.Close)
	if opts.Watch && cfg.Agent.InstructionsFile != "" {
		if err := a.instructions.Watch(); err != nil {
			logger := a.logger.Component("prompt")
			logger.Warn().Err(err).Msg("Instructions hot reload disabled")
		}
	}

	a.queue = commandqueue.New()
	a.closers = append(a.closers, a.queue.Close)

	return nil
}

// openStores wires the context and conversation stores to the configured
// backend. Both stores share one database handle.
func (a *app) openStores(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger.Component("storage")

	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)

		if a.contexts, err = memory.NewSQLiteStore(db); err != nil {
			return err
		}
		if a.conversations, err = session.NewSQLiteStore(db); err != nil {
			return err
		}
	case "redis":
		rdb, err := storage.OpenRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)

		a.contexts = memory.NewRedisStore(rdb)
		a.conversations = session.NewRedisStore(rdb)
	default:
		var err error
		if a.contexts, err = memory.NewFileStore(cfg.DataDir); err != nil {
			return err
		}
		if a.conversations, err = session.NewFileStore(filepath.Join(cfg.DataDir, "conversations")); err != nil {
			return err
		}
	}

	a.closers = append(a.closers, a.contexts.Close, a.conversations.Close)
	log.Info().
		Str("contexts", a.contexts.Backend()).
		Str("conversations", a.conversations.Backend()).
		Msg("Stores opened")
	return nil
}

// newRunner wires one chat session against its own tool backend session.
// An empty sessionID asks the client to generate one.
func (a *app) newRunner(sessionID string, prompter auth.Prompter, confirmer auth.Confirmer, notifier toolexecutor.Notifier) (*agent.Runner, error) {
	cfg := a.cfg

	client, err := toolexecutor.NewMCPClient(toolexecutor.MCPClientConfig{
		Endpoint:  cfg.MCP.URL,
		SessionID: sessionID,
		Timeout:   time.Duration(cfg.MCP.Timeout) * time.Second,
		Handshake: cfg.MCP.Handshake,
	})
	if err != nil {
		return nil, err
	}
	registry := toolexecutor.NewRegistryClient(client)

	gate, err := auth.NewGate(auth.GateConfig{
		Prober:    registry,
		Prompter:  prompter,
		Confirmer: confirmer,
		Logger:    a.logger.Component("auth"),
	})
	if err != nil {
		return nil, err
	}

	executor := toolexecutor.New()
	if err := toolexecutor.RegisterLocalTools(executor, notifier, a.contexts); err != nil {
		return nil, err
	}

	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}

	return agent.NewRunner(agent.Config{
		Session:         auth.NewSession(registry),
		Gate:            gate,
		Registry:        registry,
		Executor:        executor,
		Contexts:        a.contexts,
		Conversations:   a.conversations,
		Instructions:    a.instructions,
		Queue:           a.queue,
		AuthProfiles:    profiles,
		ProviderFactory: providerFactory,
		Settings: agent.Settings{
			Model:          cfg.Agent.Model,
			Temperature:    agent.Float(cfg.Agent.Temperature),
			MaxTokens:      cfg.Agent.MaxTokens,
			MaxRetries:     cfg.Agent.MaxRetries,
			MaxFollowups:   cfg.Agent.MaxFollowups,
			ParallelTools:  cfg.Agent.ParallelTools,
			PersistPerTurn: cfg.Agent.PersistPerTurn,
			FallbackText:   cfg.Agent.FallbackText,
			ToolTimeout:    cfg.Agent.ToolTimeout,
		},
		Logger: a.logger.Component("agent"),
	})
}

func (a *app) component(name string) zerolog.Logger {
	if a.logger == nil {
		return zerolog.Nop()
	}
	return a.logger.Component(name)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
