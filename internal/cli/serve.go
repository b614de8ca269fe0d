package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/finagent/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chat sessions over WebSocket",
	Long: `Serve the WebSocket gateway. Every connection gets its own chat session
on /ws; /metrics exposes Prometheus metrics and /healthz reports liveness.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default: gateway.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default: gateway.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}
	cfg.Gateway.Enabled = true
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{Console: cmd.ErrOrStderr(), Watch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Queue:        a.queue,
		Sessions: func(deps gateway.SessionDeps) (gateway.ChatSession, error) {
			runner, err := a.newRunner(deps.SessionID, deps.Prompter, deps.Confirmer, deps.Notifier)
			if err != nil {
				return nil, err
			}
			return runner, nil
		},
		Logger: a.component("gateway"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
