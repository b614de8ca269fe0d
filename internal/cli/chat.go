package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/finagent/pkg/apperr"
	"github.com/harun/finagent/pkg/auth"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session in the terminal. Each line is one turn.
Type 'exit' or 'quit' to end the session; the conversation is saved and
restored the next time the same user logs in.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "tool backend session id (default: mcp.session_id, or a new one)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{Watch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	terminal := auth.NewTerminal(in, out)

	sessionID := chatSessionID
	if sessionID == "" {
		sessionID = cfg.MCP.SessionID
	}

	runner, err := a.newRunner(sessionID, terminal, terminal, &toolexecutor.WriterNotifier{W: out})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Connecting to the tool backend...")
	if err := runner.Start(ctx); err != nil {
		_ = runner.Close(context.Background())
		if errors.Is(err, apperr.ErrAuthRequired) {
			fmt.Fprintln(out, "\nLogin was not confirmed.")
			return nil
		}
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer func() {
		if err := runner.Close(context.Background()); err != nil {
			logger := a.component("chat")
			logger.Error().Err(err).Msg("Failed to save session")
		}
	}()

	fmt.Fprintf(out, "Logged in as %s. Type 'exit' or 'quit' to end the session.\n", runner.Identity())

	for {
		fmt.Fprint(out, "You: ")
		line, readErr := in.ReadString('\n')
		if readErr != nil && line == "" {
			fmt.Fprintln(out)
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if isExit(text) {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		result, err := runner.RunTurn(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out)
				return nil
			}
			if errors.Is(err, apperr.ErrBackendUnavailable) {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintf(out, "Assistant: %s\n", result.Answer)
	}
}

func isExit(text string) bool {
	switch strings.ToLower(text) {
	case "exit", "quit":
		return true
	}
	return false
}
