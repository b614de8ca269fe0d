package cli

import (
	"fmt"
	"strings"

	"github.com/harun/finagent/internal/storage"
	"github.com/harun/finagent/pkg/memory"
	"github.com/spf13/cobra"
)

var contextUser string

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect saved user context",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved context of a user",
	Args:  cobra.NoArgs,
	RunE:  runContextShow,
}

func init() {
	contextShowCmd.Flags().StringVar(&contextUser, "user", "", "user identity, e.g. a phone number")
	_ = contextShowCmd.MarkFlagRequired("user")
	contextCmd.AddCommand(contextShowCmd)
	rootCmd.AddCommand(contextCmd)
}

func runContextShow(cmd *cobra.Command, args []string) error {
	user := strings.TrimSpace(contextUser)
	if err := storage.ValidateUserID(user); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	uc, err := a.contexts.Load(cmd.Context(), user)
	if err != nil {
		return fmt.Errorf("failed to load context: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(uc) == 0 {
		fmt.Fprintf(out, "No context saved for %s\n", user)
		return nil
	}
	fmt.Fprintln(out, memory.Render(uc))
	return nil
}
