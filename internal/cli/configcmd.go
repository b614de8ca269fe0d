package cli

import (
	"fmt"

	"github.com/harun/finagent/internal/config"
	"github.com/harun/finagent/internal/logger"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigCheck,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configCheckCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n", config.NewLoader(cfgFile).GetConfigPath())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var warnings []string
	validator := config.NewValidator()
	for _, err := range validator.ValidateConfig(cfg) {
		warnings = append(warnings, err.Error())
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}

	fmt.Fprintf(out, "Tool backend: %s\n", cfg.MCP.URL)
	fmt.Fprintf(out, "Storage: %s\n", cfg.Storage.Backend)
	fmt.Fprintf(out, "AI profiles: %d\n", len(cfg.AI.Profiles))
	fmt.Fprintln(out, "Configuration OK")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	masked := *cfg
	masked.AI.Profiles = make([]config.AIProfile, len(cfg.AI.Profiles))
	for i, p := range cfg.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}

	// session ids and tokens embedded elsewhere are caught by the log redactor
	_, err = fmt.Fprintln(cmd.OutOrStdout(), logger.NewRedactor().Redact(masked.String()))
	return err
}
