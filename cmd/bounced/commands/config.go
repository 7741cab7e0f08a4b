package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/bounced/internal/config"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for generating, validating, and showing bounced configuration",
}

func init() {
	rootCmd.AddCommand(configCmd)

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  initConfig,
	}
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE:  validateConfig,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := cfg.Redacted().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
}

func initConfig(cmd *cobra.Command, args []string) error {
	outputPath := "bounced.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if forceInit {
		if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", outputPath, err)
		}
	}
	if err := config.CreateDefaultConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

// validateConfig reports warnings too. LoadConfig has already rejected a
// configuration with errors by the time this runs.
func validateConfig(cmd *cobra.Command, args []string) error {
	result := cfg.Validate()
	out := cmd.OutOrStdout()

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
	}
	if !result.Valid {
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	fmt.Fprintln(out, "Configuration is VALID")
	fmt.Fprintf(out, "  Store: %s (attempts: %s)\n", cfg.Store.Backend, cfg.AttemptsBackend())
	fmt.Fprintf(out, "  Retry: %d retries, max backoff %s\n", cfg.Retry.MaxRetries, cfg.Retry.MaxBackoff.Duration)
	fmt.Fprintf(out, "  Reputation: %s\n", cfg.Reputation.Backend)
	fmt.Fprintf(out, "  Alert: %s\n", cfg.Alert.Backend)
	fmt.Fprintf(out, "  Ops listener: %s\n", cfg.Metrics.ListenAddr)
	return nil
}
