package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opscost/opscost/internal/bootstrap"
	"github.com/opscost/opscost/internal/config"
	"github.com/opscost/opscost/internal/logging"
)

var (
	configPath   string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opscost",
	Short: "opscost CLI - AI provider usage and cost telemetry",
	Long: `opscost collects usage from AI provider accounts and local session logs,
prices it, and publishes a dashboard payload.

This CLI tool allows you to:
- Enqueue refresh jobs and inspect the job queue
- Run a refresh inline or process one queued job
- Reconcile the stored payload against raw usage
- Apply datastore migrations`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a cancellable context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getEnvOrDefault("OPSCOST_CONFIG", ""), "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// openApp loads configuration and wires the datastore-backed components.
// Logs go to stderr so stdout stays parseable.
func openApp(cmd *cobra.Command) (*bootstrap.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "text",
		Output: cmd.ErrOrStderr(),
	})

	app, err := bootstrap.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return app, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
