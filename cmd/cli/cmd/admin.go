package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opscost/opscost/internal/config"
)

var syncLogLimit int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply datastore migrations",
	RunE:  runMigrate,
}

var syncLogCmd = &cobra.Command{
	Use:   "sync-log",
	Short: "Show recent provider fetch attempts",
	RunE:  runSyncLog,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncLogCmd)
	rootCmd.AddCommand(configCmd)

	syncLogCmd.Flags().IntVarP(&syncLogLimit, "limit", "n", 20, "Maximum entries to show")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// Opening the app applies pending migrations
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", app.Config.Database.Driver)
	return nil
}

func runSyncLog(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	entries, err := app.SyncLog.Recent(cmd.Context(), syncLogLimit)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(cmd, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No fetch attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROVIDER\tSTATUS\tROWS\tDURATION\tMESSAGE")
	fmt.Fprintln(w, "----\t--------\t------\t----\t--------\t-------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
			formatTime(e.CreatedAt), e.Provider, e.Status, e.Rows, e.DurationMS, truncateString(e.Message, 60))
	}
	return w.Flush()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "opscost Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintf(out, "Config file:     %s\n", valueOr(configPath, "(none, defaults and environment)"))
	fmt.Fprintf(out, "Database:        %s\n", cfg.Database.Driver)
	if cfg.Database.Driver == config.DriverSQLite {
		fmt.Fprintf(out, "Database path:   %s\n", cfg.Database.Path)
	}
	fmt.Fprintf(out, "Claim mode:      %s\n", cfg.Queue.ClaimMode)
	fmt.Fprintf(out, "Dedupe window:   %s\n", cfg.Queue.DedupeWindow)
	fmt.Fprintf(out, "Max retries:     %d\n", cfg.Worker.MaxRetries)
	fmt.Fprintf(out, "Pricing source:  %s\n", cfg.Pricing.SourceURL)
	fmt.Fprintf(out, "KV key:          %s\n", cfg.Dashboard.KVKey)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Providers:")
	fmt.Fprintf(out, "  openrouter     enabled=%t key=%s\n", cfg.Providers.OpenRouter.Enabled, maskSecret(cfg.Providers.OpenRouter.APIKey))
	fmt.Fprintf(out, "  anthropic      enabled=%t key=%s\n", cfg.Providers.Anthropic.Enabled, maskSecret(cfg.Providers.Anthropic.AdminKey))
	fmt.Fprintf(out, "  codex          enabled=%t auth_file=%s\n", cfg.Providers.Codex.Enabled, valueOr(cfg.Providers.Codex.AuthFile, "(default)"))
	return nil
}

// maskSecret shows only whether a secret is set and its last four characters
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
