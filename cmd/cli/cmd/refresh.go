package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opscost/opscost/pkg/models"
)

var (
	enqueueSource      string
	enqueueRequestedBy string
	enqueueCooldown    time.Duration
	enqueueForce       bool

	listStatuses []string
	listLimit    int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a refresh job",
	Long: `Enqueue a refresh job for the worker.

With --cooldown, nothing is enqueued while the most recent successful
refresh finished inside the cooldown window, unless --force is given.`,
	RunE: runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show the status of a refresh job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List refresh jobs, newest first",
	RunE:  runList,
}

var processOnceCmd = &cobra.Command{
	Use:   "process-once",
	Short: "Claim and run at most one queued refresh job",
	RunE:  runProcessOnce,
}

var refreshNowCmd = &cobra.Command{
	Use:   "refresh-now",
	Short: "Run a refresh inline and persist the payload",
	RunE:  runRefreshNow,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a payload and print it without persisting",
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(processOnceCmd)
	rootCmd.AddCommand(refreshNowCmd)
	rootCmd.AddCommand(buildCmd)

	enqueueCmd.Flags().StringVar(&enqueueSource, "source", string(models.SourceCLI), "Request origin (web, cli, worker)")
	enqueueCmd.Flags().StringVar(&enqueueRequestedBy, "requested-by", "", "Requester recorded on the job")
	enqueueCmd.Flags().DurationVar(&enqueueCooldown, "cooldown", 0, "Skip when the last refresh finished within this window")
	enqueueCmd.Flags().BoolVar(&enqueueForce, "force", false, "Enqueue even inside the cooldown window")

	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Filter by status (pending, running, done, failed)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum jobs to show")
}

// cooldownRemaining returns how much of the cooldown is left after a refresh
// that finished at last. Zero means a new refresh may be enqueued.
func cooldownRemaining(last, now time.Time, cooldown time.Duration) time.Duration {
	if cooldown <= 0 || last.IsZero() {
		return 0
	}
	remaining := cooldown - now.Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if enqueueCooldown > 0 && !enqueueForce {
		last, err := app.Queue.LastFinished(ctx)
		if err != nil {
			return err
		}
		if remaining := cooldownRemaining(last, time.Now(), enqueueCooldown); remaining > 0 {
			if outputFormat == "json" {
				return printJSON(cmd, map[string]interface{}{
					"ok":        true,
					"skipped":   true,
					"remaining": remaining.Round(time.Second).String(),
				})
			}
			fmt.Fprintf(out, "Skipped: last refresh finished %s ago (cooldown %s, use --force to override)\n",
				time.Since(last).Round(time.Second), enqueueCooldown)
			return nil
		}
	}

	result, err := app.Queue.Enqueue(ctx, models.EnqueueRequest{
		Source:      models.RefreshSource(enqueueSource),
		RequestedBy: enqueueRequestedBy,
	})
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(cmd, result)
	}

	if result.Deduped {
		fmt.Fprintf(out, "Joined pending refresh %s\n", result.RequestID)
	} else {
		fmt.Fprintf(out, "Enqueued refresh %s\n", result.RequestID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	req, err := app.Queue.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	resp := models.NewRefreshStatusResponse(req)
	if outputFormat == "json" {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request:   %s\n", req.RequestID)
	fmt.Fprintf(out, "Status:    %s\n", req.Status)
	fmt.Fprintf(out, "Source:    %s\n", req.Source)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(req.CreatedAt))
	fmt.Fprintf(out, "Started:   %s\n", formatTime(req.StartedAt))
	fmt.Fprintf(out, "Finished:  %s\n", formatTime(req.FinishedAt))
	fmt.Fprintf(out, "Retries:   %d\n", req.RetryCount)
	if req.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", req.Error)
	} else if req.LastError != "" {
		fmt.Fprintf(out, "Last err:  %s\n", req.LastError)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	filter := models.RefreshFilter{Limit: listLimit}
	for _, s := range listStatuses {
		filter.Statuses = append(filter.Statuses, models.RefreshStatus(s))
	}

	reqs, err := app.Queue.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(cmd, reqs)
	}

	if len(reqs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No refresh jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tCREATED\tRETRIES\tREQUESTED BY")
	fmt.Fprintln(w, "--\t------\t------\t-------\t-------\t------------")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.RequestID, r.Status, r.Source, formatTime(r.CreatedAt), r.RetryCount, r.RequestedBy)
	}
	return w.Flush()
}

func runProcessOnce(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	result := app.NewWorker().ProcessOnce(cmd.Context())

	if outputFormat == "json" {
		body := map[string]interface{}{
			"claimed":   result.Claimed,
			"requestId": result.RequestID,
			"outcome":   result.Outcome,
		}
		if result.Err != nil {
			body["error"] = result.Err.Error()
		}
		return printJSON(cmd, body)
	}

	out := cmd.OutOrStdout()
	if !result.Claimed {
		fmt.Fprintln(out, "No refresh job to process.")
		return nil
	}
	fmt.Fprintf(out, "Processed %s: %s\n", result.RequestID, result.Outcome)
	if result.Err != nil {
		fmt.Fprintf(out, "Error: %s\n", result.Err)
	}
	if result.Backoff > 0 {
		fmt.Fprintf(out, "Retry after: %s\n", result.Backoff)
	}
	return nil
}

func runRefreshNow(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	payload, err := app.Refresh.RefreshNow(cmd.Context())
	if err != nil {
		return err
	}
	return printPayload(cmd, payload)
}

func runBuild(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	payload, err := app.Refresh.Build(cmd.Context())
	if err != nil {
		return err
	}
	return printPayload(cmd, payload)
}

func printPayload(cmd *cobra.Command, payload *models.Payload) error {
	if outputFormat == "json" {
		return printJSON(cmd, payload)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Usage Summary")
	fmt.Fprintln(out, "=============")
	fmt.Fprintf(out, "Generated:       %s\n", formatTime(payload.GeneratedAt))
	fmt.Fprintf(out, "Pricing:         %s\n", payload.Pricing.Mode)
	fmt.Fprintf(out, "Usage rows:      %d\n", payload.Sources.UsageRows)
	fmt.Fprintf(out, "Fetchers:        %d ok, %d failed\n", payload.Sources.FetchersSucceeded, payload.Sources.FetchersFailed)
	fmt.Fprintf(out, "Total cost:      $%.2f\n", payload.Totals.EstimatedCost)
	fmt.Fprintf(out, "Total tokens:    %d\n", payload.Totals.TotalTokens)

	if len(payload.ByProvider) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tCOST\tTOKENS\tROWS\tESTIMATED")
		fmt.Fprintln(w, "--------\t----\t------\t----\t---------")
		for _, b := range payload.ByProvider {
			fmt.Fprintf(w, "%s\t$%.2f\t%d\t%d\t%t\n", b.Provider, b.EstimatedCost, b.TotalTokens, b.Rows, b.Estimated)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(payload.Diagnostics) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Diagnostics:")
		for _, d := range payload.Diagnostics {
			fmt.Fprintf(out, "  [%s] %s: %s\n", d.Component, d.Code, d.Message)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
