package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opscost/opscost/internal/aggregate"
)

// errReconcileDrift makes the command exit non-zero
var errReconcileDrift = errors.New("reconciliation failed: drift above threshold")

var reconcileThreshold float64

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check the stored payload against a recomputation from raw usage",
	Long: `Recompute the aggregate from raw usage rows and compare its totals with
the stored payload. Also checks that the per-provider, per-model and per-day
views sum to the totals. Exits non-zero when any drift exceeds the threshold.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Float64Var(&reconcileThreshold, "threshold", aggregate.DefaultDriftThreshold, "Maximum tolerated drift in USD or tokens")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	ctx := cmd.Context()

	stored, err := app.Payloads.Get(ctx, app.Config.Dashboard.KVKey)
	if err != nil {
		return fmt.Errorf("failed to load stored payload: %w", err)
	}

	coll, err := app.Refresh.Collect(ctx)
	if err != nil {
		return err
	}
	fresh := aggregate.Aggregate(coll.Rows, app.ModelRefs, coll.Table)

	report := aggregate.Reconcile(stored, &fresh, reconcileThreshold)

	if outputFormat == "json" {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHECK\tEXPECTED\tACTUAL\tDRIFT\tOK")
		fmt.Fprintln(w, "-----\t--------\t------\t-----\t--")
		for _, c := range report.Checks {
			fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%t\n", c.Name, c.Expected, c.Actual, c.Drift, c.OK)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if !report.OK {
		return fmt.Errorf("%w (%d checks)", errReconcileDrift, len(report.Failed()))
	}
	return nil
}
