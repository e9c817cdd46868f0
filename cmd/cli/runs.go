package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/scanrun"
)

const timeLayout = "2006-01-02 15:04:05"

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show scan run history",
	Example: `  neondeck runs
  neondeck runs --limit 5`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if runsLimit < 1 {
			return fmt.Errorf("--limit must be at least 1")
		}
		return withDatabase(cmd.Context(), false, func(ctx context.Context, _ *config.Config, database *db.DB) error {
			runs, err := db.NewScanRunRepository(database).List(ctx, runsLimit)
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", scanrun.DefaultListLimit, "number of runs to show")
}

func renderRuns(w io.Writer, runs []*db.ScanRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No scan runs recorded")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Started", "Status", "Found", "New", "Removed", "Duration", "Error")
	for _, run := range runs {
		errMsg := ""
		if run.ErrorMessage != nil {
			errMsg = *run.ErrorMessage
		}
		_ = table.Append([]string{
			run.ID.String()[:8],
			run.StartedAt.Local().Format(timeLayout),
			run.Status,
			strconv.Itoa(run.ServicesFound),
			strconv.Itoa(run.NewServices),
			strconv.Itoa(run.RemovedServices),
			runDuration(run),
			errMsg,
		})
	}
	_ = table.Render()
}
