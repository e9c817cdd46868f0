package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/daemon"
	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/scanrun"
)

var (
	scanNetworks []string
	scanPorts    string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one discovery scan and print the summary",
	Long: `Execute a full discovery run in the foreground: sweep the networks,
probe every open port and reconcile the inventory. Fails if another run
is already in progress.`,
	Example: `  neondeck scan
  neondeck scan --networks 10.0.0.0/24 --ports 80,443,8000-8100`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringSliceVar(&scanNetworks, "networks", nil, "networks to sweep (overrides config)")
	scanCmd.Flags().StringVar(&scanPorts, "ports", "", "ports to probe, e.g. 80,443,8000-8100 (overrides config)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withDatabase(ctx, true, func(ctx context.Context, cfg *config.Config, database *db.DB) error {
		if err := applyScanFlags(cfg); err != nil {
			return err
		}

		pipeline, err := daemon.NewPipeline(ctx, database, daemon.PipelineOptions{
			Discovery:    cfg.DiscoveryConfig(),
			Probe:        cfg.ProbeConfig(),
			Workers:      cfg.Workers,
			HistoryLimit: cfg.Scanning.MaxHistory,
			RunConfig:    cfg.RunConfig,
		}, logging.Default())
		if err != nil {
			return err
		}
		defer pipeline.Close()

		run, runErr := pipeline.Coordinator.RunNow(ctx)
		if run != nil {
			renderRunSummary(cmd.OutOrStdout(), run)
		}
		return runErr
	})
}

// applyScanFlags overrides the configured networks and ports.
func applyScanFlags(cfg *config.Config) error {
	if len(scanNetworks) > 0 {
		cfg.Scanning.Networks = scanNetworks
	}
	if scanPorts != "" {
		ports, err := config.ParsePorts(scanPorts)
		if err != nil {
			return fmt.Errorf("invalid --ports: %w", err)
		}
		cfg.Scanning.Ports = ports
	}
	return cfg.Validate()
}

func renderRunSummary(w io.Writer, run *db.ScanRun) {
	fmt.Fprintf(w, "Scan %s %s\n", run.ID, run.Status)
	if cfg, err := scanrun.DecodeConfig(run); err == nil {
		fmt.Fprintf(w, "Networks: %s\n", strings.Join(cfg.Networks, ", "))
	}

	table := tablewriter.NewWriter(w)
	table.Header("Found", "New", "Removed", "Duration")
	_ = table.Append([]string{
		strconv.Itoa(run.ServicesFound),
		strconv.Itoa(run.NewServices),
		strconv.Itoa(run.RemovedServices),
		runDuration(run),
	})
	_ = table.Render()

	if run.ErrorMessage != nil {
		fmt.Fprintf(w, "Error: %s\n", *run.ErrorMessage)
	}
}

func runDuration(run *db.ScanRun) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
}
