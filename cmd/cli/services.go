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
)

var (
	servicesStatus string
	servicesSearch string
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the service inventory",
	Example: `  neondeck services
  neondeck services --status inactive
  neondeck services --search grafana`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		switch servicesStatus {
		case "", db.StatusActive, db.StatusInactive:
		default:
			return fmt.Errorf("--status must be %q or %q", db.StatusActive, db.StatusInactive)
		}

		filter := db.ServiceFilter{Status: servicesStatus, Search: servicesSearch}
		return withDatabase(cmd.Context(), false, func(ctx context.Context, _ *config.Config, database *db.DB) error {
			services, err := db.NewServiceRepository(database).List(ctx, filter)
			if err != nil {
				return err
			}
			renderServices(cmd.OutOrStdout(), services)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
	servicesCmd.Flags().StringVar(&servicesStatus, "status", "", "filter by status (active or inactive)")
	servicesCmd.Flags().StringVar(&servicesSearch, "search", "", "match name, URL or description")
}

func renderServices(w io.Writer, services []*db.Service) {
	if len(services) == 0 {
		fmt.Fprintln(w, "No services found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Name", "URL", "Category", "Status", "Response", "Last Seen", "Manual")
	for _, svc := range services {
		category := "-"
		if svc.CategoryName != nil {
			category = *svc.CategoryName
		}
		response := "-"
		if svc.ResponseTimeMS != nil {
			response = strconv.Itoa(*svc.ResponseTimeMS) + "ms"
		}
		lastSeen := "never"
		if svc.LastSeen != nil {
			lastSeen = svc.LastSeen.Local().Format(timeLayout)
		}
		_ = table.Append([]string{
			svc.Name,
			svc.URL,
			category,
			svc.Status,
			response,
			lastSeen,
			strconv.FormatBool(svc.IsManual),
		})
	}
	_ = table.Render()
}
