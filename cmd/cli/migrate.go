package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/neondeck/internal/config"
	"github.com/anstrom/neondeck/internal/db"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or list database migrations",
	Example: `  neondeck migrate
  neondeck migrate --status`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), false, func(ctx context.Context, _ *config.Config, database *db.DB) error {
			migrator := db.NewMigrator(database.DB)
			out := cmd.OutOrStdout()

			if migrateStatus {
				statuses, err := migrator.Status(ctx)
				if err != nil {
					return err
				}
				renderMigrations(out, statuses)
				return nil
			}

			applied, err := migrator.Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "Database schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "Applied %s\n", name)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "list migrations without applying them")
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Applied", "Applied At", "Modified")
	for _, s := range statuses {
		appliedAt := "-"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Local().Format(timeLayout)
		}
		applied := "no"
		if s.Applied {
			applied = "yes"
		}
		modified := ""
		if s.Modified {
			modified = "yes"
		}
		_ = table.Append([]string{s.Name, applied, appliedAt, modified})
	}
	_ = table.Render()
}
