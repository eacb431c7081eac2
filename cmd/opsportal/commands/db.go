package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/config"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the portal database",
	Long: `Manage database operations.

Examples:
  opsportal db migrate   # Apply pending schema migrations
  opsportal db stats     # Show row counts and database path`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// openDatabase migrates as part of opening.
		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("Database migrated: %s\n", cfg.Database.Path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("Database Statistics\n")
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		fmt.Printf("Database Path:  %s\n\n", cfg.Database.Path)

		tables := []struct {
			label string
			query string
		}{
			{"Run jobs", "SELECT COUNT(*) FROM run_jobs"},
			{"Queued", "SELECT COUNT(*) FROM run_jobs WHERE status = 'queued'"},
			{"Running", "SELECT COUNT(*) FROM run_jobs WHERE status = 'running'"},
			{"Schedules", "SELECT COUNT(*) FROM run_schedules"},
			{"Schedule events", "SELECT COUNT(*) FROM run_schedule_events"},
			{"Tenants", "SELECT COUNT(*) FROM tenant_configs"},
			{"Active tenants", "SELECT COUNT(*) FROM tenant_configs WHERE active = 1"},
			{"Artifacts", "SELECT COUNT(*) FROM run_artifacts"},
		}
		for _, tbl := range tables {
			var count int
			if err := database.QueryRow(tbl.query).Scan(&count); err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to query %s: %w", tbl.label, err)
			}
			fmt.Printf("%-16s %d\n", tbl.label+":", count)
		}
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
