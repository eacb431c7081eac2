package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/cmd/opsportal/commands"
	"github.com/orevatech/opsportal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "opsportal",
	Short: "opsportal - pipeline run orchestration portal",
	Long: `opsportal - orchestration core for the nightly pipeline.

The portal queues pipeline runs, dispatches them one at a time under a
global lock, fires cron schedules, ingests artifact metadata, and
classifies tenant health for the dashboard.

Available commands:
  serve     - Start the portal daemon (API server, scheduler, reconciler)
  run       - Enqueue, list, cancel, and tail pipeline runs
  schedule  - Manage cron schedules
  tenants   - Sync tenant configs and show health
  ingest    - Sweep artifact metadata from the uploaded tree
  reconcile - One-off reaper sweep (dead runs, stale locks)
  db        - Database operations (migrate, stats)
  version   - Show version information

Examples:
  opsportal serve                          # Run the daemon in foreground
  opsportal run enqueue --tenant acme_cafe # Queue a single-tenant run
  opsportal run ls                         # Show recent runs
  opsportal schedule create --name nightly --cron "0 18 * * *"
  opsportal tenants health                 # Classify every active tenant`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.TenantsCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.ReconcileCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
