package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/logger"
	"github.com/orevatech/opsportal/run"
)

// ReconcileCmd runs a one-off reaper sweep.
var ReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reap dead runs and release stale locks",
	Long: `Run one reconciliation sweep: mark running jobs whose PID is no
longer alive as failed, and release the global run lock if its owner is
gone. The daemon does this periodically; this command covers the case
where the daemon itself died mid-run.`,
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

		runs := run.NewStore(database)
		lock := run.NewProcessLock(cfg.Pipeline.LockFilePath(), runs)
		reaped, err := run.NewReconciler(runs, lock, logger.Logger).Sweep(context.Background())
		if err != nil {
			return err
		}

		if reaped == 0 {
			pterm.Info.Println("Nothing to reconcile")
		} else {
			pterm.Success.Printf("Reaped %d dead run(s)\n", reaped)
		}
		return nil
	},
}
