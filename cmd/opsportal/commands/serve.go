package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/health"
	"github.com/orevatech/opsportal/logger"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/schedule"
	"github.com/orevatech/opsportal/server"
	"github.com/orevatech/opsportal/tenant"
)

// ServeCmd starts the portal daemon in foreground mode.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portal daemon",
	Long: `Start the portal daemon in foreground mode.

The daemon runs:
- The HTTP API server (runs, log tailing, tenant health, scheduler status)
- The schedule worker (fires due cron schedules)
- The reconciler (reaps dead runs, releases stale locks)
- The tenant config watcher (syncs companies/*.json into the database)

Runs until interrupted (Ctrl+C); in-flight subprocesses are supervised
to completion or termination before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		runs := run.NewStore(database)
		tenants := tenant.NewStore(database)
		artifacts := artifact.NewStore(database)
		schedules := schedule.NewStore(database)
		settings := config.NewSettingsStore(database, logger.Logger)

		lock := run.NewProcessLock(cfg.Pipeline.LockFilePath(), runs)
		ingester := artifact.NewIngester(cfg.Pipeline.UploadedDir(), cfg.Pipeline.RunLogsDir(),
			artifacts, logger.Logger)
		dispatcher := run.NewDispatcher(runs, lock, cfg.Pipeline, ingester, logger.Logger)
		reconciler := run.NewReconciler(runs, lock, logger.Logger)
		checker := health.NewChecker(tenants, runs, artifacts, settings)

		syncer := tenant.NewSyncer(cfg.Pipeline.CompaniesDir(), tenants, logger.Logger)
		watcher := tenant.NewWatcher(cfg.Pipeline.CompaniesDir(), syncer, logger.Logger)
		worker := schedule.NewWorker(schedules, runs, dispatcher, cfg, logger.Logger)
		api := server.NewServer(cfg, runs, dispatcher, checker, schedules, settings, logger.Logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		reconciler.Start(ctx)
		if err := watcher.Start(ctx); err != nil {
			logger.Warnw("Tenant config watcher unavailable", "error", err)
		}
		worker.Start(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- api.Start(ctx)
		}()

		fmt.Printf("opsportal daemon started\n")
		fmt.Printf("  API:         http://localhost:%d\n", cfg.Server.Port)
		fmt.Printf("  Database:    %s\n", cfg.Database.Path)
		fmt.Printf("  State root:  %s\n", cfg.Pipeline.StateRoot)
		fmt.Printf("  Poll:        %v\n", cfg.Scheduler.PollInterval())
		fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		var serveErr error
		select {
		case <-sigChan:
			fmt.Printf("\nShutting down...\n")
		case serveErr = <-errCh:
		}

		// Stop components in reverse order of startup.
		worker.Stop()
		watcher.Stop()
		reconciler.Stop()
		cancel()
		if serveErr == nil {
			serveErr = <-errCh
		}

		// Let any supervised subprocess monitor finish its bookkeeping.
		dispatcher.Wait()

		if serveErr != nil {
			return serveErr
		}
		fmt.Printf("opsportal daemon stopped\n")
		return nil
	},
}
