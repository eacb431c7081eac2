package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/logger"
	"github.com/orevatech/opsportal/run"
)

// RunCmd groups the pipeline run operations.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Enqueue, list, cancel, and tail pipeline runs",
	Long: `Manage pipeline runs.

Examples:
  opsportal run enqueue --tenant acme_cafe            # Single-tenant run
  opsportal run enqueue --all --parallel 3            # Fan-out run
  opsportal run enqueue --tenant acme_cafe --from-date 2026-08-01 --to-date 2026-08-07
  opsportal run ls --status failed                    # Recent failures
  opsportal run cancel 4f6b...                        # Cancel a queued or running job
  opsportal run log 4f6b... --follow                  # Tail a run's log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	enqueueTenant       string
	enqueueAll          bool
	enqueueTargetDate   string
	enqueueFromDate     string
	enqueueToDate       string
	enqueueSkipDownload bool
	enqueueParallel     int
	enqueueStagger      int
	enqueueContinue     bool
)

var runEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a pipeline run",
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
		settings := config.NewSettingsStore(database, logger.Logger)
		ctx := context.Background()

		job := &run.Job{
			Scope:             run.ScopeSingle,
			SkipDownload:      enqueueSkipDownload,
			ContinueOnFailure: enqueueContinue,
			RequestedBy:       util.Ptr("cli"),
		}
		if enqueueAll {
			job.Scope = run.ScopeAll
		}
		if enqueueTenant != "" {
			job.TenantKey = util.Ptr(enqueueTenant)
		}
		if enqueueTargetDate != "" {
			job.TargetDate = util.Ptr(enqueueTargetDate)
		}
		if enqueueFromDate != "" {
			job.FromDate = util.Ptr(enqueueFromDate)
		}
		if enqueueToDate != "" {
			job.ToDate = util.Ptr(enqueueToDate)
		}

		portalSettings, err := settings.Get(ctx)
		if err != nil {
			return err
		}
		job.Parallel = enqueueParallel
		if job.Parallel <= 0 {
			job.Parallel = portalSettings.EffectiveDefaultParallel(cfg.Dashboard)
		}
		job.StaggerSeconds = enqueueStagger
		if job.StaggerSeconds < 0 {
			job.StaggerSeconds = portalSettings.EffectiveDefaultStaggerSeconds(cfg.Dashboard)
		}

		if err := runs.Insert(ctx, job); err != nil {
			return err
		}

		pterm.Success.Printf("Queued run %s\n", job.ID)
		pterm.Info.Printf("The daemon dispatches queued runs; check progress with: opsportal run ls\n")
		return nil
	},
}

var (
	lsStatus string
	lsTenant string
	lsLimit  int
)

var runLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent runs",
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

		jobs, err := run.NewStore(database).List(context.Background(), run.ListFilter{
			Status:    run.Status(lsStatus),
			TenantKey: lsTenant,
			Limit:     lsLimit,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No runs found")
			return nil
		}

		for _, job := range jobs {
			target := "-"
			if job.TenantKey != nil {
				target = *job.TenantKey
			} else if job.Scope == run.ScopeAll {
				target = "all-tenants"
			}
			date := ""
			if job.TargetDate != nil {
				date = *job.TargetDate
			}
			detail := ""
			if job.FailureReason != "" {
				detail = pterm.Gray(job.FailureReason)
			}
			pterm.Printf("%s  %s  %-12s %-10s %s %s\n",
				statusBadge(job.Status),
				pterm.Gray(job.ID[:8]),
				target,
				date,
				pterm.Gray(job.QueuedAt.Local().Format("Jan 02 15:04")),
				detail)
		}
		return nil
	},
}

func statusBadge(status run.Status) string {
	switch status {
	case run.StatusSucceeded:
		return pterm.LightGreen("✓ succeeded")
	case run.StatusFailed:
		return pterm.LightRed("✗ failed   ")
	case run.StatusRunning:
		return pterm.LightCyan("▶ running  ")
	case run.StatusCancelled:
		return pterm.Yellow("⊘ cancelled")
	default:
		return pterm.Gray("… queued   ")
	}
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
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
		dispatcher := run.NewDispatcher(runs, lock, cfg.Pipeline, nil, logger.Logger)

		// Queued jobs cancel directly. For a running job this signals the
		// subprocess by PID; the daemon supervising it records the final
		// state. Prefer the dashboard cancel button when the daemon is up.
		if err := dispatcher.Cancel(context.Background(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

var logFollow bool

var runLogCmd = &cobra.Command{
	Use:   "log <run-id>",
	Short: "Print or follow a run's log",
	Args:  cobra.ExactArgs(1),
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
		ctx := context.Background()

		var offset int64
		for {
			job, err := runs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			chunk, err := run.ReadLogChunk(job, offset, 0)
			if err != nil {
				return err
			}
			if chunk.Data != "" {
				fmt.Print(chunk.Data)
			}
			offset = chunk.NewOffset

			if !logFollow || job.Status.IsTerminal() {
				return nil
			}
			time.Sleep(time.Second)
		}
	},
}

func init() {
	runEnqueueCmd.Flags().StringVar(&enqueueTenant, "tenant", "", "Tenant key for a single-tenant run")
	runEnqueueCmd.Flags().BoolVar(&enqueueAll, "all", false, "Fan out across all active tenants")
	runEnqueueCmd.Flags().StringVar(&enqueueTargetDate, "target-date", "", "Target date (YYYY-MM-DD)")
	runEnqueueCmd.Flags().StringVar(&enqueueFromDate, "from-date", "", "Range start (YYYY-MM-DD)")
	runEnqueueCmd.Flags().StringVar(&enqueueToDate, "to-date", "", "Range end (YYYY-MM-DD)")
	runEnqueueCmd.Flags().BoolVar(&enqueueSkipDownload, "skip-download", false, "Skip the download stage")
	runEnqueueCmd.Flags().IntVar(&enqueueParallel, "parallel", 0, "Fan-out parallelism (0 = dashboard default)")
	runEnqueueCmd.Flags().IntVar(&enqueueStagger, "stagger-seconds", -1, "Fan-out stagger (-1 = dashboard default)")
	runEnqueueCmd.Flags().BoolVar(&enqueueContinue, "continue-on-failure", false, "Keep going after a tenant fails")

	runLsCmd.Flags().StringVar(&lsStatus, "status", "", "Filter by status")
	runLsCmd.Flags().StringVar(&lsTenant, "tenant", "", "Filter by tenant key")
	runLsCmd.Flags().IntVar(&lsLimit, "limit", 20, "Maximum rows")

	runLogCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Keep polling until the run finishes")

	RunCmd.AddCommand(runEnqueueCmd)
	RunCmd.AddCommand(runLsCmd)
	RunCmd.AddCommand(runCancelCmd)
	RunCmd.AddCommand(runLogCmd)
}
