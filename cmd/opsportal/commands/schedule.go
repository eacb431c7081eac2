package commands

import (
	"context"
	"database/sql"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/schedule"
)

// ScheduleCmd groups cron schedule management.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron schedules",
	Long: `Manage cron schedules for automatic pipeline runs.

Examples:
  opsportal schedule create --name nightly --cron "0 18 * * *"
  opsportal schedule create --name acme-early --cron "30 4 * * 1-5" --tenant acme_cafe
  opsportal schedule ls
  opsportal schedule disable nightly
  opsportal schedule events nightly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	schedName     string
	schedCron     string
	schedTz       string
	schedTenant   string
	schedParallel int
	schedStagger  int
	schedContinue bool
)

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if schedName == "" {
			return errors.NewInvalidRequestError(errors.New("--name is required"))
		}
		if err := schedule.ValidateCron(schedCron); err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		sched := &schedule.Schedule{
			Name:              schedName,
			Enabled:           true,
			Scope:             run.ScopeAll,
			CronExpr:          schedCron,
			TimezoneName:      schedTz,
			Parallel:          schedParallel,
			StaggerSeconds:    schedStagger,
			ContinueOnFailure: schedContinue,
		}
		if schedTz == "" {
			sched.TimezoneName = cfg.Business.Timezone
		}
		if schedTenant != "" {
			sched.Scope = run.ScopeSingle
			sched.TenantKey = util.Ptr(schedTenant)
		}
		if sched.Parallel <= 0 {
			sched.Parallel = cfg.Dashboard.DefaultParallel
		}
		if sched.StaggerSeconds < 0 {
			sched.StaggerSeconds = cfg.Dashboard.DefaultStaggerSeconds
		}

		if err := schedule.NewStore(database).Create(context.Background(), sched); err != nil {
			return err
		}
		pterm.Success.Printf("Created schedule %s (%s)\n", sched.Name, sched.ID)
		pterm.Info.Println("The daemon seeds the first fire time on its next poll")
		return nil
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
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

		scheds, err := schedule.NewStore(database).List(context.Background())
		if err != nil {
			return err
		}
		if len(scheds) == 0 {
			pterm.Info.Println("No schedules")
			return nil
		}

		for _, sched := range scheds {
			state := pterm.LightGreen("enabled ")
			if !sched.Enabled {
				state = pterm.Gray("disabled")
			}
			target := "all-tenants"
			if sched.TenantKey != nil {
				target = *sched.TenantKey
			}
			next := "-"
			if sched.NextFireAt != nil {
				next = sched.NextFireAt.Local().Format("Jan 02 15:04")
			} else if sched.Enabled {
				next = pterm.Yellow("unseeded")
			}
			managed := ""
			if sched.IsSystemManaged {
				managed = pterm.Gray("(system)")
			}
			pterm.Printf("%s  %-24s %-14s %-16s next: %s %s\n",
				state, sched.Name, pterm.Gray(sched.CronExpr), target, next, managed)
		}
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name-or-id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(args[0], true) },
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name-or-id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(args[0], false) },
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <name-or-id>",
	Short: "Delete a schedule",
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

		store := schedule.NewStore(database)
		ctx := context.Background()
		sched, err := resolveSchedule(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err := store.Delete(ctx, sched.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted schedule %s\n", sched.Name)
		return nil
	},
}

var eventsLimit int

var scheduleEventsCmd = &cobra.Command{
	Use:   "events <name-or-id>",
	Short: "Show a schedule's recent fire history",
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

		store := schedule.NewStore(database)
		ctx := context.Background()
		sched, err := resolveSchedule(ctx, store, args[0])
		if err != nil {
			return err
		}
		events, err := store.ListEvents(ctx, sched.ID, eventsLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			pterm.Info.Println("No events")
			return nil
		}
		for _, ev := range events {
			pterm.Printf("%s  %-18s %s\n",
				pterm.Gray(ev.CreatedAt.Local().Format("Jan 02 15:04:05")),
				ev.Type, pterm.Gray(ev.Message))
		}
		return nil
	},
}

func setScheduleEnabled(nameOrID string, enabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	ctx := context.Background()
	sched, err := resolveSchedule(ctx, store, nameOrID)
	if err != nil {
		return err
	}
	if err := store.SetEnabled(ctx, sched.ID, enabled); err != nil {
		return err
	}
	if enabled {
		pterm.Success.Printf("Enabled schedule %s\n", sched.Name)
	} else {
		pterm.Success.Printf("Disabled schedule %s\n", sched.Name)
	}
	return nil
}

// resolveSchedule accepts either a schedule ID or its unique name.
func resolveSchedule(ctx context.Context, store *schedule.Store, nameOrID string) (*schedule.Schedule, error) {
	sched, err := store.Get(ctx, nameOrID)
	if err == nil {
		return sched, nil
	}
	if !errors.IsNotFoundError(err) && err != sql.ErrNoRows {
		return nil, err
	}
	return store.GetByName(ctx, nameOrID)
}

func init() {
	scheduleCreateCmd.Flags().StringVar(&schedName, "name", "", "Unique schedule name")
	scheduleCreateCmd.Flags().StringVar(&schedCron, "cron", "", "Five-field cron expression")
	scheduleCreateCmd.Flags().StringVar(&schedTz, "tz", "", "IANA timezone (default: business timezone)")
	scheduleCreateCmd.Flags().StringVar(&schedTenant, "tenant", "", "Tenant key for a single-tenant schedule")
	scheduleCreateCmd.Flags().IntVar(&schedParallel, "parallel", 0, "Fan-out parallelism (0 = dashboard default)")
	scheduleCreateCmd.Flags().IntVar(&schedStagger, "stagger-seconds", -1, "Fan-out stagger (-1 = dashboard default)")
	scheduleCreateCmd.Flags().BoolVar(&schedContinue, "continue-on-failure", false, "Keep going after a tenant fails")

	scheduleEventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Maximum events")

	ScheduleCmd.AddCommand(scheduleCreateCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleEnableCmd)
	ScheduleCmd.AddCommand(scheduleDisableCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleEventsCmd)
}
