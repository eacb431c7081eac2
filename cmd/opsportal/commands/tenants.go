package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/health"
	"github.com/orevatech/opsportal/logger"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/tenant"
)

// TenantsCmd groups tenant operations.
var TenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Sync tenant configs and show health",
	Long: `Manage tenants.

Tenant configuration lives as JSON files under the pipeline state tree
(companies/<key>.json). The daemon watches that directory; "sync" forces
a one-off import, "health" classifies every active tenant.

Examples:
  opsportal tenants sync
  opsportal tenants health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var tenantsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import tenant config files into the database",
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

		syncer := tenant.NewSyncer(cfg.Pipeline.CompaniesDir(), tenant.NewStore(database), logger.Logger)
		result, err := syncer.Sync(context.Background())
		if err != nil {
			return err
		}
		pterm.Success.Printf("Synced %d tenant(s): %d changed, %d deactivated\n",
			result.Seen, result.Changed, result.Deactivated)
		return nil
	},
}

var tenantsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Classify every active tenant",
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

		checker := health.NewChecker(
			tenant.NewStore(database),
			run.NewStore(database),
			artifact.NewStore(database),
			config.NewSettingsStore(database, logger.Logger))

		results, err := checker.CheckAll(context.Background())
		if err != nil {
			return err
		}
		if len(results) == 0 {
			pterm.Info.Println("No active tenants")
			return nil
		}

		for _, th := range results {
			detail := ""
			if th.Result.Detail != "" {
				detail = pterm.Gray(th.Result.Detail)
			}
			pterm.Printf("%s  %-16s %-22s %-10s %s\n",
				severityBadge(th.Result.Severity),
				th.TenantKey,
				string(th.Result.Reason),
				pterm.Gray(string(th.Result.Activity)),
				detail)
		}
		return nil
	},
}

func severityBadge(severity health.Severity) string {
	switch severity {
	case health.SeverityHealthy:
		return pterm.LightGreen("● healthy ")
	case health.SeverityWarning:
		return pterm.Yellow("● warning ")
	case health.SeverityCritical:
		return pterm.LightRed("● critical")
	default:
		return pterm.Gray("● unknown ")
	}
}

func init() {
	TenantsCmd.AddCommand(tenantsSyncCmd)
	TenantsCmd.AddCommand(tenantsHealthCmd)
}
