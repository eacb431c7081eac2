package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/logger"
)

var ingestDays int

// IngestCmd sweeps artifact metadata from the uploaded tree.
var IngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Sweep artifact metadata from the uploaded tree",
	Long: `Scan the pipeline's uploaded/ tree for *_transform.json metadata
files and import them into the artifact catalogue. Re-running is safe;
already-imported artifacts are merged, never duplicated.`,
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

		ingester := artifact.NewIngester(cfg.Pipeline.UploadedDir(), cfg.Pipeline.RunLogsDir(),
			artifact.NewStore(database), logger.Logger)
		result, err := ingester.IngestHistory(context.Background(), ingestDays)
		if err != nil {
			return err
		}

		pterm.Success.Printf("Scanned %d file(s): %d created, %d updated, %d skipped\n",
			result.Scanned, result.Created, result.Updated, result.Skipped)
		return nil
	},
}

func init() {
	IngestCmd.Flags().IntVar(&ingestDays, "days", 30, "Only consider files modified in the last N days")
}
