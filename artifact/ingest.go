package artifact

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/run"
)

// metadataSuffix selects transform metadata files in the uploaded tree.
const metadataSuffix = "_transform.json"

// attachSlack widens the run window when matching artifacts to a job,
// absorbing clock skew between the pipeline and the portal.
const attachSlack = 5 * time.Minute

// Ingester sweeps the uploaded tree for transform metadata and records
// artifacts, and links fresh artifacts to the runs that produced them.
type Ingester struct {
	uploadedDir string
	runLogsDir  string
	store       *Store
	logger      *zap.SugaredLogger
}

// NewIngester creates an ingester over the given state directories.
func NewIngester(uploadedDir, runLogsDir string, store *Store, logger *zap.SugaredLogger) *Ingester {
	return &Ingester{
		uploadedDir: uploadedDir,
		runLogsDir:  runLogsDir,
		store:       store,
		logger:      logger,
	}
}

// IngestResult summarizes one ingestion sweep.
type IngestResult struct {
	Scanned int
	Created int
	Updated int
	Skipped int
}

// IngestHistory walks the uploaded tree and ingests every transform
// metadata file modified within the last days. days <= 0 means no age
// cutoff. Unparseable files are logged and skipped.
func (i *Ingester) IngestHistory(ctx context.Context, days int) (*IngestResult, error) {
	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	}

	result := &IngestResult{}
	err := filepath.WalkDir(i.uploadedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A missing uploaded tree just means nothing to ingest yet.
			if path == i.uploadedDir {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metadataSuffix) {
			return nil
		}
		if !cutoff.IsZero() {
			info, err := d.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				return nil
			}
		}

		result.Scanned++
		artifact, err := ParseMetadataFile(path)
		if err != nil {
			result.Skipped++
			if i.logger != nil {
				i.logger.Warnw("Skipping metadata file", "file", path, "error", err)
			}
			return nil
		}

		if artifact.ProcessedAt != nil {
			if processedAt, perr := time.Parse(time.RFC3339, *artifact.ProcessedAt); perr == nil {
				artifact.NearestLogFile = FindNearestLog(i.runLogsDir, artifact.TenantKey, processedAt)
			}
		}

		_, created, err := i.store.Upsert(ctx, artifact)
		if err != nil {
			return err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return result, errors.Wrap(err, "failed to walk uploaded tree")
	}

	if i.logger != nil && (result.Created > 0 || result.Skipped > 0) {
		i.logger.Infow("Artifact ingestion complete",
			"scanned", result.Scanned,
			"created", result.Created,
			"updated", result.Updated,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

// AttachRecent links artifacts produced during a finished run to that
// run. A fresh ingest runs first so metadata written moments ago is
// visible. For single-tenant runs, an artifact from another tenant that
// somehow carries this run's link is actively unlinked.
func (i *Ingester) AttachRecent(ctx context.Context, job *run.Job) error {
	if _, err := i.IngestHistory(ctx, 2); err != nil {
		return err
	}

	windowStart := job.QueuedAt
	if job.StartedAt != nil {
		windowStart = *job.StartedAt
	}
	windowStart = windowStart.Add(-attachSlack)
	windowEnd := time.Now().UTC().Add(attachSlack)
	if job.FinishedAt != nil {
		windowEnd = job.FinishedAt.Add(attachSlack)
	}

	candidates, err := i.store.ImportedSince(ctx, windowStart)
	if err != nil {
		return err
	}

	linked := 0
	for _, artifact := range candidates {
		if !artifactInWindow(artifact, windowStart, windowEnd) {
			continue
		}

		if job.Scope == run.ScopeSingle && job.TenantKey != nil &&
			artifact.TenantKey != *job.TenantKey {
			// Never let a single-tenant run claim another tenant's output.
			if artifact.RunJobID != nil && *artifact.RunJobID == job.ID {
				if err := i.store.SetRunJob(ctx, artifact.ID, nil); err != nil {
					return err
				}
				if i.logger != nil {
					i.logger.Warnw("Unlinked mismatched artifact",
						"artifact_id", artifact.ID,
						"artifact_tenant", artifact.TenantKey,
						"job_id", job.ID,
					)
				}
			}
			continue
		}

		if artifact.RunJobID == nil {
			if err := i.store.SetRunJob(ctx, artifact.ID, &job.ID); err != nil {
				return err
			}
			linked++
		}
	}

	if i.logger != nil && linked > 0 {
		i.logger.Infow("Artifacts attached to run", "job_id", job.ID, "linked", linked)
	}
	return nil
}

// artifactInWindow checks the processing timestamp against the run
// window, falling back to the import time when unparseable.
func artifactInWindow(artifact *Artifact, start, end time.Time) bool {
	at := artifact.ImportedAt
	if artifact.ProcessedAt != nil {
		if processedAt, err := time.Parse(time.RFC3339, *artifact.ProcessedAt); err == nil {
			at = processedAt
		}
	}
	return !at.Before(start) && !at.After(end)
}
