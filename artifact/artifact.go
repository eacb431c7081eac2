// Package artifact ingests pipeline output metadata into the portal
// database and links artifacts to the runs that produced them.
package artifact

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/orevatech/opsportal/errors"
)

// Reliability grades how trustworthy an artifact's metadata is.
type Reliability string

const (
	// ReliabilityHigh marks immutable, dated metadata files.
	ReliabilityHigh Reliability = "high"
	// ReliabilityWarning marks "latest" snapshot files that the
	// pipeline overwrites in place.
	ReliabilityWarning Reliability = "warning"
)

// Artifact is one ingested pipeline output record.
type Artifact struct {
	ID                  string
	TenantKey           string
	TargetDate          *string
	ProcessedAt         *string
	SourcePath          string
	SourceHash          string
	Reliability         Reliability
	RowsTotal           *int
	RowsKept            *int
	RowsNonTarget       *int
	UploadStatsJSON     string
	ReconcileStatus     string
	ReconcileDifference *float64
	ReconcileEposTotal  *float64
	ReconcileQboTotal   *float64
	ReconcileEposCount  *int
	ReconcileQboCount   *int
	RawFile             string
	ProcessedFilesJSON  string
	NearestLogFile      string
	RunJobID            *string
	ImportedAt          time.Time
}

// Store persists artifacts with identity-based deduplication.
type Store struct {
	conn *sql.DB
}

// NewStore creates an artifact store.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

const artifactColumns = `
	id, tenant_key, target_date, processed_at, source_path, source_hash,
	reliability, rows_total, rows_kept, rows_non_target, upload_stats_json,
	reconcile_status, reconcile_difference, reconcile_epos_total,
	reconcile_qbo_total, reconcile_epos_count, reconcile_qbo_count,
	raw_file, processed_files_json, nearest_log_file, run_job_id, imported_at`

// Upsert stores an artifact keyed by its identity tuple of tenant,
// target date, processing timestamp, and source hash. Re-ingesting an
// existing artifact only fills gaps: the run link and source path are
// set when empty, numeric reconcile fields only go from null to a
// value, and reliability may change. Returns the stored record and
// whether it was newly created.
func (s *Store) Upsert(ctx context.Context, incoming *Artifact) (*Artifact, bool, error) {
	if incoming.TenantKey == "" || incoming.SourceHash == "" {
		return nil, false, errors.NewInvalidRequestError(
			errors.New("artifact requires tenant key and source hash"))
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin artifact transaction")
	}
	defer tx.Rollback()

	existing, err := s.getByIdentity(ctx, tx, incoming)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, false, err
	}

	if existing == nil {
		if incoming.ID == "" {
			incoming.ID = uuid.NewString()
		}
		if incoming.Reliability == "" {
			incoming.Reliability = ReliabilityHigh
		}
		if incoming.UploadStatsJSON == "" {
			incoming.UploadStatsJSON = "{}"
		}
		if incoming.ProcessedFilesJSON == "" {
			incoming.ProcessedFilesJSON = "[]"
		}
		incoming.ImportedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_artifacts (`+artifactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			incoming.ID, incoming.TenantKey, incoming.TargetDate,
			incoming.ProcessedAt, incoming.SourcePath, incoming.SourceHash,
			string(incoming.Reliability), incoming.RowsTotal, incoming.RowsKept,
			incoming.RowsNonTarget, incoming.UploadStatsJSON,
			incoming.ReconcileStatus, incoming.ReconcileDifference,
			incoming.ReconcileEposTotal, incoming.ReconcileQboTotal,
			incoming.ReconcileEposCount, incoming.ReconcileQboCount,
			incoming.RawFile, incoming.ProcessedFilesJSON,
			incoming.NearestLogFile, incoming.RunJobID,
			incoming.ImportedAt.Format(time.RFC3339))
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to insert artifact")
		}
		if err := tx.Commit(); err != nil {
			return nil, false, errors.Wrap(err, "failed to commit artifact insert")
		}
		return incoming, true, nil
	}

	merged := mergeArtifact(existing, incoming)
	_, err = tx.ExecContext(ctx, `
		UPDATE run_artifacts SET
			source_path = ?, reliability = ?, rows_total = ?, rows_kept = ?,
			rows_non_target = ?, upload_stats_json = ?, reconcile_status = ?,
			reconcile_difference = ?, reconcile_epos_total = ?,
			reconcile_qbo_total = ?, reconcile_epos_count = ?,
			reconcile_qbo_count = ?, raw_file = ?, processed_files_json = ?,
			nearest_log_file = ?, run_job_id = ?
		WHERE id = ?`,
		merged.SourcePath, string(merged.Reliability), merged.RowsTotal,
		merged.RowsKept, merged.RowsNonTarget, merged.UploadStatsJSON,
		merged.ReconcileStatus, merged.ReconcileDifference,
		merged.ReconcileEposTotal, merged.ReconcileQboTotal,
		merged.ReconcileEposCount, merged.ReconcileQboCount, merged.RawFile,
		merged.ProcessedFilesJSON, merged.NearestLogFile, merged.RunJobID,
		merged.ID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to update artifact")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit artifact update")
	}
	return merged, false, nil
}

// mergeArtifact applies the monotonic update rules.
func mergeArtifact(existing, incoming *Artifact) *Artifact {
	merged := *existing

	if merged.SourcePath == "" && incoming.SourcePath != "" {
		merged.SourcePath = incoming.SourcePath
	}
	if merged.RunJobID == nil && incoming.RunJobID != nil {
		merged.RunJobID = incoming.RunJobID
	}
	// Reliability only upgrades; a later "last_" snapshot never
	// downgrades a dated import.
	if merged.Reliability == ReliabilityWarning && incoming.Reliability == ReliabilityHigh {
		merged.Reliability = ReliabilityHigh
	}
	if merged.NearestLogFile == "" && incoming.NearestLogFile != "" {
		merged.NearestLogFile = incoming.NearestLogFile
	}
	if merged.RawFile == "" && incoming.RawFile != "" {
		merged.RawFile = incoming.RawFile
	}
	if incoming.ReconcileStatus != "" && merged.ReconcileStatus == "" {
		merged.ReconcileStatus = incoming.ReconcileStatus
	}

	if merged.RowsTotal == nil {
		merged.RowsTotal = incoming.RowsTotal
	}
	if merged.RowsKept == nil {
		merged.RowsKept = incoming.RowsKept
	}
	if merged.RowsNonTarget == nil {
		merged.RowsNonTarget = incoming.RowsNonTarget
	}
	if merged.ReconcileDifference == nil {
		merged.ReconcileDifference = incoming.ReconcileDifference
	}
	if merged.ReconcileEposTotal == nil {
		merged.ReconcileEposTotal = incoming.ReconcileEposTotal
	}
	if merged.ReconcileQboTotal == nil {
		merged.ReconcileQboTotal = incoming.ReconcileQboTotal
	}
	if merged.ReconcileEposCount == nil {
		merged.ReconcileEposCount = incoming.ReconcileEposCount
	}
	if merged.ReconcileQboCount == nil {
		merged.ReconcileQboCount = incoming.ReconcileQboCount
	}
	return &merged
}

func (s *Store) getByIdentity(ctx context.Context, tx *sql.Tx, a *Artifact) (*Artifact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM run_artifacts
		WHERE tenant_key = ?
		  AND ifnull(target_date, '') = ifnull(?, '')
		  AND ifnull(processed_at, '') = ifnull(?, '')
		  AND source_hash = ?`,
		a.TenantKey, a.TargetDate, a.ProcessedAt, a.SourceHash)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "artifact")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query artifact identity")
	}
	return artifact, nil
}

// Get returns the artifact with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM run_artifacts WHERE id = ?`, id)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "artifact %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get artifact")
	}
	return artifact, nil
}

// ListForTenant returns a tenant's artifacts, newest processing first.
func (s *Store) ListForTenant(ctx context.Context, tenantKey string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM run_artifacts
		WHERE tenant_key = ?
		ORDER BY ifnull(processed_at, imported_at) DESC LIMIT ?`,
		tenantKey, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// LatestForTenant returns a tenant's most recently processed artifact,
// or ErrNotFound.
func (s *Store) LatestForTenant(ctx context.Context, tenantKey string) (*Artifact, error) {
	artifacts, err := s.ListForTenant(ctx, tenantKey, 1)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "no artifacts for tenant %s", tenantKey)
	}
	return artifacts[0], nil
}

// ImportedSince returns artifacts ingested at or after the cutoff.
func (s *Store) ImportedSince(ctx context.Context, cutoff time.Time) ([]*Artifact, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM run_artifacts
		WHERE imported_at >= ? ORDER BY imported_at`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent artifacts")
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// SetRunJob links or unlinks an artifact's producing run. Pass nil to
// unlink.
func (s *Store) SetRunJob(ctx context.Context, artifactID string, runJobID *string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE run_artifacts SET run_job_id = ? WHERE id = ?`, runJobID, artifactID)
	return errors.Wrap(err, "failed to set artifact run link")
}

// SetNearestLog records the matched log file for an artifact.
func (s *Store) SetNearestLog(ctx context.Context, artifactID, logFile string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE run_artifacts SET nearest_log_file = ? WHERE id = ?`, logFile, artifactID)
	return errors.Wrap(err, "failed to set artifact nearest log")
}

func collectArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan artifact")
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a                       Artifact
		targetDate, processedAt sql.NullString
		reliability             string
		rowsTotal, rowsKept     sql.NullInt64
		rowsNonTarget           sql.NullInt64
		difference, eposTotal   sql.NullFloat64
		qboTotal                sql.NullFloat64
		eposCount, qboCount     sql.NullInt64
		runJobID                sql.NullString
		importedAt              string
	)

	err := row.Scan(&a.ID, &a.TenantKey, &targetDate, &processedAt,
		&a.SourcePath, &a.SourceHash, &reliability, &rowsTotal, &rowsKept,
		&rowsNonTarget, &a.UploadStatsJSON, &a.ReconcileStatus, &difference,
		&eposTotal, &qboTotal, &eposCount, &qboCount, &a.RawFile,
		&a.ProcessedFilesJSON, &a.NearestLogFile, &runJobID, &importedAt)
	if err != nil {
		return nil, err
	}

	a.Reliability = Reliability(reliability)
	if targetDate.Valid {
		a.TargetDate = &targetDate.String
	}
	if processedAt.Valid {
		a.ProcessedAt = &processedAt.String
	}
	if runJobID.Valid {
		a.RunJobID = &runJobID.String
	}
	a.RowsTotal = nullableInt(rowsTotal)
	a.RowsKept = nullableInt(rowsKept)
	a.RowsNonTarget = nullableInt(rowsNonTarget)
	a.ReconcileDifference = nullableFloat(difference)
	a.ReconcileEposTotal = nullableFloat(eposTotal)
	a.ReconcileQboTotal = nullableFloat(qboTotal)
	a.ReconcileEposCount = nullableInt(eposCount)
	a.ReconcileQboCount = nullableInt(qboCount)
	if ts, err := time.Parse(time.RFC3339, importedAt); err == nil {
		a.ImportedAt = ts
	}
	return &a, nil
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
