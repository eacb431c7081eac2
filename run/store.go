package run

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/orevatech/opsportal/errors"
)

// Store persists run jobs and the global run lock row.
type Store struct {
	conn *sql.DB
}

// NewStore creates a run job store.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// execer abstracts *sql.DB and *sql.Tx so writes can join a caller's
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const jobColumns = `
	id, scope, tenant_key, target_date, from_date, to_date, skip_download,
	parallel, stagger_seconds, continue_on_failure, status, pid,
	log_file_path, exit_code, failure_reason, command_json, command_display,
	requested_by, scheduled_by, queued_at, dispatched_at, started_at,
	finished_at, created_at`

// Insert queues a new job. Assigns an ID and timestamps when unset.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	return s.insert(ctx, s.conn, job)
}

// InsertTx queues a new job inside the caller's transaction, so the job
// row commits or rolls back together with the caller's bookkeeping.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	return s.insert(ctx, tx, job)
}

func (s *Store) insert(ctx context.Context, conn execer, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Scope == ScopeSingle {
		// Fan-out knobs are meaningless for a one-tenant run.
		job.Parallel = 1
		job.StaggerSeconds = 0
		job.ContinueOnFailure = false
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	now := time.Now().UTC()
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO run_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Scope), job.TenantKey, job.TargetDate, job.FromDate,
		job.ToDate, job.SkipDownload, job.Parallel, job.StaggerSeconds,
		job.ContinueOnFailure, string(job.Status), job.PID, job.LogFilePath,
		job.ExitCode, job.FailureReason, job.CommandJSON, job.CommandDisplay,
		job.RequestedBy, job.ScheduledBy,
		formatTime(job.QueuedAt), formatTimePtr(job.DispatchedAt),
		formatTimePtr(job.StartedAt), formatTimePtr(job.FinishedAt),
		formatTime(job.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "failed to insert run job")
	}
	return nil
}

// Get returns the job with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM run_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "run job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run job")
	}
	return job, nil
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status    Status
	TenantKey string
	Limit     int
}

// List returns jobs newest-first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM run_jobs WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.TenantKey != "" {
		query += " AND tenant_key = ?"
		args = append(args, filter.TenantKey)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list run jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// OldestQueued returns the next job to dispatch, FIFO by creation time.
// Returns ErrNotFound when the queue is empty.
func (s *Store) OldestQueued(ctx context.Context) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE status = ? ORDER BY created_at, id LIMIT 1`, string(StatusQueued))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "no queued jobs")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to pick queued job")
	}
	return job, nil
}

// Running returns all jobs currently marked running.
func (s *Store) Running(ctx context.Context) ([]*Job, error) {
	return s.List(ctx, ListFilter{Status: StatusRunning})
}

// CountQueued returns the number of queued jobs.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_jobs WHERE status = ?`,
		string(StatusQueued)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count queued jobs")
	}
	return n, nil
}

// ActiveJobForSchedule returns a queued or running job enqueued by the
// given schedule, or ErrNotFound. Used for overlap suppression.
func (s *Store) ActiveJobForSchedule(ctx context.Context, scheduleID string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE scheduled_by = ? AND status IN (?, ?)
		ORDER BY created_at LIMIT 1`,
		scheduleID, string(StatusQueued), string(StatusRunning))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no active job for schedule %s", scheduleID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query active schedule job")
	}
	return job, nil
}

// LatestFinishedForTenant returns the most recent terminal single-tenant
// job for the given tenant, or ErrNotFound.
func (s *Store) LatestFinishedForTenant(ctx context.Context, tenantKey string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE tenant_key = ? AND status IN (?, ?, ?)
		ORDER BY finished_at DESC LIMIT 1`,
		tenantKey, string(StatusSucceeded), string(StatusFailed), string(StatusCancelled))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no finished runs for tenant %s", tenantKey)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest tenant run")
	}
	return job, nil
}

// LatestJobForTenant returns the most recent job for the given tenant
// regardless of status, or ErrNotFound. Queued and running jobs count,
// so callers can tell an in-flight run from a stale one.
func (s *Store) LatestJobForTenant(ctx context.Context, tenantKey string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM run_jobs
		WHERE tenant_key = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, tenantKey)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no runs for tenant %s", tenantKey)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest tenant job")
	}
	return job, nil
}

// MarkRunning transitions a queued job to running and records the
// subprocess details. Fails with ErrStatusChanged if the job left the
// queued state concurrently.
func (s *Store) MarkRunning(ctx context.Context, id string, pid int, logPath, commandJSON, commandDisplay string) error {
	now := formatTime(time.Now().UTC())
	result, err := s.conn.ExecContext(ctx, `
		UPDATE run_jobs SET
			status = ?, pid = ?, log_file_path = ?, command_json = ?,
			command_display = ?, dispatched_at = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRunning), pid, logPath, commandJSON, commandDisplay,
		now, now, id, string(StatusQueued))
	if err != nil {
		return errors.Wrap(err, "failed to mark job running")
	}
	return checkTransition(result, id)
}

// Finish transitions a running job to a terminal status.
func (s *Store) Finish(ctx context.Context, id string, to Status, exitCode *int, reason string) error {
	return s.finishFrom(ctx, id, StatusRunning, to, exitCode, reason)
}

// FailBeforeStart marks a queued job failed without it ever running.
// Used when the subprocess could not be spawned.
func (s *Store) FailBeforeStart(ctx context.Context, id string, exitCode int, reason string) error {
	return s.finishFrom(ctx, id, StatusQueued, StatusFailed, &exitCode, reason)
}

// CancelQueued transitions a queued job straight to cancelled.
func (s *Store) CancelQueued(ctx context.Context, id string) error {
	return s.finishFrom(ctx, id, StatusQueued, StatusCancelled, nil, "Cancelled before dispatch")
}

func (s *Store) finishFrom(ctx context.Context, id string, from, to Status, exitCode *int, reason string) error {
	if !to.IsTerminal() {
		return errors.Newf("finish requires a terminal status, got %s", to)
	}
	now := formatTime(time.Now().UTC())
	result, err := s.conn.ExecContext(ctx, `
		UPDATE run_jobs SET status = ?, exit_code = ?, failure_reason = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(to), exitCode, reason, now, id, string(from))
	if err != nil {
		return errors.Wrapf(err, "failed to finish job %s", id)
	}
	return checkTransition(result, id)
}

func checkTransition(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrStatusChanged, "job %s", id)
	}
	return nil
}

// LockState is a snapshot of the global run lock row.
type LockState struct {
	Active     bool
	Holder     string
	OwnerJobID *string
	AcquiredAt *time.Time
	UpdatedAt  time.Time
}

// LockState returns the current global lock row.
func (s *Store) LockState(ctx context.Context) (*LockState, error) {
	var (
		state      LockState
		active     int
		ownerJobID sql.NullString
		acquiredAt sql.NullString
		updatedAt  string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT active, holder, owner_job_id, acquired_at, updated_at
		FROM run_lock WHERE id = 1`).Scan(
		&active, &state.Holder, &ownerJobID, &acquiredAt, &updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read run lock")
	}
	state.Active = active != 0
	if ownerJobID.Valid {
		state.OwnerJobID = &ownerJobID.String
	}
	if acquiredAt.Valid {
		if ts, err := time.Parse(time.RFC3339, acquiredAt.String); err == nil {
			state.AcquiredAt = &ts
		}
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		state.UpdatedAt = ts
	}
	return &state, nil
}

// acquireLockRow claims the global lock row for holder. If the row is
// held by a job that already reached a terminal state, the stale claim
// is garbage collected first. Returns ErrLockBusy when genuinely held.
func (s *Store) acquireLockRow(ctx context.Context, holder, ownerJobID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin lock transaction")
	}
	defer tx.Rollback()

	var (
		active    int
		curHolder string
		curOwner  sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT active, holder, owner_job_id FROM run_lock WHERE id = 1`).Scan(
		&active, &curHolder, &curOwner)
	if err != nil {
		return errors.Wrap(err, "failed to read run lock")
	}

	if active != 0 {
		stale := false
		if curOwner.Valid {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM run_jobs WHERE id = ?`, curOwner.String).Scan(&status)
			if err == sql.ErrNoRows || (err == nil && Status(status).IsTerminal()) {
				stale = true
			} else if err != nil {
				return errors.Wrap(err, "failed to check lock owner")
			}
		}
		if !stale {
			return errors.Wrapf(errors.ErrLockBusy, "run lock held by %q", curHolder)
		}
	}

	now := formatTime(time.Now().UTC())
	var owner interface{}
	if ownerJobID != "" {
		owner = ownerJobID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE run_lock SET active = 1, holder = ?, owner_job_id = ?,
			acquired_at = ?, updated_at = ?
		WHERE id = 1`, holder, owner, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to claim run lock")
	}

	return errors.Wrap(tx.Commit(), "failed to commit lock claim")
}

// releaseLockRow clears the global lock row. Without force, only the
// named holder may release.
func (s *Store) releaseLockRow(ctx context.Context, holder string, force bool) error {
	now := formatTime(time.Now().UTC())
	query := `UPDATE run_lock SET active = 0, holder = '', owner_job_id = NULL,
		acquired_at = NULL, updated_at = ? WHERE id = 1`
	args := []interface{}{now}
	if !force {
		query += " AND holder = ?"
		args = append(args, holder)
	}
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to release run lock")
	}
	if n, _ := result.RowsAffected(); n == 0 && !force {
		return errors.Wrapf(errors.ErrLockBusy, "run lock not held by %q", holder)
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                         Job
		scope, status               string
		tenantKey, targetDate       sql.NullString
		fromDate, toDate            sql.NullString
		skipDownload, continueOn    int
		pid                         sql.NullInt64
		exitCode                    sql.NullInt64
		requestedBy, scheduledBy    sql.NullString
		queuedAt, createdAt         string
		dispatchedAt, startedAt     sql.NullString
		finishedAt                  sql.NullString
	)

	err := row.Scan(&job.ID, &scope, &tenantKey, &targetDate, &fromDate,
		&toDate, &skipDownload, &job.Parallel, &job.StaggerSeconds,
		&continueOn, &status, &pid, &job.LogFilePath, &exitCode,
		&job.FailureReason, &job.CommandJSON, &job.CommandDisplay,
		&requestedBy, &scheduledBy, &queuedAt, &dispatchedAt, &startedAt,
		&finishedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	job.Scope = Scope(scope)
	job.Status = Status(status)
	job.SkipDownload = skipDownload != 0
	job.ContinueOnFailure = continueOn != 0
	job.TenantKey = nullableString(tenantKey)
	job.TargetDate = nullableString(targetDate)
	job.FromDate = nullableString(fromDate)
	job.ToDate = nullableString(toDate)
	job.RequestedBy = nullableString(requestedBy)
	job.ScheduledBy = nullableString(scheduledBy)
	if pid.Valid {
		v := int(pid.Int64)
		job.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		job.ExitCode = &v
	}
	job.QueuedAt = parseTime(queuedAt)
	job.CreatedAt = parseTime(createdAt)
	job.DispatchedAt = parseTimePtr(dispatchedAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	return &job, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}
