// Package schedule implements cron-driven run scheduling: schedule
// records, due-fire selection, the fallback schedule, and the worker
// loop with its heartbeat.
package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/run"
)

// TargetDateMode selects how a fired schedule picks the run's date.
type TargetDateMode string

const (
	// TargetTradingDate resolves the business trading date at fire time.
	TargetTradingDate TargetDateMode = "trading_date"
	// TargetNone fires without a date argument.
	TargetNone TargetDateMode = "none"
)

// FallbackName is the reserved name of the system-managed fallback
// schedule driven by environment configuration.
const FallbackName = "Legacy Env Fallback"

// dueBatchLimit caps how many schedules one cycle will fire.
const dueBatchLimit = 25

// Schedule is one recurring run definition.
type Schedule struct {
	ID                string
	Name              string
	Enabled           bool
	Scope             run.Scope
	TenantKey         *string
	CronExpr          string
	TimezoneName      string
	TargetDateMode    TargetDateMode
	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool
	NextFireAt        *time.Time
	LastFiredAt       *time.Time
	LastResult        string
	LastError         string
	IsSystemManaged   bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store persists schedules, their event feed, and the scheduler heartbeat.
type Store struct {
	conn *sql.DB
}

// execer abstracts *sql.DB and *sql.Tx so writes can join a caller's
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewStore creates a schedule store.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

const scheduleColumns = `
	id, name, enabled, scope, tenant_key, cron_expr, timezone_name,
	target_date_mode, parallel, stagger_seconds, continue_on_failure,
	next_fire_at, last_fired_at, last_result, last_error,
	is_system_managed, created_at, updated_at`

// Create inserts a new schedule. The cron expression must already be
// validated by the caller.
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if sched.Scope == run.ScopeSingle && (sched.TenantKey == nil || *sched.TenantKey == "") {
		return errors.NewInvalidRequestError(errors.New("single-tenant schedule requires a tenant key"))
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.TargetDateMode == "" {
		sched.TargetDateMode = TargetTradingDate
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO run_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Enabled, string(sched.Scope), sched.TenantKey,
		sched.CronExpr, sched.TimezoneName, string(sched.TargetDateMode),
		sched.Parallel, sched.StaggerSeconds, sched.ContinueOnFailure,
		formatTimePtr(sched.NextFireAt), formatTimePtr(sched.LastFiredAt),
		sched.LastResult, sched.LastError, sched.IsSystemManaged,
		formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "failed to insert schedule")
	}
	return nil
}

// Get returns the schedule with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return sched, nil
}

// GetByName returns the schedule with the given name, or ErrNotFound.
func (s *Store) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE name = ? LIMIT 1`, name)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "schedule named %q", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule by name")
	}
	return sched, nil
}

// List returns all schedules ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// Due returns enabled schedules whose next fire time has passed, oldest
// fire first, capped at the batch limit.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM run_schedules
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at, created_at LIMIT ?`,
		formatTime(now), dueBatchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan due schedule")
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// MissingNextFire returns enabled schedules that have no computed next
// fire time, typically right after creation or an edit.
func (s *Store) MissingNextFire(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM run_schedules
		WHERE enabled = 1 AND next_fire_at IS NULL`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query unseeded schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan unseeded schedule")
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// SetNextFire stores the computed next fire time. Pass nil to clear it,
// which parks the schedule until it is edited.
func (s *Store) SetNextFire(ctx context.Context, id string, next *time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE run_schedules SET next_fire_at = ?, updated_at = ? WHERE id = ?`,
		formatTimePtr(next), formatTime(time.Now().UTC()), id)
	return errors.Wrap(err, "failed to set next fire time")
}

// RecordFire stamps the outcome of one fire attempt and advances the
// next fire time.
func (s *Store) RecordFire(ctx context.Context, id string, firedAt time.Time, result, lastError string, next *time.Time) error {
	return recordFire(ctx, s.conn, id, firedAt, result, lastError, next)
}

// RecordFireTx is RecordFire inside the caller's transaction.
func (s *Store) RecordFireTx(ctx context.Context, tx *sql.Tx, id string, firedAt time.Time, result, lastError string, next *time.Time) error {
	return recordFire(ctx, tx, id, firedAt, result, lastError, next)
}

func recordFire(ctx context.Context, conn execer, id string, firedAt time.Time, result, lastError string, next *time.Time) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE run_schedules SET
			last_fired_at = ?, last_result = ?, last_error = ?,
			next_fire_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(firedAt), result, lastError, formatTimePtr(next),
		formatTime(time.Now().UTC()), id)
	return errors.Wrap(err, "failed to record schedule fire")
}

// WithTx runs fn inside one transaction on the portal database. The
// run job store shares the same connection, so a fire can commit its
// job, event, and schedule bookkeeping as a unit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// SetEnabled flips a schedule on or off. Disabling clears the next fire
// time so a later enable recomputes it fresh.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE run_schedules SET enabled = ?,
			next_fire_at = CASE WHEN ? THEN next_fire_at ELSE NULL END,
			updated_at = ?
		WHERE id = ?`,
		enabled, enabled, formatTime(time.Now().UTC()), id)
	if err != nil {
		return errors.Wrap(err, "failed to toggle schedule")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// Delete removes a schedule. Its jobs and events survive with the
// reference nulled out. System-managed schedules cannot be deleted;
// the scheduler owns their lifecycle.
func (s *Store) Delete(ctx context.Context, id string) error {
	var systemManaged int
	err := s.conn.QueryRowContext(ctx,
		`SELECT is_system_managed FROM run_schedules WHERE id = ?`, id).Scan(&systemManaged)
	if err == sql.ErrNoRows {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to check schedule")
	}
	if systemManaged != 0 {
		return errors.NewInvalidRequestError(
			errors.Newf("schedule %s is system-managed and cannot be deleted", id))
	}

	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM run_schedules WHERE id = ? AND is_system_managed = 0`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// EnabledUserScheduleExists reports whether any enabled schedule other
// than the system-managed fallback exists.
func (s *Store) EnabledUserScheduleExists(ctx context.Context) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM run_schedules
		WHERE enabled = 1 AND is_system_managed = 0`).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to count user schedules")
	}
	return n > 0, nil
}

// Event is one entry in the schedule activity feed.
type Event struct {
	ID         int64
	ScheduleID *string
	RunJobID   *string
	Type       string
	Message    string
	Payload    map[string]interface{}
	CreatedAt  time.Time
}

// Event types recorded by the scheduler. Fire outcomes use the same
// vocabulary as the schedule's last_result column.
const (
	EventQueued           = "queued"
	EventSkippedOverlap   = "skipped_overlap"
	EventSkippedInvalid   = "skipped_invalid"
	EventFallbackEnabled  = "fallback_enabled"
	EventFallbackDisabled = "fallback_disabled"
)

// AddEvent appends to the schedule activity feed. The payload snapshots
// identifying fields so the event stays readable after the schedule is
// deleted.
func (s *Store) AddEvent(ctx context.Context, event *Event) error {
	return addEvent(ctx, s.conn, event)
}

// AddEventTx is AddEvent inside the caller's transaction.
func (s *Store) AddEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	return addEvent(ctx, tx, event)
}

func addEvent(ctx context.Context, conn execer, event *Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO run_schedule_events
			(schedule_id, run_job_id, event_type, message, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ScheduleID, event.RunJobID, event.Type, event.Message,
		string(data), formatTime(time.Now().UTC()))
	return errors.Wrap(err, "failed to insert schedule event")
}

// ListEvents returns the newest events for a schedule, or across all
// schedules when scheduleID is empty.
func (s *Store) ListEvents(ctx context.Context, scheduleID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, schedule_id, run_job_id, event_type, message, payload_json, created_at
		FROM run_schedule_events`
	var args []interface{}
	if scheduleID != "" {
		query += " WHERE schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			event                 Event
			scheduleID, runJobID  sql.NullString
			payloadJSON           string
			createdAt             string
		)
		err := rows.Scan(&event.ID, &scheduleID, &runJobID, &event.Type,
			&event.Message, &payloadJSON, &createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule event")
		}
		if scheduleID.Valid {
			event.ScheduleID = &scheduleID.String
		}
		if runJobID.Valid {
			event.RunJobID = &runJobID.String
		}
		_ = json.Unmarshal([]byte(payloadJSON), &event.Payload)
		event.CreatedAt = parseTime(createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// UpsertHeartbeat stamps the scheduler liveness singleton.
func (s *Store) UpsertHeartbeat(ctx context.Context, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO scheduler_heartbeat (id, last_seen) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
		formatTime(at))
	return errors.Wrap(err, "failed to upsert scheduler heartbeat")
}

// Heartbeat returns the last scheduler liveness stamp, or ErrNotFound
// when the scheduler has never run.
func (s *Store) Heartbeat(ctx context.Context) (time.Time, error) {
	var lastSeen string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_seen FROM scheduler_heartbeat WHERE id = 1`).Scan(&lastSeen)
	if err == sql.ErrNoRows {
		return time.Time{}, errors.Wrap(errors.ErrNotFound, "scheduler has never reported")
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to read scheduler heartbeat")
	}
	return parseTime(lastSeen), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                     Schedule
		enabled, continueOn       int
		systemManaged             int
		scope, mode               string
		tenantKey                 sql.NullString
		nextFireAt, lastFiredAt   sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&sched.ID, &sched.Name, &enabled, &scope, &tenantKey,
		&sched.CronExpr, &sched.TimezoneName, &mode, &sched.Parallel,
		&sched.StaggerSeconds, &continueOn, &nextFireAt, &lastFiredAt,
		&sched.LastResult, &sched.LastError, &systemManaged,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sched.Enabled = enabled != 0
	sched.ContinueOnFailure = continueOn != 0
	sched.IsSystemManaged = systemManaged != 0
	sched.Scope = run.Scope(scope)
	sched.TargetDateMode = TargetDateMode(mode)
	if tenantKey.Valid {
		sched.TenantKey = &tenantKey.String
	}
	sched.NextFireAt = parseTimePtr(nextFireAt)
	sched.LastFiredAt = parseTimePtr(lastFiredAt)
	sched.CreatedAt = parseTime(createdAt)
	sched.UpdatedAt = parseTime(updatedAt)
	return &sched, nil
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
