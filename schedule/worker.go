package schedule

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/run"
)

// DispatchKicker starts the next queued job if the run slot is free.
// Satisfied by run.Dispatcher.
type DispatchKicker interface {
	DispatchNext(ctx context.Context) (*run.Job, error)
}

// Worker is the scheduler loop. Each cycle it maintains the fallback
// schedule, seeds missing fire times, enqueues due runs, kicks the
// dispatcher, and stamps its heartbeat.
type Worker struct {
	store  *Store
	jobs   *run.Store
	kicker DispatchKicker
	cfg    *config.Config
	logger *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a scheduler worker.
func NewWorker(store *Store, jobs *run.Store, kicker DispatchKicker,
	cfg *config.Config, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		store:  store,
		jobs:   jobs,
		kicker: kicker,
		cfg:    cfg,
		logger: logger,
	}
}

// Start begins the poll loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)

	interval := w.cfg.Scheduler.PollInterval()
	w.logger.Infow("Scheduler started", "poll_interval", interval)

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		w.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Infow("Scheduler stopped")
}

func (w *Worker) runCycle(ctx context.Context) {
	if err := w.Cycle(ctx, time.Now()); err != nil {
		w.logger.Errorw("Scheduler cycle failed", "error", err)
	}
}

// Cycle performs one scheduler pass at the given instant.
func (w *Worker) Cycle(ctx context.Context, now time.Time) error {
	if err := w.maintainFallback(ctx); err != nil {
		w.logger.Warnw("Fallback schedule maintenance failed", "error", err)
	}
	if err := w.seedNextFires(ctx, now); err != nil {
		w.logger.Warnw("Failed to seed fire times", "error", err)
	}

	due, err := w.store.Due(ctx, now)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, sched := range due {
		// One broken schedule must not starve the rest.
		queued, err := w.fire(ctx, sched, now)
		if err != nil {
			w.logger.Errorw("Failed to fire schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			continue
		}
		if queued {
			enqueued++
		}
	}

	if enqueued > 0 && w.kicker != nil {
		if _, err := w.kicker.DispatchNext(ctx); err != nil {
			w.logger.Errorw("Failed to kick dispatcher", "error", err)
		}
	}

	return w.store.UpsertHeartbeat(ctx, now)
}

// fire enqueues one run for a due schedule. Returns true when a job was
// actually queued.
func (w *Worker) fire(ctx context.Context, sched *Schedule, now time.Time) (bool, error) {
	next, err := NextFire(sched.CronExpr, sched.TimezoneName, now)
	if err != nil {
		// Park the schedule rather than retrying a broken expression
		// every cycle.
		w.addEvent(ctx, sched, nil, EventSkippedInvalid, err.Error())
		if recErr := w.store.RecordFire(ctx, sched.ID, now, "skipped_invalid", err.Error(), nil); recErr != nil {
			return false, recErr
		}
		return false, nil
	}

	if _, err := w.jobs.ActiveJobForSchedule(ctx, sched.ID); err == nil {
		w.addEvent(ctx, sched, nil, EventSkippedOverlap,
			"previous run still queued or running")
		return false, w.store.RecordFire(ctx, sched.ID, now, "skipped_overlap", "", &next)
	} else if !errors.IsNotFoundError(err) {
		return false, err
	}

	job, err := w.buildJob(sched, now)
	if err != nil {
		w.addEvent(ctx, sched, nil, EventSkippedInvalid, err.Error())
		return false, w.store.RecordFire(ctx, sched.ID, now, "skipped_invalid", err.Error(), &next)
	}

	// The job row, its queued event, and the schedule bookkeeping commit
	// or roll back as a unit.
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := w.jobs.InsertTx(ctx, tx, job); err != nil {
			return err
		}
		if err := w.store.AddEventTx(ctx, tx, w.newEvent(sched, job, EventQueued, "run queued")); err != nil {
			return err
		}
		return w.store.RecordFireTx(ctx, tx, sched.ID, now, "queued", "", &next)
	})
	if err != nil {
		return false, err
	}

	w.logger.Infow("Schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"job_id", job.ID,
		"next_fire_at", next,
	)
	return true, nil
}

func (w *Worker) buildJob(sched *Schedule, now time.Time) (*run.Job, error) {
	job := &run.Job{
		Scope:             sched.Scope,
		TenantKey:         sched.TenantKey,
		Parallel:          sched.Parallel,
		StaggerSeconds:    sched.StaggerSeconds,
		ContinueOnFailure: sched.ContinueOnFailure,
		ScheduledBy:       &sched.ID,
	}
	if sched.TargetDateMode == TargetTradingDate {
		date, err := TradingDate(now, w.cfg.Business)
		if err != nil {
			return nil, err
		}
		job.TargetDate = &date
	}
	return job, nil
}

// seedNextFires computes fire times for schedules that lack one.
func (w *Worker) seedNextFires(ctx context.Context, now time.Time) error {
	unseeded, err := w.store.MissingNextFire(ctx)
	if err != nil {
		return err
	}
	for _, sched := range unseeded {
		next, err := NextFire(sched.CronExpr, sched.TimezoneName, now)
		if err != nil {
			w.addEvent(ctx, sched, nil, EventSkippedInvalid, err.Error())
			continue
		}
		if err := w.store.SetNextFire(ctx, sched.ID, &next); err != nil {
			return err
		}
	}
	return nil
}

// maintainFallback keeps the system-managed fallback schedule in step
// with the environment: enabled only when the feature flag is on and no
// user schedule is enabled.
func (w *Worker) maintainFallback(ctx context.Context) error {
	fallback, err := w.store.GetByName(ctx, FallbackName)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}

	wantEnabled := false
	if w.cfg.Scheduler.EnableEnvFallback {
		userEnabled, err := w.store.EnabledUserScheduleExists(ctx)
		if err != nil {
			return err
		}
		wantEnabled = !userEnabled
	}

	if fallback == nil {
		if !wantEnabled {
			return nil
		}
		fallback = &Schedule{
			Name:            FallbackName,
			Enabled:         true,
			Scope:           run.ScopeAll,
			CronExpr:        w.cfg.Scheduler.FallbackCron,
			TimezoneName:    w.cfg.Scheduler.FallbackTimezone,
			TargetDateMode:  TargetTradingDate,
			Parallel:        w.cfg.Dashboard.DefaultParallel,
			StaggerSeconds:  w.cfg.Dashboard.DefaultStaggerSeconds,
			IsSystemManaged: true,
		}
		if err := w.store.Create(ctx, fallback); err != nil {
			return err
		}
		w.addEvent(ctx, fallback, nil, EventFallbackEnabled, "fallback schedule created")
		w.logger.Infow("Fallback schedule created",
			"cron", fallback.CronExpr, "timezone", fallback.TimezoneName)
		return nil
	}

	if fallback.Enabled != wantEnabled {
		if err := w.store.SetEnabled(ctx, fallback.ID, wantEnabled); err != nil {
			return err
		}
		eventType := EventFallbackDisabled
		msg := "fallback schedule disabled"
		if wantEnabled {
			eventType = EventFallbackEnabled
			msg = "fallback schedule enabled"
		}
		w.addEvent(ctx, fallback, nil, eventType, msg)
		w.logger.Infow("Fallback schedule toggled", "enabled", wantEnabled)
	}
	return nil
}

// newEvent builds a feed entry snapshotting the schedule's identifying
// fields, so the entry stays readable after the schedule is deleted.
func (w *Worker) newEvent(sched *Schedule, job *run.Job, eventType, message string) *Event {
	payload := map[string]interface{}{
		"schedule_id":   sched.ID,
		"schedule_name": sched.Name,
		"scope":         string(sched.Scope),
	}
	if sched.TenantKey != nil {
		payload["tenant_key"] = *sched.TenantKey
	}
	event := &Event{
		ScheduleID: &sched.ID,
		Type:       eventType,
		Message:    message,
		Payload:    payload,
	}
	if job != nil {
		event.RunJobID = &job.ID
		if job.TargetDate != nil {
			payload["target_date"] = *job.TargetDate
		}
	}
	return event
}

func (w *Worker) addEvent(ctx context.Context, sched *Schedule, job *run.Job, eventType, message string) {
	if err := w.store.AddEvent(ctx, w.newEvent(sched, job, eventType, message)); err != nil {
		w.logger.Warnw("Failed to record schedule event",
			"schedule_id", sched.ID, "error", err)
	}
}

// StatusState summarizes scheduler liveness for the dashboard.
type StatusState string

const (
	StatusRunning     StatusState = "running"
	StatusStale       StatusState = "stale"
	StatusStopped     StatusState = "stopped"
	StatusUnavailable StatusState = "unavailable"
)

// Status is the scheduler liveness report.
type Status struct {
	State    StatusState
	LastSeen *time.Time
}

// GetStatus classifies scheduler liveness from the heartbeat. A
// heartbeat older than three poll intervals reads as stale; a database
// error reads as unavailable rather than failing the dashboard.
func GetStatus(ctx context.Context, store *Store, scheduler config.SchedulerConfig, now time.Time) *Status {
	lastSeen, err := store.Heartbeat(ctx)
	if errors.IsNotFoundError(err) {
		return &Status{State: StatusStopped}
	}
	if err != nil {
		return &Status{State: StatusUnavailable}
	}

	staleAfter := scheduler.PollInterval() * 3
	state := StatusRunning
	if now.Sub(lastSeen) > staleAfter {
		state = StatusStale
	}
	return &Status{State: state, LastSeen: &lastSeen}
}
