package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
)

// defaultReconcileInterval spaces reaper sweeps.
const defaultReconcileInterval = 60 * time.Second

// Reconciler repairs state left behind by crashed orchestrators or
// vanished subprocesses: running jobs whose PID is gone are failed, and
// a lock row owned by a terminal job is released.
type Reconciler struct {
	store  *Store
	lock   *ProcessLock
	logger *zap.SugaredLogger

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler over the given store and lock.
func NewReconciler(store *Store, lock *ProcessLock, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:    store,
		lock:     lock,
		logger:   logger,
		interval: defaultReconcileInterval,
	}
}

// Start begins periodic sweeps. An initial sweep runs immediately so a
// restarted portal repairs stale state before dispatching anything.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Errorw("Reconcile sweep failed", "error", err)
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Errorw("Reconcile sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Sweep performs one reconciliation pass and returns the number of jobs
// it repaired.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	running, err := r.store.Running(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, job := range running {
		dead, why := r.processDead(job)
		if !dead {
			continue
		}

		exitCode := ExitReaped
		reason := fmt.Sprintf("Reconciler: %s, PID not alive", why)
		err := r.store.Finish(ctx, job.ID, StatusFailed, &exitCode, reason)
		if errors.IsStatusChangedError(err) {
			continue // finished normally in the meantime
		}
		if err != nil {
			return repaired, err
		}
		repaired++
		r.logger.Warnw("Reaped orphaned run job",
			"job_id", job.ID,
			"pid", job.PID,
			"reason", why,
		)
	}

	if err := r.releaseStaleLock(ctx); err != nil {
		return repaired, err
	}
	return repaired, nil
}

func (r *Reconciler) processDead(job *Job) (bool, string) {
	if job.PID == nil {
		return true, "no PID recorded"
	}
	alive, err := process.PidExists(int32(*job.PID))
	if err != nil {
		// Can't prove death; leave the job alone.
		return false, ""
	}
	if !alive {
		return true, fmt.Sprintf("process %d not found", *job.PID)
	}
	return false, ""
}

// releaseStaleLock clears the lock row when its owner job is terminal
// or missing.
func (r *Reconciler) releaseStaleLock(ctx context.Context) error {
	state, err := r.store.LockState(ctx)
	if err != nil {
		return err
	}
	if !state.Active || state.OwnerJobID == nil {
		return nil
	}

	owner, err := r.store.Get(ctx, *state.OwnerJobID)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	if err == nil && !owner.Status.IsTerminal() {
		return nil
	}

	r.logger.Warnw("Releasing stale run lock", "owner_job_id", *state.OwnerJobID)
	return r.store.releaseLockRow(ctx, state.Holder, true)
}
