package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
)

// lockHolder identifies this process in the run lock row.
const lockHolder = "portal-dispatcher"

// defaultCancelGrace is how long a cancelled subprocess gets to exit
// after SIGTERM before it is killed.
const defaultCancelGrace = 30 * time.Second

// ArtifactAttacher links freshly produced artifacts to a finished job.
// Implemented by the artifact package; an interface here avoids a
// dependency cycle.
type ArtifactAttacher interface {
	AttachRecent(ctx context.Context, job *Job) error
}

// Dispatcher drains the job queue one subprocess at a time under the
// global run lock.
type Dispatcher struct {
	store    *Store
	lock     *ProcessLock
	pipeline config.PipelineConfig
	logger   *zap.SugaredLogger
	attacher ArtifactAttacher

	cancelGrace time.Duration

	mu        sync.Mutex
	cancelled map[string]bool
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. attacher may be nil.
func NewDispatcher(store *Store, lock *ProcessLock, pipeline config.PipelineConfig,
	attacher ArtifactAttacher, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		lock:        lock,
		pipeline:    pipeline,
		logger:      logger,
		attacher:    attacher,
		cancelGrace: defaultCancelGrace,
		cancelled:   make(map[string]bool),
	}
}

// DispatchNext starts the oldest queued job if the run slot is free.
// Returns the started job, or nil when the queue is empty or another
// run holds the lock. Jobs that fail to spawn are marked failed and the
// next queued job is tried immediately.
func (d *Dispatcher) DispatchNext(ctx context.Context) (*Job, error) {
	for {
		job, err := d.store.OldestQueued(ctx)
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		err = d.lock.Acquire(ctx, lockHolder, job.ID)
		if errors.IsLockBusyError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		started, err := d.launch(ctx, job)
		if err != nil {
			return nil, err
		}
		if started {
			return job, nil
		}
		// Spawn failed and the slot was released. Try the next job.
	}
}

// launch spawns the subprocess for job. The caller must hold the lock.
// Returns false when the job could not start; the job is then terminal
// and the lock released.
func (d *Dispatcher) launch(ctx context.Context, job *Job) (bool, error) {
	argv, display, err := BuildCommand(job, d.pipeline)
	if err != nil {
		return false, d.failBeforeStart(ctx, job, err)
	}
	commandJSON, err := MarshalArgv(argv)
	if err != nil {
		return false, d.failBeforeStart(ctx, job, err)
	}

	logPath := filepath.Join(d.pipeline.RunLogsDir(), job.ID+".log")
	if err := os.MkdirAll(d.pipeline.RunLogsDir(), 0o755); err != nil {
		return false, d.failBeforeStart(ctx, job, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, d.failBeforeStart(ctx, job, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.pipeline.Root
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		EnvRunSource+"="+job.Source(),
		EnvLockHeld+"=1",
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return false, d.failBeforeStart(ctx, job, err)
	}
	pid := cmd.Process.Pid

	if err := d.store.MarkRunning(ctx, job.ID, pid, logPath, commandJSON, display); err != nil {
		// The job left the queued state while we were spawning, most
		// likely a concurrent cancel. Tear the subprocess down.
		d.logger.Warnw("Job state changed during spawn, killing subprocess",
			"job_id", job.ID, "pid", pid, "error", err)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		logFile.Close()
		if relErr := d.lock.Release(ctx, lockHolder, true); relErr != nil {
			d.logger.Errorw("Failed to release run lock", "error", relErr)
		}
		return false, nil
	}

	d.logger.Infow("Run job started",
		"job_id", job.ID,
		"pid", pid,
		"command", display,
	)

	d.wg.Add(1)
	go d.monitor(job.ID, cmd, logFile)
	return true, nil
}

func (d *Dispatcher) failBeforeStart(ctx context.Context, job *Job, cause error) error {
	reason := fmt.Sprintf("Failed to start subprocess: %v", cause)
	d.logger.Errorw("Run job failed to start", "job_id", job.ID, "error", cause)

	if err := d.store.FailBeforeStart(ctx, job.ID, ExitSpawnFailed, reason); err != nil &&
		!errors.IsStatusChangedError(err) {
		return err
	}
	if err := d.lock.Release(ctx, lockHolder, true); err != nil {
		d.logger.Errorw("Failed to release run lock", "error", err)
	}
	return nil
}

// monitor waits for the subprocess, records the outcome, attaches
// artifacts, releases the run slot, and kicks the next queued job.
func (d *Dispatcher) monitor(jobID string, cmd *exec.Cmd, logFile *os.File) {
	defer d.wg.Done()

	_ = cmd.Wait()
	exitCode := waitExitCode(cmd.ProcessState)
	logFile.Close()

	ctx := context.Background()

	status := StatusSucceeded
	reason := ""
	switch {
	case d.takeCancel(jobID):
		status = StatusCancelled
		reason = "Cancelled by operator"
	case exitCode != 0:
		status = StatusFailed
		reason = fmt.Sprintf("Subprocess exited with code %d", exitCode)
	}

	if err := d.store.Finish(ctx, jobID, status, &exitCode, reason); err != nil {
		// Already finalized elsewhere, e.g. by the reaper.
		if !errors.IsStatusChangedError(err) {
			d.logger.Errorw("Failed to record run outcome", "job_id", jobID, "error", err)
		}
	} else {
		d.logger.Infow("Run job finished",
			"job_id", jobID,
			"status", status,
			"exit_code", exitCode,
		)
	}

	if d.attacher != nil {
		if job, err := d.store.Get(ctx, jobID); err == nil {
			if err := d.attacher.AttachRecent(ctx, job); err != nil {
				d.logger.Warnw("Failed to attach artifacts", "job_id", jobID, "error", err)
			}
		}
	}

	if err := d.lock.Release(ctx, lockHolder, true); err != nil {
		d.logger.Errorw("Failed to release run lock", "error", err)
	}

	if _, err := d.DispatchNext(ctx); err != nil {
		d.logger.Errorw("Failed to dispatch next job", "error", err)
	}
}

// Cancel cancels a job. Queued jobs cancel immediately. Running jobs get
// a termination signal, then a kill after the grace period; the monitor
// records the cancelled outcome.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case StatusQueued:
		return d.store.CancelQueued(ctx, jobID)

	case StatusRunning:
		if job.PID == nil {
			return errors.Newf("running job %s has no recorded PID", jobID)
		}
		d.markCancel(jobID)
		pid := *job.PID
		if err := terminateProcess(pid); err != nil {
			return errors.Wrapf(err, "failed to signal PID %d", pid)
		}
		d.logger.Infow("Cancellation requested", "job_id", jobID, "pid", pid)

		go func() {
			time.Sleep(d.cancelGrace)
			alive, err := process.PidExists(int32(pid))
			if err == nil && alive {
				d.logger.Warnw("Grace period elapsed, killing subprocess",
					"job_id", jobID, "pid", pid)
				_ = killProcess(pid)
			}
		}()
		return nil

	default:
		return errors.NewInvalidRequestError(
			errors.Newf("job %s already finished with status %s", jobID, job.Status))
	}
}

// Wait blocks until all monitor goroutines have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) markCancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[jobID] = true
}

func (d *Dispatcher) takeCancel(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.cancelled[jobID]
	delete(d.cancelled, jobID)
	return was
}
