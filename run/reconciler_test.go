package run

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Store) {
	t.Helper()
	store := newTestStore(t)
	lock := NewProcessLock(filepath.Join(t.TempDir(), "global_run.lock"), store)
	return NewReconciler(store, lock, zap.NewNop().Sugar()), store
}

func TestReconcilerReapsDeadProcess(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	job := queueJob(t, store, nil)
	// PID far above pid_max on any reasonable test host.
	require.NoError(t, store.MarkRunning(ctx, job.ID, 99999999, "", "[]", ""))

	repaired, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ExitReaped, *got.ExitCode)
	assert.Contains(t, got.FailureReason, "PID not alive")
}

func TestReconcilerReapsJobWithoutPID(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	job := queueJob(t, store, nil)
	// Force a running row with no PID, as a crash mid-spawn would leave.
	_, err := store.conn.ExecContext(ctx,
		`UPDATE run_jobs SET status = 'running' WHERE id = ?`, job.ID)
	require.NoError(t, err)

	repaired, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestReconcilerLeavesLiveProcessAlone(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	job := queueJob(t, store, nil)
	// Our own PID is certainly alive.
	require.NoError(t, store.MarkRunning(ctx, job.ID, 1, "", "[]", ""))

	repaired, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestReconcilerReleasesStaleLock(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()

	job := queueJob(t, store, nil)
	require.NoError(t, store.acquireLockRow(ctx, "crashed", job.ID))
	require.NoError(t, store.MarkRunning(ctx, job.ID, 99999999, "", "[]", ""))

	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	state, err := store.LockState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Active)
}
