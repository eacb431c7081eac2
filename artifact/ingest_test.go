package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	portaltesting "github.com/orevatech/opsportal/internal/testing"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
)

func writeMetadata(t *testing.T, dir, name, tenantKey, processedAt string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	content := fmt.Sprintf(`{
		"tenant_key": %q,
		"target_date": "2026-08-22",
		"processed_at": %q,
		"rows_total": 120,
		"rows_kept": 115,
		"reconcile": {"status": "matched", "difference": 0.0}
	}`, tenantKey, processedAt)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestIngester(t *testing.T) (*Ingester, *Store, *run.Store, string) {
	t.Helper()
	conn := portaltesting.CreateTestDB(t)
	store := NewStore(conn)
	jobs := run.NewStore(conn)
	stateRoot := t.TempDir()
	uploaded := filepath.Join(stateRoot, "uploaded")
	runLogs := filepath.Join(stateRoot, "run_logs")
	require.NoError(t, os.MkdirAll(runLogs, 0o755))
	return NewIngester(uploaded, runLogs, store, nil), store, jobs, uploaded
}

func TestParseMetadataFile(t *testing.T) {
	dir := t.TempDir()
	path := writeMetadata(t, dir, "last_acme_cafe_transform.json",
		"acme_cafe", "2026-08-23T18:30:00Z")

	artifact, err := ParseMetadataFile(path)
	require.NoError(t, err)

	assert.Equal(t, "acme_cafe", artifact.TenantKey)
	assert.Equal(t, "2026-08-22", *artifact.TargetDate)
	assert.Equal(t, "2026-08-23T18:30:00Z", *artifact.ProcessedAt)
	assert.Equal(t, 120, *artifact.RowsTotal)
	assert.Equal(t, "matched", artifact.ReconcileStatus)
	assert.Equal(t, 0.0, *artifact.ReconcileDifference)
	assert.Len(t, artifact.SourceHash, 64)

	// Overwritten-in-place snapshots are flagged.
	assert.Equal(t, ReliabilityWarning, artifact.Reliability)
}

func TestParseMetadataFileDatedIsHighReliability(t *testing.T) {
	dir := t.TempDir()
	path := writeMetadata(t, dir, "2026-08-22_transform.json",
		"acme_cafe", "2026-08-23T18:30:00Z")

	artifact, err := ParseMetadataFile(path)
	require.NoError(t, err)
	assert.Equal(t, ReliabilityHigh, artifact.Reliability)
}

func TestIngestHistoryDedupsAcrossSweeps(t *testing.T) {
	ingester, store, _, uploaded := newTestIngester(t)
	ctx := context.Background()

	writeMetadata(t, filepath.Join(uploaded, "acme_cafe"),
		"last_acme_cafe_transform.json", "acme_cafe", "2026-08-23T18:30:00Z")

	result, err := ingester.IngestHistory(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	// Unchanged file on the second sweep updates in place.
	result, err = ingester.IngestHistory(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)

	artifacts, err := store.ListForTenant(ctx, "acme_cafe", 10)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestIngestHistorySkipsMalformedFiles(t *testing.T) {
	ingester, _, _, uploaded := newTestIngester(t)

	require.NoError(t, os.MkdirAll(uploaded, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(uploaded, "broken_transform.json"), []byte("{oops"), 0o644))
	writeMetadata(t, uploaded, "good_transform.json", "acme_cafe", "2026-08-23T18:30:00Z")

	result, err := ingester.IngestHistory(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
}

func TestIngestHistoryMissingUploadedTree(t *testing.T) {
	ingester, _, _, _ := newTestIngester(t)
	// The uploaded dir was never created.

	result, err := ingester.IngestHistory(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)
}

func TestAttachRecentLinksMatchingTenant(t *testing.T) {
	ingester, store, jobs, uploaded := newTestIngester(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &run.Job{
		Scope:     run.ScopeSingle,
		TenantKey: util.Ptr("acme_cafe"),
		StartedAt: util.Ptr(now.Add(-time.Minute)),
	}
	require.NoError(t, jobs.Insert(ctx, job))

	writeMetadata(t, filepath.Join(uploaded, "acme_cafe"),
		"last_acme_cafe_transform.json", "acme_cafe", now.Format(time.RFC3339))

	require.NoError(t, ingester.AttachRecent(ctx, job))

	latest, err := store.LatestForTenant(ctx, "acme_cafe")
	require.NoError(t, err)
	require.NotNil(t, latest.RunJobID)
	assert.Equal(t, job.ID, *latest.RunJobID)
}

func TestAttachRecentIgnoresOtherTenants(t *testing.T) {
	ingester, store, jobs, uploaded := newTestIngester(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &run.Job{
		Scope:     run.ScopeSingle,
		TenantKey: util.Ptr("acme_cafe"),
		StartedAt: util.Ptr(now.Add(-time.Minute)),
	}
	require.NoError(t, jobs.Insert(ctx, job))

	writeMetadata(t, filepath.Join(uploaded, "beta_bar"),
		"last_beta_bar_transform.json", "beta_bar", now.Format(time.RFC3339))

	require.NoError(t, ingester.AttachRecent(ctx, job))

	latest, err := store.LatestForTenant(ctx, "beta_bar")
	require.NoError(t, err)
	assert.Nil(t, latest.RunJobID)
}

func TestAttachRecentUnlinksMismatchedTenant(t *testing.T) {
	ingester, store, jobs, uploaded := newTestIngester(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &run.Job{
		Scope:     run.ScopeSingle,
		TenantKey: util.Ptr("acme_cafe"),
		StartedAt: util.Ptr(now.Add(-time.Minute)),
	}
	require.NoError(t, jobs.Insert(ctx, job))

	// A previous buggy link claims the wrong tenant's artifact.
	writeMetadata(t, filepath.Join(uploaded, "beta_bar"),
		"last_beta_bar_transform.json", "beta_bar", now.Format(time.RFC3339))
	_, err := ingester.IngestHistory(ctx, 0)
	require.NoError(t, err)
	wrong, err := store.LatestForTenant(ctx, "beta_bar")
	require.NoError(t, err)
	require.NoError(t, store.SetRunJob(ctx, wrong.ID, &job.ID))

	require.NoError(t, ingester.AttachRecent(ctx, job))

	fixed, err := store.Get(ctx, wrong.ID)
	require.NoError(t, err)
	assert.Nil(t, fixed.RunJobID)
}

func TestAttachRecentAllScopeLinksEveryTenant(t *testing.T) {
	ingester, store, jobs, uploaded := newTestIngester(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &run.Job{
		Scope:     run.ScopeAll,
		Parallel:  2,
		StartedAt: util.Ptr(now.Add(-time.Minute)),
	}
	require.NoError(t, jobs.Insert(ctx, job))

	writeMetadata(t, filepath.Join(uploaded, "acme_cafe"),
		"last_acme_cafe_transform.json", "acme_cafe", now.Format(time.RFC3339))
	writeMetadata(t, filepath.Join(uploaded, "beta_bar"),
		"last_beta_bar_transform.json", "beta_bar", now.Format(time.RFC3339))

	require.NoError(t, ingester.AttachRecent(ctx, job))

	for _, tenant := range []string{"acme_cafe", "beta_bar"} {
		latest, err := store.LatestForTenant(ctx, tenant)
		require.NoError(t, err)
		require.NotNil(t, latest.RunJobID, tenant)
		assert.Equal(t, job.ID, *latest.RunJobID)
	}
}

func TestFindNearestLog(t *testing.T) {
	dir := t.TempDir()
	processedAt := time.Now().Add(-time.Hour)

	near := filepath.Join(dir, "near.log")
	require.NoError(t, os.WriteFile(near, []byte("processing acme_cafe rows"), 0o644))
	require.NoError(t, os.Chtimes(near, processedAt.Add(10*time.Minute), processedAt.Add(10*time.Minute)))

	far := filepath.Join(dir, "far.log")
	require.NoError(t, os.WriteFile(far, []byte("other work"), 0o644))
	require.NoError(t, os.Chtimes(far, processedAt.Add(3*time.Hour), processedAt.Add(3*time.Hour)))

	ancient := filepath.Join(dir, "ancient.log")
	require.NoError(t, os.WriteFile(ancient, []byte("acme_cafe long ago"), 0o644))
	require.NoError(t, os.Chtimes(ancient, processedAt.Add(-20*time.Hour), processedAt.Add(-20*time.Hour)))

	assert.Equal(t, near, FindNearestLog(dir, "acme_cafe", processedAt))
}

func TestFindNearestLogTenantMentionBreaksTie(t *testing.T) {
	dir := t.TempDir()
	processedAt := time.Now().Add(-time.Hour)

	mentioned := filepath.Join(dir, "mentioned.log")
	require.NoError(t, os.WriteFile(mentioned, []byte("run for acme_cafe"), 0o644))
	require.NoError(t, os.Chtimes(mentioned, processedAt.Add(90*time.Second), processedAt.Add(90*time.Second)))

	closer := filepath.Join(dir, "closer.log")
	require.NoError(t, os.WriteFile(closer, []byte("unrelated tenant"), 0o644))
	require.NoError(t, os.Chtimes(closer, processedAt.Add(60*time.Second), processedAt.Add(60*time.Second)))

	// 90s - 60s bonus beats a plain 60s distance.
	assert.Equal(t, mentioned, FindNearestLog(dir, "acme_cafe", processedAt))
}

func TestFindNearestLogEmptyDir(t *testing.T) {
	assert.Empty(t, FindNearestLog(t.TempDir(), "acme_cafe", time.Now()))
	assert.Empty(t, FindNearestLog(filepath.Join(t.TempDir(), "missing"), "acme_cafe", time.Now()))
}
