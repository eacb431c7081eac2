package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	portaltesting "github.com/orevatech/opsportal/internal/testing"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
)

func newTestArtifactStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(portaltesting.CreateTestDB(t))
}

func TestUpsertCreatesOnce(t *testing.T) {
	store := newTestArtifactStore(t)
	ctx := context.Background()

	incoming := &Artifact{
		TenantKey:   "acme_cafe",
		TargetDate:  util.Ptr("2026-08-22"),
		ProcessedAt: util.Ptr("2026-08-23T18:30:00Z"),
		SourceHash:  "hash-1",
		RowsTotal:   util.Ptr(120),
	}

	first, created, err := store.Upsert(ctx, incoming)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, ReliabilityHigh, first.Reliability)

	// Same identity tuple dedups to the same row.
	second, created, err := store.Upsert(ctx, &Artifact{
		TenantKey:   "acme_cafe",
		TargetDate:  util.Ptr("2026-08-22"),
		ProcessedAt: util.Ptr("2026-08-23T18:30:00Z"),
		SourceHash:  "hash-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different hash is a different artifact.
	_, created, err = store.Upsert(ctx, &Artifact{
		TenantKey:   "acme_cafe",
		TargetDate:  util.Ptr("2026-08-22"),
		ProcessedAt: util.Ptr("2026-08-23T18:30:00Z"),
		SourceHash:  "hash-2",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpsertNullDatesShareIdentity(t *testing.T) {
	store := newTestArtifactStore(t)
	ctx := context.Background()

	_, created, err := store.Upsert(ctx, &Artifact{TenantKey: "acme_cafe", SourceHash: "h"})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.Upsert(ctx, &Artifact{TenantKey: "acme_cafe", SourceHash: "h"})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestUpsertMonotonicMerge(t *testing.T) {
	store := newTestArtifactStore(t)
	ctx := context.Background()

	first, _, err := store.Upsert(ctx, &Artifact{
		TenantKey:          "acme_cafe",
		SourceHash:         "hash-1",
		RowsTotal:          util.Ptr(100),
		ReconcileEposTotal: util.Ptr(2500.50),
	})
	require.NoError(t, err)

	merged, created, err := store.Upsert(ctx, &Artifact{
		TenantKey:          "acme_cafe",
		SourceHash:         "hash-1",
		SourcePath:         "/uploads/acme/last_acme_transform.json",
		Reliability:        ReliabilityWarning,
		RowsTotal:          util.Ptr(999),
		RowsKept:           util.Ptr(95),
		ReconcileEposTotal: util.Ptr(0.0),
		ReconcileQboTotal:  util.Ptr(2499.00),
	})
	require.NoError(t, err)
	assert.False(t, created)

	// Null fields fill in; set fields never change.
	assert.Equal(t, 100, *merged.RowsTotal)
	assert.Equal(t, 95, *merged.RowsKept)
	assert.Equal(t, 2500.50, *merged.ReconcileEposTotal)
	assert.Equal(t, 2499.00, *merged.ReconcileQboTotal)

	// Source path fills when empty; reliability never downgrades.
	assert.Equal(t, "/uploads/acme/last_acme_transform.json", merged.SourcePath)
	assert.Equal(t, ReliabilityHigh, merged.Reliability)

	// Persisted, not just returned.
	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, *stored.RowsTotal)
	assert.Equal(t, 95, *stored.RowsKept)
}

func TestUpsertReliabilityOnlyUpgrades(t *testing.T) {
	store := newTestArtifactStore(t)
	ctx := context.Background()

	// A dated import stays high even when a rolling snapshot re-ingests
	// the same identity.
	first, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "hash-1", Reliability: ReliabilityHigh,
	})
	require.NoError(t, err)

	merged, created, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "hash-1", Reliability: ReliabilityWarning,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ReliabilityHigh, merged.Reliability)

	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ReliabilityHigh, stored.Reliability)

	// The reverse direction upgrades.
	snap, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "hash-2", Reliability: ReliabilityWarning,
	})
	require.NoError(t, err)
	upgraded, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "hash-2", Reliability: ReliabilityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, upgraded.ID)
	assert.Equal(t, ReliabilityHigh, upgraded.Reliability)
}

func TestUpsertRunLinkOnlySetsWhenUnset(t *testing.T) {
	conn := portaltesting.CreateTestDB(t)
	store := NewStore(conn)
	jobs := run.NewStore(conn)
	ctx := context.Background()

	jobA := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, jobs.Insert(ctx, jobA))
	jobB := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, jobs.Insert(ctx, jobB))

	_, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "h", RunJobID: &jobA.ID,
	})
	require.NoError(t, err)

	// A later ingest cannot steal the link.
	merged, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "h", RunJobID: &jobB.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, merged.RunJobID)
	assert.Equal(t, jobA.ID, *merged.RunJobID)
}

func TestLatestForTenant(t *testing.T) {
	store := newTestArtifactStore(t)
	ctx := context.Background()

	_, _, err := store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "old",
		ProcessedAt: util.Ptr("2026-08-20T18:00:00Z"),
	})
	require.NoError(t, err)
	_, _, err = store.Upsert(ctx, &Artifact{
		TenantKey: "acme_cafe", SourceHash: "new",
		ProcessedAt: util.Ptr("2026-08-23T18:00:00Z"),
	})
	require.NoError(t, err)

	latest, err := store.LatestForTenant(ctx, "acme_cafe")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.SourceHash)

	_, err = store.LatestForTenant(ctx, "unknown")
	require.Error(t, err)
}
