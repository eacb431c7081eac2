package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orevatech/opsportal/errors"
	portaltesting "github.com/orevatech/opsportal/internal/testing"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
)

func newTestScheduleStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(portaltesting.CreateTestDB(t))
}

func makeSchedule(t *testing.T, store *Store, mutate func(*Schedule)) *Schedule {
	t.Helper()
	sched := &Schedule{
		Name:           "nightly-acme",
		Enabled:        true,
		Scope:          run.ScopeSingle,
		TenantKey:      util.Ptr("acme_cafe"),
		CronExpr:       "0 18 * * *",
		TimezoneName:   "Africa/Lagos",
		Parallel:       2,
		StaggerSeconds: 2,
	}
	if mutate != nil {
		mutate(sched)
	}
	require.NoError(t, store.Create(context.Background(), sched))
	return sched
}

func TestScheduleCreateAndGet(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	sched := makeSchedule(t, store, nil)
	require.NotEmpty(t, sched.ID)

	got, err := store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-acme", got.Name)
	assert.Equal(t, run.ScopeSingle, got.Scope)
	assert.Equal(t, "acme_cafe", *got.TenantKey)
	assert.Equal(t, TargetTradingDate, got.TargetDateMode)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.NextFireAt)
}

func TestScheduleCreateRequiresTenantForSingleScope(t *testing.T) {
	store := newTestScheduleStore(t)
	err := store.Create(context.Background(), &Schedule{
		Name: "broken", Scope: run.ScopeSingle, CronExpr: "0 18 * * *",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestScheduleDueSelection(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := makeSchedule(t, store, func(s *Schedule) { s.Name = "overdue" })
	require.NoError(t, store.SetNextFire(ctx, overdue.ID, util.Ptr(now.Add(-time.Minute))))

	future := makeSchedule(t, store, func(s *Schedule) { s.Name = "future" })
	require.NoError(t, store.SetNextFire(ctx, future.ID, util.Ptr(now.Add(time.Hour))))

	disabled := makeSchedule(t, store, func(s *Schedule) {
		s.Name = "disabled"
		s.Enabled = false
	})
	require.NoError(t, store.SetNextFire(ctx, disabled.ID, util.Ptr(now.Add(-time.Minute))))

	makeSchedule(t, store, func(s *Schedule) { s.Name = "unseeded" })

	due, err := store.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "overdue", due[0].Name)
}

func TestScheduleDisableClearsNextFire(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	sched := makeSchedule(t, store, nil)
	require.NoError(t, store.SetNextFire(ctx, sched.ID, util.Ptr(time.Now().UTC())))

	require.NoError(t, store.SetEnabled(ctx, sched.ID, false))
	got, err := store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextFireAt)
}

func TestScheduleRecordFire(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	sched := makeSchedule(t, store, nil)
	firedAt := time.Now().UTC().Truncate(time.Second)
	next := firedAt.Add(24 * time.Hour)

	require.NoError(t, store.RecordFire(ctx, sched.ID, firedAt, "queued", "", &next))

	got, err := store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.LastResult)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(firedAt))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(next))
}

func TestScheduleEventsSurviveScheduleDeletion(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	sched := makeSchedule(t, store, nil)
	require.NoError(t, store.AddEvent(ctx, &Event{
		ScheduleID: &sched.ID,
		Type:       EventQueued,
		Message:    "run enqueued",
		Payload: map[string]interface{}{
			"schedule_id":   sched.ID,
			"schedule_name": sched.Name,
			"scope":         "single",
		},
	}))

	require.NoError(t, store.Delete(ctx, sched.ID))

	// The event row survives with its snapshot payload intact.
	events, err := store.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].ScheduleID)
	assert.Equal(t, "nightly-acme", events[0].Payload["schedule_name"])
}

func TestDeleteRefusesSystemManagedSchedule(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	fallback := makeSchedule(t, store, func(s *Schedule) {
		s.Name = FallbackName
		s.IsSystemManaged = true
	})

	err := store.Delete(ctx, fallback.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	// The schedule survives the attempt.
	_, err = store.Get(ctx, fallback.ID)
	require.NoError(t, err)

	// Unknown IDs still read as not found.
	assert.True(t, errors.IsNotFoundError(store.Delete(ctx, "missing")))
}

func TestSchedulerHeartbeat(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	_, err := store.Heartbeat(ctx)
	assert.True(t, errors.IsNotFoundError(err))

	first := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpsertHeartbeat(ctx, first))

	got, err := store.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	second := first.Add(15 * time.Second)
	require.NoError(t, store.UpsertHeartbeat(ctx, second))

	got, err = store.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(second))
}

func TestEnabledUserScheduleExists(t *testing.T) {
	store := newTestScheduleStore(t)
	ctx := context.Background()

	exists, err := store.EnabledUserScheduleExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	// System-managed schedules do not count.
	makeSchedule(t, store, func(s *Schedule) {
		s.Name = FallbackName
		s.IsSystemManaged = true
	})
	exists, err = store.EnabledUserScheduleExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	makeSchedule(t, store, func(s *Schedule) { s.Name = "user-schedule" })
	exists, err = store.EnabledUserScheduleExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}
