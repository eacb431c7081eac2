package config

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orevatech/opsportal/errors"
	portaltesting "github.com/orevatech/opsportal/internal/testing"
	"github.com/orevatech/opsportal/internal/util"
)

func TestSettingsStoreDefaults(t *testing.T) {
	conn := portaltesting.CreateTestDB(t)
	store := NewSettingsStore(conn, nil)

	settings, err := store.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DefaultStaleHoursWarning, settings.EffectiveStaleHours())
	assert.Equal(t, DefaultRefreshExpiringDays, settings.EffectiveRefreshExpiringDays())
	assert.Equal(t, DefaultReconcileDiffWarning, settings.EffectiveReconcileDiffWarning())
	assert.Equal(t, DefaultDashboardTimezone, settings.EffectiveDashboardTimezone())

	dashboard := DashboardConfig{DefaultParallel: 2, DefaultStaggerSeconds: 2}
	assert.Equal(t, 2, settings.EffectiveDefaultParallel(dashboard))
	assert.Equal(t, 2, settings.EffectiveDefaultStaggerSeconds(dashboard))
}

func TestSettingsStoreUpdateAndRead(t *testing.T) {
	conn := portaltesting.CreateTestDB(t)
	store := NewSettingsStore(conn, nil)

	err := store.Update(context.Background(), &PortalSettings{
		DefaultParallel:      util.Ptr(4),
		StaleHoursWarning:    util.Ptr(48),
		ReconcileDiffWarning: util.Ptr(2.5),
		DashboardTimezone:    util.Ptr("Europe/London"),
	})
	require.NoError(t, err)

	settings, err := store.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 48, settings.EffectiveStaleHours())
	assert.Equal(t, 2.5, settings.EffectiveReconcileDiffWarning())
	assert.Equal(t, "Europe/London", settings.EffectiveDashboardTimezone())

	dashboard := DashboardConfig{DefaultParallel: 2, DefaultStaggerSeconds: 2}
	assert.Equal(t, 4, settings.EffectiveDefaultParallel(dashboard))
	// Unset fields still fall back.
	assert.Equal(t, 2, settings.EffectiveDefaultStaggerSeconds(dashboard))
	assert.Equal(t, DefaultRefreshExpiringDays, settings.EffectiveRefreshExpiringDays())
}

func TestSettingsStoreCachesReads(t *testing.T) {
	conn := portaltesting.CreateTestDB(t)
	store := NewSettingsStore(conn, nil)

	err := store.Update(context.Background(), &PortalSettings{
		StaleHoursWarning: util.Ptr(10),
	})
	require.NoError(t, err)

	settings, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, settings.EffectiveStaleHours())

	// Mutate the row behind the store's back. A fresh cache entry must
	// keep serving the old snapshot until invalidated.
	_, err = conn.Exec("UPDATE portal_settings SET stale_hours_warning = 99 WHERE id = 1")
	require.NoError(t, err)

	settings, err = store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, settings.EffectiveStaleHours())

	store.Invalidate()

	settings, err = store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99, settings.EffectiveStaleHours())
}

func TestSettingsStoreServesStaleSnapshotOnError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	store := NewSettingsStore(conn, nil)

	columns := []string{
		"default_parallel", "default_stagger_seconds", "stale_hours_warning",
		"refresh_expiring_days", "reconcile_diff_warning", "reauth_guidance",
		"dashboard_timezone", "updated_at",
	}
	mock.ExpectQuery("SELECT default_parallel").WillReturnRows(
		sqlmock.NewRows(columns).AddRow(nil, nil, 25, nil, nil, nil, nil, "2026-08-24T10:00:00Z"))

	settings, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, settings.EffectiveStaleHours())

	// Expire the cache, then fail the reread. The warm snapshot wins.
	store.fetchedAt = store.fetchedAt.Add(-2 * settingsTTL)
	mock.ExpectQuery("SELECT default_parallel").WillReturnError(errors.New("database is locked"))

	settings, err = store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, settings.EffectiveStaleHours())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsStoreColdCacheErrorPropagates(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	store := NewSettingsStore(conn, nil)
	mock.ExpectQuery("SELECT default_parallel").WillReturnError(errors.New("database is locked"))

	_, err = store.Get(context.Background())
	require.Error(t, err)
}
