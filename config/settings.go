package config

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/errors"
)

// PortalSettings holds operator-tunable overrides stored as a singleton row.
// Nil fields mean "use the built-in default".
type PortalSettings struct {
	DefaultParallel       *int
	DefaultStaggerSeconds *int
	StaleHoursWarning     *int
	RefreshExpiringDays   *int
	ReconcileDiffWarning  *float64
	ReauthGuidance        *string
	DashboardTimezone     *string
	UpdatedAt             time.Time
}

// Built-in settings defaults, applied when the singleton row leaves a
// field null.
const (
	DefaultStaleHoursWarning    = 30
	DefaultRefreshExpiringDays  = 7
	DefaultReconcileDiffWarning = 1.0
	DefaultDashboardTimezone    = "Africa/Lagos"
)

// EffectiveStaleHours returns the stale-run warning threshold in hours.
func (s *PortalSettings) EffectiveStaleHours() int {
	if s != nil && s.StaleHoursWarning != nil && *s.StaleHoursWarning > 0 {
		return *s.StaleHoursWarning
	}
	return DefaultStaleHoursWarning
}

// EffectiveRefreshExpiringDays returns the token expiry warning window.
func (s *PortalSettings) EffectiveRefreshExpiringDays() int {
	if s != nil && s.RefreshExpiringDays != nil && *s.RefreshExpiringDays > 0 {
		return *s.RefreshExpiringDays
	}
	return DefaultRefreshExpiringDays
}

// EffectiveReconcileDiffWarning returns the absolute reconcile difference
// above which a tenant is flagged.
func (s *PortalSettings) EffectiveReconcileDiffWarning() float64 {
	if s != nil && s.ReconcileDiffWarning != nil && *s.ReconcileDiffWarning > 0 {
		return *s.ReconcileDiffWarning
	}
	return DefaultReconcileDiffWarning
}

// EffectiveDashboardTimezone returns the display timezone name.
func (s *PortalSettings) EffectiveDashboardTimezone() string {
	if s != nil && s.DashboardTimezone != nil && *s.DashboardTimezone != "" {
		return *s.DashboardTimezone
	}
	return DefaultDashboardTimezone
}

// EffectiveDefaultParallel returns the default fan-out for all-tenant runs.
func (s *PortalSettings) EffectiveDefaultParallel(cfg DashboardConfig) int {
	if s != nil && s.DefaultParallel != nil && *s.DefaultParallel > 0 {
		return *s.DefaultParallel
	}
	return cfg.DefaultParallel
}

// EffectiveDefaultStaggerSeconds returns the default stagger between
// tenant launches for all-tenant runs.
func (s *PortalSettings) EffectiveDefaultStaggerSeconds(cfg DashboardConfig) int {
	if s != nil && s.DefaultStaggerSeconds != nil && *s.DefaultStaggerSeconds >= 0 {
		return *s.DefaultStaggerSeconds
	}
	return cfg.DefaultStaggerSeconds
}

// settingsTTL bounds how stale a cached settings snapshot may be.
const settingsTTL = 30 * time.Second

// SettingsStore reads and writes the portal_settings singleton with a
// short-lived read cache. Reads during a database outage fall back to the
// last known snapshot.
type SettingsStore struct {
	conn   *sql.DB
	logger *zap.SugaredLogger

	mu        sync.Mutex
	cached    *PortalSettings
	fetchedAt time.Time
}

// NewSettingsStore creates a settings store backed by the given database.
func NewSettingsStore(conn *sql.DB, logger *zap.SugaredLogger) *SettingsStore {
	return &SettingsStore{conn: conn, logger: logger}
}

// Get returns the current settings, served from cache when fresh.
// A read failure with a warm cache logs and returns the stale snapshot.
func (s *SettingsStore) Get(ctx context.Context) (*PortalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.fetchedAt) < settingsTTL {
		return s.cached, nil
	}

	settings, err := s.fetch(ctx)
	if err != nil {
		if s.cached != nil {
			if s.logger != nil {
				s.logger.Warnw("Settings read failed, serving cached snapshot", "error", err)
			}
			return s.cached, nil
		}
		return nil, err
	}

	s.cached = settings
	s.fetchedAt = time.Now()
	return settings, nil
}

// Invalidate drops the cached snapshot so the next Get rereads the row.
func (s *SettingsStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.fetchedAt = time.Time{}
}

// Update persists the given settings as the singleton row and invalidates
// the cache.
func (s *SettingsStore) Update(ctx context.Context, settings *PortalSettings) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO portal_settings (
			id, default_parallel, default_stagger_seconds, stale_hours_warning,
			refresh_expiring_days, reconcile_diff_warning, reauth_guidance,
			dashboard_timezone, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			default_parallel = excluded.default_parallel,
			default_stagger_seconds = excluded.default_stagger_seconds,
			stale_hours_warning = excluded.stale_hours_warning,
			refresh_expiring_days = excluded.refresh_expiring_days,
			reconcile_diff_warning = excluded.reconcile_diff_warning,
			reauth_guidance = excluded.reauth_guidance,
			dashboard_timezone = excluded.dashboard_timezone,
			updated_at = excluded.updated_at`,
		settings.DefaultParallel, settings.DefaultStaggerSeconds,
		settings.StaleHoursWarning, settings.RefreshExpiringDays,
		settings.ReconcileDiffWarning, settings.ReauthGuidance,
		settings.DashboardTimezone, now)
	if err != nil {
		return errors.Wrap(err, "failed to update portal settings")
	}

	s.Invalidate()
	return nil
}

func (s *SettingsStore) fetch(ctx context.Context) (*PortalSettings, error) {
	var (
		settings  PortalSettings
		parallel  sql.NullInt64
		stagger   sql.NullInt64
		stale     sql.NullInt64
		expiring  sql.NullInt64
		diff      sql.NullFloat64
		guidance  sql.NullString
		tz        sql.NullString
		updatedAt string
	)

	err := s.conn.QueryRowContext(ctx, `
		SELECT default_parallel, default_stagger_seconds, stale_hours_warning,
		       refresh_expiring_days, reconcile_diff_warning, reauth_guidance,
		       dashboard_timezone, updated_at
		FROM portal_settings WHERE id = 1`).Scan(
		&parallel, &stagger, &stale, &expiring, &diff, &guidance, &tz, &updatedAt)
	if err == sql.ErrNoRows {
		// No overrides configured yet. All defaults apply.
		return &PortalSettings{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read portal settings")
	}

	if parallel.Valid {
		v := int(parallel.Int64)
		settings.DefaultParallel = &v
	}
	if stagger.Valid {
		v := int(stagger.Int64)
		settings.DefaultStaggerSeconds = &v
	}
	if stale.Valid {
		v := int(stale.Int64)
		settings.StaleHoursWarning = &v
	}
	if expiring.Valid {
		v := int(expiring.Int64)
		settings.RefreshExpiringDays = &v
	}
	if diff.Valid {
		v := diff.Float64
		settings.ReconcileDiffWarning = &v
	}
	if guidance.Valid {
		settings.ReauthGuidance = &guidance.String
	}
	if tz.Valid {
		settings.DashboardTimezone = &tz.String
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		settings.UpdatedAt = ts
	}

	return &settings, nil
}
