package health

import (
	"context"
	"time"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/tenant"
)

// TenantHealth pairs a tenant with its classified health.
type TenantHealth struct {
	TenantKey   string
	DisplayName string
	Result      Result
}

// Checker assembles classifier inputs from the portal stores.
type Checker struct {
	tenants   *tenant.Store
	runs      *run.Store
	artifacts *artifact.Store
	settings  *config.SettingsStore
}

// NewChecker creates a health checker.
func NewChecker(tenants *tenant.Store, runs *run.Store, artifacts *artifact.Store,
	settings *config.SettingsStore) *Checker {
	return &Checker{
		tenants:   tenants,
		runs:      runs,
		artifacts: artifacts,
		settings:  settings,
	}
}

// CheckAll classifies every active tenant.
func (c *Checker) CheckAll(ctx context.Context) ([]*TenantHealth, error) {
	records, err := c.tenants.List(ctx, true)
	if err != nil {
		return nil, err
	}

	settings, err := c.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]*TenantHealth, 0, len(records))
	for _, rec := range records {
		result, err := c.classifyTenant(ctx, rec, settings, now)
		if err != nil {
			return nil, err
		}
		results = append(results, &TenantHealth{
			TenantKey:   rec.Key,
			DisplayName: rec.DisplayName,
			Result:      *result,
		})
	}
	return results, nil
}

// CheckTenant classifies one tenant by key.
func (c *Checker) CheckTenant(ctx context.Context, tenantKey string) (*TenantHealth, error) {
	rec, err := c.tenants.Get(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	settings, err := c.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.classifyTenant(ctx, rec, settings, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &TenantHealth{
		TenantKey:   rec.Key,
		DisplayName: rec.DisplayName,
		Result:      *result,
	}, nil
}

func (c *Checker) classifyTenant(ctx context.Context, rec *tenant.Record,
	settings *config.PortalSettings, now time.Time) (*Result, error) {

	latestRun, err := c.runs.LatestJobForTenant(ctx, rec.Key)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	latestFinished, err := c.runs.LatestFinishedForTenant(ctx, rec.Key)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	latestArtifact, err := c.artifacts.LatestForTenant(ctx, rec.Key)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}

	result := Classify(Input{
		Credentials: tenant.InspectCredentials(rec.ConfigJSON, now,
			settings.EffectiveRefreshExpiringDays()),
		LatestRun:            latestRun,
		LatestFinished:       latestFinished,
		LatestArtifact:       latestArtifact,
		ReconcileDiffWarning: settings.EffectiveReconcileDiffWarning(),
		StaleAfter:           time.Duration(settings.EffectiveStaleHours()) * time.Hour,
		Now:                  now,
	})
	return &result, nil
}
