// Package health classifies per-tenant operational health from
// credential state, run outcomes, and artifact metadata.
package health

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/tenant"
)

// Severity orders tenant health for the dashboard.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

// Reason identifies why a tenant left the healthy state.
type Reason string

const (
	ReasonEposConfigMissing  Reason = "epos_config_missing"
	ReasonTokenCritical      Reason = "token_critical"
	ReasonLatestRunFailed    Reason = "latest_run_failed"
	ReasonUploadFailure      Reason = "upload_failure"
	ReasonTokenExpiringSoon  Reason = "token_expiring_soon"
	ReasonNoArtifactMetadata Reason = "no_artifact_metadata"
	ReasonReconMismatch      Reason = "recon_mismatch"
	ReasonHealthy            Reason = "healthy"
)

// Activity summarizes how recently the tenant's pipeline ran. It is
// derived independently of the health severity: a healthy tenant can
// still be stale, and a critical one freshly run.
type Activity string

const (
	ActivityRunning Activity = "running"
	ActivityRecent  Activity = "recent"
	ActivityStale   Activity = "stale"
	ActivityNever   Activity = "never_ran"
)

// Input carries everything the classifier needs about one tenant.
// LatestRun is the most recent job in any status and drives activity;
// LatestFinished is the most recent terminal job and drives the failed
// run check, so an in-flight retry never masks the last outcome.
type Input struct {
	Credentials          tenant.CredentialState
	LatestRun            *run.Job
	LatestFinished       *run.Job
	LatestArtifact       *artifact.Artifact
	ReconcileDiffWarning float64
	StaleAfter           time.Duration
	Now                  time.Time
}

// Result is one tenant's classified health.
type Result struct {
	Severity Severity
	Reason   Reason
	Detail   string
	Activity Activity
}

// Classify applies the health decision table. Checks run in priority
// order and the first match wins; run activity is computed regardless.
func Classify(in Input) Result {
	result := Result{Activity: classifyActivity(in)}

	switch {
	case !in.Credentials.HasEposConfig:
		result.Severity = SeverityWarning
		result.Reason = ReasonEposConfigMissing
		result.Detail = "no EPOS configuration for this tenant"

	case in.Credentials.TokenStatus == tenant.TokenMissing:
		result.Severity = SeverityCritical
		result.Reason = ReasonTokenCritical
		result.Detail = "accounting connection has never been authorized"

	case in.Credentials.TokenStatus == tenant.TokenRefreshExpired:
		result.Severity = SeverityCritical
		result.Reason = ReasonTokenCritical
		result.Detail = "refresh token expired, reauthorization required"

	case in.LatestFinished != nil && in.LatestFinished.Status == run.StatusFailed:
		result.Severity = SeverityCritical
		result.Reason = ReasonLatestRunFailed
		result.Detail = latestRunDetail(in.LatestFinished)

	case hasUploadFailure(in.LatestArtifact):
		result.Severity = SeverityCritical
		result.Reason = ReasonUploadFailure
		result.Detail = "latest run reported failed uploads"

	case in.Credentials.TokenStatus == tenant.TokenRefreshExpiring:
		result.Severity = SeverityWarning
		result.Reason = ReasonTokenExpiringSoon
		result.Detail = fmt.Sprintf("refresh token expires in %d days", in.Credentials.ExpiresInDays)

	case in.LatestArtifact == nil:
		result.Severity = SeverityUnknown
		result.Reason = ReasonNoArtifactMetadata
		result.Detail = "no artifact metadata has been ingested"

	case reconMismatch(in.LatestArtifact, in.ReconcileDiffWarning):
		result.Severity = SeverityWarning
		result.Reason = ReasonReconMismatch
		result.Detail = fmt.Sprintf("reconcile difference %.2f exceeds %.2f",
			*in.LatestArtifact.ReconcileDifference, in.ReconcileDiffWarning)

	default:
		result.Severity = SeverityHealthy
		result.Reason = ReasonHealthy
	}

	return result
}

func classifyActivity(in Input) Activity {
	if in.LatestRun == nil {
		return ActivityNever
	}
	if in.LatestRun.Status == run.StatusRunning || in.LatestRun.Status == run.StatusQueued {
		return ActivityRunning
	}
	finishedAt := in.LatestRun.FinishedAt
	if finishedAt == nil {
		return ActivityStale
	}
	if in.Now.Sub(*finishedAt) <= in.StaleAfter {
		return ActivityRecent
	}
	return ActivityStale
}

func latestRunDetail(job *run.Job) string {
	if job.FailureReason != "" {
		return job.FailureReason
	}
	if job.ExitCode != nil {
		return run.DescribeExitCode(*job.ExitCode)
	}
	return "latest run failed"
}

// hasUploadFailure inspects the artifact's upload stats for any failed
// batches.
func hasUploadFailure(a *artifact.Artifact) bool {
	if a == nil || a.UploadStatsJSON == "" {
		return false
	}
	var stats map[string]interface{}
	if err := json.Unmarshal([]byte(a.UploadStatsJSON), &stats); err != nil {
		return false
	}
	if failed, ok := stats["failed"].(float64); ok && failed > 0 {
		return true
	}
	if errs, ok := stats["errors"].([]interface{}); ok && len(errs) > 0 {
		return true
	}
	return false
}

func reconMismatch(a *artifact.Artifact, threshold float64) bool {
	if a == nil || a.ReconcileDifference == nil {
		return false
	}
	return util.AbsFloat64(*a.ReconcileDifference) > threshold
}
