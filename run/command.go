package run

import (
	"encoding/json"
	"strconv"

	"github.com/kballard/go-shellquote"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
)

// Environment variables passed to every spawned pipeline subprocess.
const (
	// EnvRunSource tells the pipeline who triggered it.
	EnvRunSource = "ORCHESTRATOR_RUN_SOURCE"
	// EnvLockHeld tells the pipeline the global lock is already held so
	// it must not try to take it itself.
	EnvLockHeld = "ORCHESTRATOR_LOCK_HELD"
)

// BuildCommand renders the argv for a job, plus a shell-quoted display
// string for the activity feed.
func BuildCommand(job *Job, pipeline config.PipelineConfig) (argv []string, display string, err error) {
	switch job.Scope {
	case ScopeSingle:
		if job.TenantKey == nil || *job.TenantKey == "" {
			return nil, "", errors.NewInvalidRequestError(
				errors.New("single-tenant run requires a tenant key"))
		}
		argv = []string{pipeline.SingleBinary, "--tenant", *job.TenantKey}
		argv = appendDateArgs(argv, job)
		if job.SkipDownload {
			argv = append(argv, "--skip-download")
		}

	case ScopeAll:
		argv = []string{pipeline.AllBinary}
		argv = appendDateArgs(argv, job)
		argv = append(argv,
			"--parallel", strconv.Itoa(job.Parallel),
			"--stagger-seconds", strconv.Itoa(job.StaggerSeconds),
		)
		if job.ContinueOnFailure {
			argv = append(argv, "--continue-on-failure")
		}
		if job.SkipDownload {
			argv = append(argv, "--skip-download")
		}

	default:
		return nil, "", errors.NewInvalidRequestError(
			errors.Newf("unknown run scope %q", job.Scope))
	}

	return argv, shellquote.Join(argv...), nil
}

// A date range takes precedence over a single target date.
func appendDateArgs(argv []string, job *Job) []string {
	if job.FromDate != nil && job.ToDate != nil {
		return append(argv, "--from-date", *job.FromDate, "--to-date", *job.ToDate)
	}
	if job.TargetDate != nil {
		return append(argv, "--target-date", *job.TargetDate)
	}
	return argv
}

// MarshalArgv encodes argv for the command_json column.
func MarshalArgv(argv []string) (string, error) {
	data, err := json.Marshal(argv)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal command")
	}
	return string(data), nil
}
