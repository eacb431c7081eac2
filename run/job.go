// Package run implements the run job lifecycle: queueing, single-slot
// dispatch under a global lock, subprocess supervision, and log access.
package run

import (
	"time"

	"github.com/orevatech/opsportal/errors"
)

// Scope selects between a single-tenant run and a fan-out across all
// active tenants.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeAll    Scope = "all"
)

// Status is the run job state machine.
//
//	queued -> running -> succeeded | failed | cancelled
//	queued -> cancelled
//	queued -> failed        (subprocess never started)
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one pipeline run request and its full execution record.
type Job struct {
	ID                string
	Scope             Scope
	TenantKey         *string
	TargetDate        *string // YYYY-MM-DD
	FromDate          *string
	ToDate            *string
	SkipDownload      bool
	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool
	Status            Status
	PID               *int
	LogFilePath       string
	ExitCode          *int
	FailureReason     string
	CommandJSON       string
	CommandDisplay    string
	RequestedBy       *string
	ScheduledBy       *string
	QueuedAt          time.Time
	DispatchedAt      *time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CreatedAt         time.Time
}

// Validate checks the request invariants on a new job. Violations are
// marked invalid requests so API and CLI callers report bad input
// instead of a server fault.
func (j *Job) Validate() error {
	switch j.Scope {
	case ScopeSingle:
		if j.TenantKey == nil || *j.TenantKey == "" {
			return errors.NewInvalidRequestError(
				errors.New("single-tenant run requires a tenant key"))
		}
	case ScopeAll:
		if j.TenantKey != nil && *j.TenantKey != "" {
			return errors.NewInvalidRequestError(
				errors.New("all-tenants run does not take a tenant key"))
		}
	default:
		return errors.NewInvalidRequestError(
			errors.Newf("unknown run scope %q", j.Scope))
	}

	hasTarget := j.TargetDate != nil && *j.TargetDate != ""
	hasFrom := j.FromDate != nil && *j.FromDate != ""
	hasTo := j.ToDate != nil && *j.ToDate != ""

	if hasFrom != hasTo {
		return errors.NewInvalidRequestError(
			errors.New("date range requires both from and to dates"))
	}
	if hasTarget && hasFrom {
		return errors.NewInvalidRequestError(
			errors.New("target date and date range are mutually exclusive"))
	}
	if hasTarget {
		if err := checkDate(*j.TargetDate); err != nil {
			return err
		}
	}
	if hasFrom {
		if err := checkDate(*j.FromDate); err != nil {
			return err
		}
		if err := checkDate(*j.ToDate); err != nil {
			return err
		}
		if *j.FromDate > *j.ToDate {
			return errors.NewInvalidRequestError(
				errors.Newf("from date %s is after to date %s", *j.FromDate, *j.ToDate))
		}
	}
	if j.SkipDownload && !hasFrom {
		return errors.NewInvalidRequestError(
			errors.New("skip download applies only to date-range runs"))
	}
	if j.Parallel < 0 || j.StaggerSeconds < 0 {
		return errors.NewInvalidRequestError(
			errors.New("parallel and stagger seconds must not be negative"))
	}
	return nil
}

func checkDate(s string) error {
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return errors.NewInvalidRequestError(
			errors.Newf("invalid date %q, expected YYYY-MM-DD", s))
	}
	return nil
}

// Source reports where the run originated, for the subprocess environment
// and the activity feed. Scheduled jobs always read as "scheduler".
func (j *Job) Source() string {
	if j.ScheduledBy != nil {
		return "scheduler"
	}
	if j.RequestedBy != nil && *j.RequestedBy != "" {
		return *j.RequestedBy
	}
	return "dashboard"
}
