// Package config loads portal configuration from file, environment, and the
// database-backed portal_settings overrides.
package config

import (
	"path/filepath"
	"time"
)

// Config represents the core portal configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Business  BusinessConfig  `mapstructure:"business"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the status/log-tail API server
type ServerConfig struct {
	Port int `mapstructure:"port"` // default: 8741
}

// PipelineConfig locates the pipeline binaries and the shared state tree
type PipelineConfig struct {
	// StateRoot is the directory holding global_run.lock, run_logs/,
	// companies/, and uploaded/.
	StateRoot string `mapstructure:"state_root"`
	// Root is the working directory the pipeline subprocess runs in.
	Root string `mapstructure:"root"`
	// SingleBinary runs one tenant; AllBinary fans out across tenants.
	SingleBinary string `mapstructure:"single_binary"` // default: "pipeline"
	AllBinary    string `mapstructure:"all_binary"`    // default: "all-tenants"
}

// SchedulerConfig configures the schedule worker loop
type SchedulerConfig struct {
	PollSeconds       int    `mapstructure:"poll_seconds"`        // SCHEDULER_POLL_SECONDS, default 15, min 1
	EnableEnvFallback bool   `mapstructure:"enable_env_fallback"` // SCHEDULER_ENABLE_ENV_FALLBACK, default true
	FallbackCron      string `mapstructure:"fallback_cron"`       // SCHEDULE_CRON, default "0 18 * * *"
	FallbackTimezone  string `mapstructure:"fallback_timezone"`   // SCHEDULE_TZ, default = business timezone
}

// BusinessConfig configures the business trading date computation
type BusinessConfig struct {
	Timezone     string `mapstructure:"timezone"`      // BUSINESS_TIMEZONE, default Africa/Lagos
	CutoffHour   int    `mapstructure:"cutoff_hour"`   // BUSINESS_DAY_CUTOFF_HOUR, default 5
	CutoffMinute int    `mapstructure:"cutoff_minute"` // BUSINESS_DAY_CUTOFF_MINUTE, default 0
}

// DashboardConfig carries defaults for manually triggered runs
type DashboardConfig struct {
	DefaultParallel       int `mapstructure:"default_parallel"`        // DASHBOARD_DEFAULT_PARALLEL, default 2
	DefaultStaggerSeconds int `mapstructure:"default_stagger_seconds"` // DASHBOARD_DEFAULT_STAGGER_SECONDS, default 2
}

// Scheduler defaults
const (
	DefaultPollSeconds  = 15
	MinPollSeconds      = 1
	DefaultFallbackCron = "0 18 * * *" // 6pm daily
)

// PollInterval returns the scheduler poll interval, clamped to the minimum.
func (c SchedulerConfig) PollInterval() time.Duration {
	secs := c.PollSeconds
	if secs < MinPollSeconds {
		secs = DefaultPollSeconds
	}
	return time.Duration(secs) * time.Second
}

// LockFilePath returns the filesystem advisory lock target.
func (c PipelineConfig) LockFilePath() string {
	return filepath.Join(c.StateRoot, "global_run.lock")
}

// RunLogsDir returns the directory holding one log file per run job.
func (c PipelineConfig) RunLogsDir() string {
	return filepath.Join(c.StateRoot, "run_logs")
}

// CompaniesDir returns the directory of per-tenant JSON config files.
func (c PipelineConfig) CompaniesDir() string {
	return filepath.Join(c.StateRoot, "companies")
}

// UploadedDir returns the metadata ingestion source tree.
func (c PipelineConfig) UploadedDir() string {
	return filepath.Join(c.StateRoot, "uploaded")
}
