package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/orevatech/opsportal/errors"
)

var globalConfig *Config

// Load reads the portal configuration using Viper.
// Precedence: environment variables > config file > defaults.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	normalize(&config)
	globalConfig = &config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance.
// Used by tests to inject settings without touching the global state.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	normalize(&config)
	return &config, nil
}

// Reset clears the cached global config. Test helper.
func Reset() {
	globalConfig = nil
}

func initViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir())

	setDefaults(v)
	bindEnv(v)

	// Config file is optional - defaults plus env cover everything.
	_ = v.ReadInConfig()
	return v
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".opsportal")
}

func setDefaults(v *viper.Viper) {
	stateRoot := filepath.Join(configDir(), "state")

	v.SetDefault("database.path", filepath.Join(configDir(), "opsportal.db"))
	v.SetDefault("server.port", 8741)

	v.SetDefault("pipeline.state_root", stateRoot)
	v.SetDefault("pipeline.root", stateRoot)
	v.SetDefault("pipeline.single_binary", "pipeline")
	v.SetDefault("pipeline.all_binary", "all-tenants")

	v.SetDefault("scheduler.poll_seconds", DefaultPollSeconds)
	v.SetDefault("scheduler.enable_env_fallback", true)
	v.SetDefault("scheduler.fallback_cron", DefaultFallbackCron)
	v.SetDefault("scheduler.fallback_timezone", "")

	v.SetDefault("business.timezone", "Africa/Lagos")
	v.SetDefault("business.cutoff_hour", 5)
	v.SetDefault("business.cutoff_minute", 0)

	v.SetDefault("dashboard.default_parallel", 2)
	v.SetDefault("dashboard.default_stagger_seconds", 2)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("database.path", "OPSPORTAL_DB_PATH")
	v.BindEnv("pipeline.state_root", "OPSPORTAL_STATE_ROOT")
	v.BindEnv("pipeline.root", "OPSPORTAL_PIPELINE_ROOT")

	v.BindEnv("scheduler.poll_seconds", "SCHEDULER_POLL_SECONDS")
	v.BindEnv("scheduler.enable_env_fallback", "SCHEDULER_ENABLE_ENV_FALLBACK")
	v.BindEnv("scheduler.fallback_cron", "SCHEDULE_CRON")
	v.BindEnv("scheduler.fallback_timezone", "SCHEDULE_TZ")

	v.BindEnv("business.timezone", "BUSINESS_TIMEZONE")
	v.BindEnv("business.cutoff_hour", "BUSINESS_DAY_CUTOFF_HOUR")
	v.BindEnv("business.cutoff_minute", "BUSINESS_DAY_CUTOFF_MINUTE")

	v.BindEnv("dashboard.default_parallel", "DASHBOARD_DEFAULT_PARALLEL")
	v.BindEnv("dashboard.default_stagger_seconds", "DASHBOARD_DEFAULT_STAGGER_SECONDS")
}

// normalize clamps out-of-range values back to their defaults rather than
// failing startup on a bad environment variable.
func normalize(c *Config) {
	if c.Scheduler.PollSeconds < MinPollSeconds {
		c.Scheduler.PollSeconds = DefaultPollSeconds
	}
	if c.Scheduler.FallbackCron == "" {
		c.Scheduler.FallbackCron = DefaultFallbackCron
	}
	if c.Scheduler.FallbackTimezone == "" {
		c.Scheduler.FallbackTimezone = c.Business.Timezone
	}
	if c.Business.Timezone == "" {
		c.Business.Timezone = "Africa/Lagos"
	}
	if c.Business.CutoffHour < 0 || c.Business.CutoffHour > 23 {
		c.Business.CutoffHour = 5
	}
	if c.Business.CutoffMinute < 0 || c.Business.CutoffMinute > 59 {
		c.Business.CutoffMinute = 0
	}
	if c.Dashboard.DefaultParallel < 1 {
		c.Dashboard.DefaultParallel = 2
	}
	if c.Dashboard.DefaultStaggerSeconds < 0 {
		c.Dashboard.DefaultStaggerSeconds = 2
	}
}
