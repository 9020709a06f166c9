package config

import (
	"fmt"
	"strings"
	"time"

	"drivetrain/internal/breaker"
	"drivetrain/internal/runner"
	"drivetrain/internal/store"
	logx "drivetrain/pkg/logx"
)

// Config is the on-disk configuration. Durations are strings in Go duration
// syntax ("30s", "5m") so the file stays hand-editable; resolution into typed
// component configs happens in the methods below.
type Config struct {
	Log     LogConfig     `json:"log"`
	Store   StoreConfig   `json:"store"`
	Breaker BreakerConfig `json:"breaker"`
	Runner  RunnerConfig  `json:"runner"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file"`
}

type StoreConfig struct {
	// Driver selects the backend: "sqlite", "postgres" or "memory".
	Driver string `json:"driver"`
	// Path is the sqlite database file.
	Path string `json:"path"`
	// DSN is the postgres connection string.
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout"`
	SuccessThreshold int    `json:"success_threshold"`
	FailureWindow    string `json:"failure_window"`
	HalfOpenRequests int    `json:"half_open_requests"`
}

type RunnerConfig struct {
	Enabled          bool   `json:"enabled"`
	PollInterval     string `json:"poll_interval"`
	MaxJobs          int    `json:"max_jobs"`
	DelayBetweenJobs string `json:"delay_between_jobs"`
	MaxRetryDelay    string `json:"max_retry_delay"`
	CleanupDays      int    `json:"cleanup_days"`
}

func (c *Config) LogSettings() logx.Config {
	lc := logx.Config{
		Level:   c.Log.Level,
		Console: c.Log.Console,
	}
	if strings.TrimSpace(c.Log.File) != "" {
		lc.File = logx.FileConfig{Enabled: true, Path: c.Log.File}
	}
	return lc
}

func (c *Config) StoreDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if d == "" {
		d = "sqlite"
	}
	return d
}

func (c *Config) SQLiteSettings() (store.SQLiteConfig, error) {
	busy, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout)
	if err != nil {
		return store.SQLiteConfig{}, err
	}
	return store.SQLiteConfig{
		Path:        c.Store.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) BreakerSettings() (breaker.Config, error) {
	recovery, err := ParseDurationField("breaker.recovery_timeout", c.Breaker.RecoveryTimeout)
	if err != nil {
		return breaker.Config{}, err
	}
	window, err := ParseDurationField("breaker.failure_window", c.Breaker.FailureWindow)
	if err != nil {
		return breaker.Config{}, err
	}
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  recovery,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		FailureWindow:    window,
		HalfOpenRequests: c.Breaker.HalfOpenRequests,
	}, nil
}

func (c *Config) RunnerSettings() (runner.Config, error) {
	delay, err := ParseDurationField("runner.delay_between_jobs", c.Runner.DelayBetweenJobs)
	if err != nil {
		return runner.Config{}, err
	}
	maxRetry, err := ParseDurationField("runner.max_retry_delay", c.Runner.MaxRetryDelay)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		MaxJobs:          c.Runner.MaxJobs,
		DelayBetweenJobs: delay,
		MaxRetryDelay:    maxRetry,
	}, nil
}

func (c *Config) RunnerServiceSettings() (runner.ServiceConfig, error) {
	poll, err := ParseDurationOrDefault("runner.poll_interval", c.Runner.PollInterval, 30*time.Second)
	if err != nil {
		return runner.ServiceConfig{}, err
	}
	return runner.ServiceConfig{
		Enabled:      c.Runner.Enabled,
		PollInterval: poll,
		CleanupDays:  c.Runner.CleanupDays,
	}, nil
}

// Validate resolves every section so a broken file is rejected before commit.
func (c *Config) Validate() error {
	switch d := c.StoreDriver(); d {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", d)
	}
	if c.StoreDriver() == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if _, err := c.SQLiteSettings(); err != nil {
		return err
	}
	if _, err := c.BreakerSettings(); err != nil {
		return err
	}
	if _, err := c.RunnerSettings(); err != nil {
		return err
	}
	if _, err := c.RunnerServiceSettings(); err != nil {
		return err
	}
	return nil
}
