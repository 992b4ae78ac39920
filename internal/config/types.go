package config

import "path/filepath"

// Config is the full configuration surface.
//
// All durations are Go duration strings (e.g. "30s", "10m"). Empty fields
// fall back to the defaults documented per field.
type Config struct {
	// RuntimeDir holds one lock marker per job name.
	RuntimeDir string `json:"runtime_dir,omitempty"`
	// LogDir holds one subdirectory per job name with timestamped run logs.
	LogDir string `json:"log_dir,omitempty"`
	// SnapshotDir holds the fetched CLI documents (one file per job).
	SnapshotDir string `json:"snapshot_dir,omitempty"`

	Logging LoggingConfig `json:"logging"`

	// Debug raises the log level to debug everywhere.
	Debug bool `json:"debug,omitempty"`

	// SolanaCLI is the external data source binary. Default: "solana" ($PATH).
	SolanaCLI string `json:"solana_cli,omitempty"`

	Storage StorageConfig `json:"storage"`
	Scan    ScanConfig    `json:"scan"`

	// Jobs overrides per-job settings, keyed by job name.
	Jobs map[string]JobConfig `json:"jobs,omitempty"`

	Daemon DaemonConfig `json:"daemon,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	// Keep is the per-job log file retention count. Default: 10.
	Keep int `json:"keep,omitempty"`
}

// StorageConfig controls the findings sink.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free JSONL backend for diagnostics
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ScanConfig controls the concurrent scan engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 100
//   - target_timeout: "30s"
//   - batch_size: 50
//   - progress_every: 100 targets
//   - progress_interval: "30s"
//   - rate_per_sec: 0 (disabled)
//   - ports: a small sweep of common service ports
type ScanConfig struct {
	Workers          int    `json:"workers,omitempty"`
	TargetTimeout    string `json:"target_timeout,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	ProgressEvery    int    `json:"progress_every,omitempty"`
	ProgressInterval string `json:"progress_interval,omitempty"`
	// RatePerSec caps probe starts per second. 0 disables the limiter.
	RatePerSec int   `json:"rate_per_sec,omitempty"`
	Ports      []int `json:"ports,omitempty"`
	// MinStakeSol restricts targets to identities whose latest activated
	// stake is at least this many SOL. 0 scans every peer with an address.
	MinStakeSol int `json:"min_stake_sol,omitempty"`
}

// JobConfig overrides one job's defaults.
//
// Timeout default is 600s for collection jobs and 1800s for portscan.
// Schedule is a cron spec used only by daemon mode.
type JobConfig struct {
	Timeout  string `json:"timeout,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type DaemonConfig struct {
	// Timezone for cron schedules, IANA name. Default: local.
	Timezone string `json:"timezone,omitempty"`
	// Watchdog enables systemd watchdog pings when running as a unit.
	Watchdog bool `json:"watchdog,omitempty"`
}

// Default returns a config with every field at its documented default,
// rooted under baseDir.
func Default(baseDir string) *Config {
	return &Config{
		RuntimeDir:  filepath.Join(baseDir, "run"),
		LogDir:      filepath.Join(baseDir, "logs"),
		SnapshotDir: filepath.Join(baseDir, "snapshots"),
		Logging:     LoggingConfig{Level: "info", Console: true, Keep: 10},
		SolanaCLI:   "solana",
		Storage:     StorageConfig{Driver: "sqlite", Path: filepath.Join(baseDir, "valmon.db")},
		Scan:        ScanConfig{Workers: 100, TargetTimeout: "30s", BatchSize: 50, ProgressEvery: 100, ProgressInterval: "30s"},
	}
}

// Normalize fills empty fields from Default(baseDir) so callers never see
// zero paths or a zero retention count.
func (c *Config) Normalize(baseDir string) {
	def := Default(baseDir)
	if c.RuntimeDir == "" {
		c.RuntimeDir = def.RuntimeDir
	}
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = def.SnapshotDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Debug {
		c.Logging.Level = "debug"
	}
	if c.Logging.Keep <= 0 {
		c.Logging.Keep = def.Logging.Keep
	}
	if c.SolanaCLI == "" {
		c.SolanaCLI = def.SolanaCLI
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Scan.Workers <= 0 {
		c.Scan.Workers = def.Scan.Workers
	}
	if c.Scan.TargetTimeout == "" {
		c.Scan.TargetTimeout = def.Scan.TargetTimeout
	}
	if c.Scan.BatchSize <= 0 {
		c.Scan.BatchSize = def.Scan.BatchSize
	}
	if c.Scan.ProgressEvery <= 0 {
		c.Scan.ProgressEvery = def.Scan.ProgressEvery
	}
	if c.Scan.ProgressInterval == "" {
		c.Scan.ProgressInterval = def.Scan.ProgressInterval
	}
}

// Job returns the per-job overrides, zero value if absent.
func (c *Config) Job(name string) JobConfig {
	if c.Jobs == nil {
		return JobConfig{}
	}
	return c.Jobs[name]
}
