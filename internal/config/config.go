package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DSN            string   `yaml:"dsn"`
	UndoDir        string   `yaml:"undo_dir"`
	LedgerTable    string   `yaml:"ledger_table"`
	Dialect        string   `yaml:"dialect"`
	LogMode        string   `yaml:"log_mode"`
	LockTimeoutSec int      `yaml:"lock_timeout_sec"`
	Environment    string   `yaml:"environment"`
	NoopVersions   []string `yaml:"noop_versions"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
	Audit    AuditConfig    `yaml:"audit"`
	Safety   SafetyConfig   `yaml:"safety"`
	Rollback RollbackConfig `yaml:"rollback"`
}

type SnapshotConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	RetentionDays     int    `yaml:"retention_days"`
	ParallelThreshold int    `yaml:"parallel_threshold"`
	Workers           int    `yaml:"workers"`
}

type AuditConfig struct {
	Table string `yaml:"table"`
}

type SafetyConfig struct {
	BusinessHoursStart string   `yaml:"business_hours_start"`
	BusinessHoursEnd   string   `yaml:"business_hours_end"`
	LongTxSeconds      int      `yaml:"long_tx_seconds"`
	MaxConnections     int      `yaml:"max_connections"`
	ProtectedTables    []string `yaml:"protected_tables"`
	ProductionMarkers  []string `yaml:"production_markers"`
}

type RollbackConfig struct {
	TimeoutMinutes       int  `yaml:"timeout_minutes"`
	AutoRestoreOnFailure bool `yaml:"auto_restore_on_failure"`
}

func Default() *Config {
	return &Config{
		UndoDir:        "./undo",
		LedgerTable:    "schema_version_history",
		Dialect:        "mysql",
		LockTimeoutSec: 30,
		Snapshot: SnapshotConfig{
			Enabled:           true,
			Dir:               "./snapshots",
			RetentionDays:     7,
			ParallelThreshold: 10,
			Workers:           4,
		},
		Audit: AuditConfig{
			Table: "rollback_audit",
		},
		Safety: SafetyConfig{
			BusinessHoursStart: "09:00",
			BusinessHoursEnd:   "17:00",
			LongTxSeconds:      300,
			MaxConnections:     50,
			ProductionMarkers:  []string{"prod", "production"},
		},
		Rollback: RollbackConfig{
			TimeoutMinutes:       30,
			AutoRestoreOnFailure: true,
		},
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MergeEnv(cfg *Config) *Config {
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("UNDO_DIR"); v != "" {
		cfg.UndoDir = v
	}
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("LEDGER_TABLE"); v != "" {
		cfg.LedgerTable = v
	}
	if v := os.Getenv("AUDIT_TABLE"); v != "" {
		cfg.Audit.Table = v
	}
	if v := os.Getenv("ROLLBACK_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("LOCK_TIMEOUT_SEC"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = i
		}
	}
	if v := os.Getenv("ROLLBACK_TIMEOUT_MIN"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Rollback.TimeoutMinutes = i
		}
	}
	return cfg
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}

func (c *Config) ExecTimeout() time.Duration {
	if c.Rollback.TimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Rollback.TimeoutMinutes) * time.Minute
}

// IsNoopVersion reports whether a version is whitelisted as requiring no undo
// action. Versions on this list may be rolled past without an undo script.
func (c *Config) IsNoopVersion(version string) bool {
	for _, v := range c.NoopVersions {
		if strings.EqualFold(v, version) {
			return true
		}
	}
	return false
}
