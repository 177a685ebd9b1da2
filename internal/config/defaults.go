// Package config provides centralized configuration for rulegate.
// All default values are defined here as the single source of truth.
package config

import "time"

// Environment and file naming.
const (
	EnvPrefix      = "RULEGATE"
	ConfigFileName = "config.yaml"
)

// Registry defaults.
const (
	DefaultDocument  = "policy.md"
	DefaultBackupDir = "backups"
	DefaultStorage   = "rulegate.db"
)

// Scoring defaults.
const (
	DefaultFloor           = 0.5
	DefaultStalenessWindow = 720 * time.Hour
	DefaultUsageSaturation = 100
)

// Session defaults.
const (
	DefaultPhase        = "foundation"
	DefaultHistoryDepth = 10
	DefaultPhaseFile    = "phase"
)

// Check defaults.
const (
	DefaultCheckTimeout     = 2 * time.Second
	DefaultCheckParallelism = 4
	DefaultGateBudget       = 800 * time.Millisecond
)

// Maintenance defaults.
const (
	DefaultStaleWindow         = 720 * time.Hour
	DefaultEffectivenessWindow = 720 * time.Hour
	DefaultEffectivenessFloor  = 0.6
	DefaultMinEvents           = 5
	DefaultMaintenanceInterval = time.Hour
)

// Server defaults.
const (
	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 7777
)

// DefaultLogLevel is the slog level used without --verbose.
const DefaultLogLevel = "warn"

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Registry: RegistryConfig{
			Document:  DefaultDocument,
			BackupDir: DefaultBackupDir,
		},
		Storage: StorageConfig{Path: DefaultStorage},
		Scoring: ScoringConfig{
			Floor:           DefaultFloor,
			StalenessWindow: DefaultStalenessWindow,
			UsageSaturation: DefaultUsageSaturation,
		},
		Session: SessionConfig{
			DefaultPhase: DefaultPhase,
			GitSignals:   true,
			HistoryDepth: DefaultHistoryDepth,
			PhaseFile:    DefaultPhaseFile,
		},
		Checks: ChecksConfig{
			Timeout:     DefaultCheckTimeout,
			Parallelism: DefaultCheckParallelism,
			TestGlobs:   []string{},
			Expressions: map[string]string{},
		},
		Gate: GateConfig{Budget: DefaultGateBudget},
		Maintenance: MaintenanceConfig{
			StaleWindow:         DefaultStaleWindow,
			EffectivenessWindow: DefaultEffectivenessWindow,
			EffectivenessFloor:  DefaultEffectivenessFloor,
			MinEvents:           DefaultMinEvents,
			Interval:            DefaultMaintenanceInterval,
		},
		Server: ServerConfig{Host: DefaultServerHost, Port: DefaultServerPort},
		Log:    LogConfig{Level: DefaultLogLevel},
	}
}
