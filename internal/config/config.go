package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the decoded rulegate configuration.
type Config struct {
	Registry    RegistryConfig    `mapstructure:"registry"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Session     SessionConfig     `mapstructure:"session"`
	Checks      ChecksConfig      `mapstructure:"checks"`
	Gate        GateConfig        `mapstructure:"gate"`
	Policies    PoliciesConfig    `mapstructure:"policies"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

type RegistryConfig struct {
	// Document is the policy document, relative to the project root.
	Document string `mapstructure:"document" validate:"required"`
	// BackupDir is relative to the state directory.
	BackupDir string `mapstructure:"backup_dir" validate:"required"`
}

type StorageConfig struct {
	// Path is the sqlite database, relative to the state directory.
	Path string `mapstructure:"path" validate:"required"`
}

type ScoringConfig struct {
	Floor           float64       `mapstructure:"floor" validate:"gt=0,lte=1"`
	StalenessWindow time.Duration `mapstructure:"staleness_window" validate:"gt=0"`
	UsageSaturation int64         `mapstructure:"usage_saturation" validate:"gt=0"`
}

type SessionConfig struct {
	DefaultPhase string `mapstructure:"default_phase" validate:"required"`
	GitSignals   bool   `mapstructure:"git_signals"`
	HistoryDepth int    `mapstructure:"history_depth" validate:"gte=0,lte=200"`
	// PhaseFile is relative to the state directory.
	PhaseFile string `mapstructure:"phase_file"`
}

type ChecksConfig struct {
	Timeout     time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	Parallelism int               `mapstructure:"parallelism" validate:"gte=1,lte=64"`
	TestGlobs   []string          `mapstructure:"test_globs"`
	Expressions map[string]string `mapstructure:"expressions" validate:"dive,keys,required,endkeys,required"`
}

type GateConfig struct {
	// Budget is the soft target for one evaluation; exceeding it is logged.
	Budget time.Duration `mapstructure:"budget" validate:"gt=0"`
}

type PoliciesConfig struct {
	// Dir overrides .rulegate/policies.
	Dir string `mapstructure:"dir"`
}

type MaintenanceConfig struct {
	StaleWindow         time.Duration `mapstructure:"stale_window" validate:"gt=0"`
	EffectivenessWindow time.Duration `mapstructure:"effectiveness_window" validate:"gt=0"`
	EffectivenessFloor  float64       `mapstructure:"effectiveness_floor" validate:"gt=0,lte=1"`
	MinEvents           int           `mapstructure:"min_events" validate:"gte=1"`
	Interval            time.Duration `mapstructure:"interval" validate:"gte=1m"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"gte=1,lte=65535"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// File, when set, receives JSON logs in addition to stderr.
	File string `mapstructure:"file"`
}

// validate caches struct metadata between calls.
var validate = validator.New()

// SetDefaults registers every default on v so env vars and files override them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("registry.document", d.Registry.Document)
	v.SetDefault("registry.backup_dir", d.Registry.BackupDir)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("scoring.floor", d.Scoring.Floor)
	v.SetDefault("scoring.staleness_window", d.Scoring.StalenessWindow)
	v.SetDefault("scoring.usage_saturation", d.Scoring.UsageSaturation)
	v.SetDefault("session.default_phase", d.Session.DefaultPhase)
	v.SetDefault("session.git_signals", d.Session.GitSignals)
	v.SetDefault("session.history_depth", d.Session.HistoryDepth)
	v.SetDefault("session.phase_file", d.Session.PhaseFile)
	v.SetDefault("checks.timeout", d.Checks.Timeout)
	v.SetDefault("checks.parallelism", d.Checks.Parallelism)
	v.SetDefault("checks.test_globs", d.Checks.TestGlobs)
	v.SetDefault("checks.expressions", d.Checks.Expressions)
	v.SetDefault("gate.budget", d.Gate.Budget)
	v.SetDefault("policies.dir", "")
	v.SetDefault("maintenance.stale_window", d.Maintenance.StaleWindow)
	v.SetDefault("maintenance.effectiveness_window", d.Maintenance.EffectivenessWindow)
	v.SetDefault("maintenance.effectiveness_floor", d.Maintenance.EffectivenessFloor)
	v.SetDefault("maintenance.min_events", d.Maintenance.MinEvents)
	v.SetDefault("maintenance.interval", d.Maintenance.Interval)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required fields. Field errors are reported with
// their config keys.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", configKey(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var fieldKeys = map[string]string{
	"Registry": "registry", "Storage": "storage", "Scoring": "scoring", "Session": "session",
	"Checks": "checks", "Gate": "gate", "Policies": "policies", "Maintenance": "maintenance",
	"Server": "server", "Log": "log",
	"Document": "document", "BackupDir": "backup_dir", "Path": "path",
	"Floor": "floor", "StalenessWindow": "staleness_window", "UsageSaturation": "usage_saturation",
	"DefaultPhase": "default_phase", "HistoryDepth": "history_depth",
	"Timeout": "timeout", "Parallelism": "parallelism", "Expressions": "expressions",
	"Budget": "budget", "StaleWindow": "stale_window", "EffectivenessWindow": "effectiveness_window",
	"EffectivenessFloor": "effectiveness_floor", "MinEvents": "min_events", "Interval": "interval",
	"Host": "host", "Port": "port", "Level": "level",
}

// configKey turns "Config.Scoring.Floor" into "scoring.floor".
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		if k, ok := fieldKeys[p]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, ".")
}
