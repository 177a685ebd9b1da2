package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/josephgoksu/rulegate/internal/project"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Defaults()
	if cfg.Scoring.Floor != want.Scoring.Floor {
		t.Errorf("floor = %v, want %v", cfg.Scoring.Floor, want.Scoring.Floor)
	}
	if cfg.Checks.Timeout != 2*time.Second {
		t.Errorf("checks.timeout = %v, want 2s", cfg.Checks.Timeout)
	}
	if cfg.Maintenance.StaleWindow != 30*24*time.Hour {
		t.Errorf("maintenance.stale_window = %v", cfg.Maintenance.StaleWindow)
	}
	if cfg.Registry.Document != "policy.md" {
		t.Errorf("registry.document = %q", cfg.Registry.Document)
	}
	if !cfg.Session.GitSignals {
		t.Error("session.git_signals should default to true")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	v := newViper()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
scoring:
  floor: 0.65
checks:
  timeout: 500ms
  test_globs: ["spec/**/{name}_spec.{ext}"]
  expressions:
    no_force_push: '!command.contains("--force")'
`))
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	t.Setenv("RULEGATE_SERVER_PORT", "9090")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scoring.Floor != 0.65 {
		t.Errorf("floor = %v, want 0.65", cfg.Scoring.Floor)
	}
	if cfg.Checks.Timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", cfg.Checks.Timeout)
	}
	if len(cfg.Checks.TestGlobs) != 1 {
		t.Errorf("test_globs = %v", cfg.Checks.TestGlobs)
	}
	if cfg.Checks.Expressions["no_force_push"] == "" {
		t.Errorf("expressions = %v", cfg.Checks.Expressions)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090 from env", cfg.Server.Port)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantKey string
	}{
		{"floor above one", "scoring.floor", 1.5, "scoring.floor"},
		{"zero timeout", "checks.timeout", "0s", "checks.timeout"},
		{"too many workers", "checks.parallelism", 500, "checks.parallelism"},
		{"unknown log level", "log.level", "loud", "log.level"},
		{"port out of range", "server.port", 70000, "server.port"},
		{"tiny maintenance interval", "maintenance.interval", "1s", "maintenance.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q does not name %s", err, tt.wantKey)
			}
		})
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := Defaults()
	cfg.Policies.Dir = "ops/policies"
	p := ResolvePaths("/proj", &cfg)

	checks := map[string][2]string{
		"state":    {p.StateDir, "/proj/.rulegate"},
		"config":   {p.Config, "/proj/.rulegate/config.yaml"},
		"document": {p.Document, "/proj/policy.md"},
		"storage":  {p.Storage, "/proj/.rulegate/rulegate.db"},
		"backups":  {p.BackupDir, "/proj/.rulegate/backups"},
		"spool":    {p.SpoolDir, "/proj/.rulegate/spool"},
		"policies": {p.PoliciesDir, "/proj/ops/policies"},
		"phase":    {p.PhaseFile, "/proj/.rulegate/phase"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s path = %q, want %q", name, c[0], c[1])
		}
	}

	cfg.Storage.Path = "/var/lib/rulegate.db"
	if got := ResolvePaths("/proj", &cfg).Storage; got != "/var/lib/rulegate.db" {
		t.Errorf("absolute storage path rewritten to %q", got)
	}
}

func TestProjectContext(t *testing.T) {
	ClearProjectContext()
	defer ClearProjectContext()

	if err := SetProjectContext(nil); err == nil {
		t.Fatal("expected error for nil context")
	}
	if _, err := GetProjectRoot(); !errors.Is(err, ErrProjectContextNotSet) {
		t.Errorf("expected ErrProjectContextNotSet, got %v", err)
	}

	if err := SetProjectContext(&project.Context{RootPath: ""}); err != nil {
		t.Fatalf("SetProjectContext() error = %v", err)
	}
	if _, err := GetProjectRoot(); err == nil {
		t.Error("expected error for empty root path")
	}

	_ = SetProjectContext(&project.Context{RootPath: "/my/project"})
	dir, err := GetStateDir()
	if err != nil {
		t.Fatalf("GetStateDir() error = %v", err)
	}
	if dir != "/my/project/.rulegate" {
		t.Errorf("GetStateDir() = %q", dir)
	}
}

func TestQuoteYAMLValue(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "simple"},
		{"has:colon", `"has:colon"`},
		{"has space", `"has space"`},
		{`has"quote`, `"has\"quote"`},
		{"has\nnewline", `"has\nnewline"`},
		{`has\backslash`, `has\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := quoteYAMLValue(tt.input); got != tt.want {
			t.Errorf("quoteYAMLValue(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteProjectConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/proj/.rulegate/config.yaml"
	if err := WriteProjectConfig(fs, path, "docs/AGENT RULES.md", false); err != nil {
		t.Fatalf("WriteProjectConfig() error = %v", err)
	}
	if err := WriteProjectConfig(fs, path, "", false); !errors.Is(err, ErrConfigExists) {
		t.Errorf("second write error = %v, want ErrConfigExists", err)
	}

	data, _ := afero.ReadFile(fs, path)
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("template does not validate: %v", err)
	}
	if cfg.Registry.Document != "docs/AGENT RULES.md" {
		t.Errorf("document = %q", cfg.Registry.Document)
	}
	if cfg.Maintenance.Interval != time.Hour {
		t.Errorf("interval = %v", cfg.Maintenance.Interval)
	}
}

func TestSetValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/proj/.rulegate/config.yaml"
	if err := WriteProjectConfig(fs, path, "", false); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(fs, path, "scoring.floor", "0.7"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := SetValue(fs, path, "policies.dir", "ops/rego"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := SetValue(fs, path, "scoring.floor.x", "1"); err == nil {
		t.Error("expected error descending into a scalar")
	}
	if err := SetValue(fs, path, "scoring..floor", "1"); err == nil {
		t.Error("expected error for empty key segment")
	}

	data, _ := afero.ReadFile(fs, path)
	if !strings.Contains(string(data), "# rulegate project configuration") {
		t.Error("comments were dropped")
	}
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		t.Fatal(err)
	}
	if got := v.GetFloat64("scoring.floor"); got != 0.7 {
		t.Errorf("scoring.floor = %v, want 0.7", got)
	}
	if got := v.GetString("policies.dir"); got != "ops/rego" {
		t.Errorf("policies.dir = %q", got)
	}

	if err := SetValue(fs, "/fresh/config.yaml", "log.level", "debug"); err != nil {
		t.Fatalf("SetValue() on missing file error = %v", err)
	}
	if _, err := fs.Stat("/fresh/config.yaml"); os.IsNotExist(err) {
		t.Error("file not created")
	}
}
