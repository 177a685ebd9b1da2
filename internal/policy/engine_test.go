package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
)

const secretsPolicy = `package rulegate.secrets

import rego.v1

deny contains msg if {
    endswith(input.target, ".env")
    msg := sprintf("secrets file %s must not be touched", [input.target])
}

warn contains msg if {
    input.tool == "execute"
    contains(input.command, "printenv")
    msg := "command prints the environment"
}
`

const migrationsPolicy = `package rulegate.migrations

import rego.v1

deny contains msg if {
    input.tool in {"edit", "write"}
    rulegate.glob_match("migrations/**", input.target)
    not "database" in input.tags
    msg := "migrations change without database intent"
}
`

func newTestEngine(t *testing.T, policies ...string) *Engine {
	t.Helper()
	fs := afero.NewMemMapFs()
	var files []*PolicyFile
	for i, src := range policies {
		f, err := NewPolicyFile("/project/.rulegate/policies/p"+string(rune('0'+i))+".rego", src)
		if err != nil {
			t.Fatalf("NewPolicyFile() error = %v", err)
		}
		files = append(files, f)
	}
	return NewEngineWithPolicies("/project", fs, files)
}

func TestEngine_Evaluate(t *testing.T) {
	engine := newTestEngine(t, secretsPolicy, migrationsPolicy)

	tests := []struct {
		name       string
		policy     string
		input      Input
		wantDenied int
		wantWarn   int
	}{
		{
			name:       "env file denied",
			policy:     "secrets",
			input:      Input{Tool: "edit", Target: "config/.env"},
			wantDenied: 1,
		},
		{
			name:   "regular file allowed",
			policy: "secrets",
			input:  Input{Tool: "edit", Target: "main.go"},
		},
		{
			name:     "warning only",
			policy:   "secrets",
			input:    Input{Tool: "execute", Command: "printenv | grep KEY"},
			wantWarn: 1,
		},
		{
			name:       "migration without intent",
			policy:     "migrations",
			input:      Input{Tool: "edit", Target: "migrations/001_init.sql", Tags: []string{}},
			wantDenied: 1,
		},
		{
			name:   "migration with database intent",
			policy: "migrations",
			input:  Input{Tool: "edit", Target: "migrations/001_init.sql", Tags: []string{"database"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(context.Background(), tt.policy, tt.input)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if len(d.Denied) != tt.wantDenied {
				t.Errorf("Denied = %v, want %d messages", d.Denied, tt.wantDenied)
			}
			if len(d.Warnings) != tt.wantWarn {
				t.Errorf("Warnings = %v, want %d messages", d.Warnings, tt.wantWarn)
			}
			if d.Allowed() != (tt.wantDenied == 0) {
				t.Errorf("Allowed() = %v", d.Allowed())
			}
			if d.Package != "rulegate."+tt.policy {
				t.Errorf("Package = %q", d.Package)
			}
		})
	}
}

func TestEngine_Evaluate_UnknownPolicy(t *testing.T) {
	engine := newTestEngine(t, secretsPolicy)

	for _, name := range []string{"missing", "bad name", ""} {
		_, err := engine.Evaluate(context.Background(), name, Input{Tool: "edit"})
		if !errors.Is(err, ErrPolicyNotFound) {
			t.Errorf("Evaluate(%q) error = %v, want ErrPolicyNotFound", name, err)
		}
	}
}

func TestEngine_Names(t *testing.T) {
	engine := newTestEngine(t, secretsPolicy, migrationsPolicy, "package other\n")
	got := engine.Names()
	want := []string{"migrations", "secrets"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestEngine_Reload(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/project/.rulegate/policies"
	if err := afero.WriteFile(fs, dir+"/secrets.rego", []byte(secretsPolicy), 0644); err != nil {
		t.Fatal(err)
	}

	engine, err := NewEngine(EngineConfig{WorkDir: "/project", Fs: fs})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	d, err := engine.Evaluate(context.Background(), "secrets", Input{Tool: "edit", Target: ".env"})
	if err != nil || d.Allowed() {
		t.Fatalf("Evaluate() = %+v, %v; want denied", d, err)
	}

	relaxed := "package rulegate.secrets\n\nimport rego.v1\n\ndeny contains msg if {\n    false\n    msg := \"never\"\n}\n"
	if err := afero.WriteFile(fs, dir+"/secrets.rego", []byte(relaxed), 0644); err != nil {
		t.Fatal(err)
	}
	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	d, err = engine.Evaluate(context.Background(), "secrets", Input{Tool: "edit", Target: ".env"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Allowed() {
		t.Errorf("after reload Denied = %v, want none", d.Denied)
	}
}

func TestValidatePolicy(t *testing.T) {
	if err := ValidatePolicy(context.Background(), secretsPolicy); err != nil {
		t.Errorf("ValidatePolicy(valid) error = %v", err)
	}
	if err := ValidatePolicy(context.Background(), "package rulegate.x\n\ndeny contains msg if {"); err == nil {
		t.Error("ValidatePolicy(invalid) returned nil")
	}
}
