package policy

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

func TestFileLineCountImpl(t *testing.T) {
	fs := afero.NewMemMapFs()
	bc := &BuiltinContext{WorkDir: "/project", Fs: fs}
	_ = afero.WriteFile(fs, "/project/main.go", []byte("line1\nline2\nline3"), 0644)
	_ = afero.WriteFile(fs, "/project/empty.go", nil, 0644)

	tests := []struct {
		path string
		want int
	}{
		{"main.go", 3},
		{"/project/main.go", 3},
		{"empty.go", 0},
		{"missing.go", -1},
	}
	for _, tt := range tests {
		if got := fileLineCountImpl(bc, tt.path); got != tt.want {
			t.Errorf("fileLineCountImpl(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
}

func TestHasPatternImpl(t *testing.T) {
	fs := afero.NewMemMapFs()
	bc := &BuiltinContext{WorkDir: "/project", Fs: fs}
	_ = afero.WriteFile(fs, "/project/config.go", []byte(`apiKey := "sk-123"`), 0644)

	tests := []struct {
		path, pattern string
		want          bool
	}{
		{"config.go", `sk-[0-9]+`, true},
		{"config.go", `password`, false},
		{"config.go", `[`, false},
		{"missing.go", `.*`, false},
	}
	for _, tt := range tests {
		if got := hasPatternImpl(bc, tt.path, tt.pattern); got != tt.want {
			t.Errorf("hasPatternImpl(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
	}
}

func TestBuiltins_InPolicy(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/project/internal/app.go", []byte("package app\n"), 0644)
	_ = afero.WriteFile(fs, "/project/go.mod", []byte("module x\n"), 0644)

	src := `package rulegate.tests

import rego.v1

deny contains msg if {
    endswith(input.target, ".go")
    not endswith(input.target, "_test.go")
    test := concat("", [trim_suffix(input.target, ".go"), "_test.go"])
    not rulegate.file_exists(test)
    msg := sprintf("%s has no test file", [input.target])
}

warn contains msg if {
    input.project_type != "go"
    msg := "not a go project"
}
`
	f, err := NewPolicyFile("/project/.rulegate/policies/tests.rego", src)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngineWithPolicies("/project", fs, []*PolicyFile{f})

	sc := session.Context{Tool: session.ToolEdit, Target: "/project/internal/app.go"}
	rule := &rules.Rule{ID: "R-0001", AlertLevel: rules.LevelCritical}
	d, err := engine.Evaluate(context.Background(), "tests", BuildInput(sc, rule, "/project", fs))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(d.Denied) != 1 {
		t.Errorf("Denied = %v, want 1", d.Denied)
	}
	if len(d.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none for a go project", d.Warnings)
	}

	_ = afero.WriteFile(fs, "/project/internal/app_test.go", []byte("package app\n"), 0644)
	engine = NewEngineWithPolicies("/project", fs, []*PolicyFile{f})
	d, err = engine.Evaluate(context.Background(), "tests", BuildInput(sc, rule, "/project", fs))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Allowed() {
		t.Errorf("Denied = %v after adding the test file", d.Denied)
	}
}
