package gate

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/policy"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

const root = "/proj"

func checkRule(check string, args ...string) *rules.Rule {
	return &rules.Rule{ID: "R-0001", AlertLevel: rules.LevelCritical, Check: check, CheckArgs: args, Status: rules.StatusActive}
}

func writeFiles(t *testing.T, fs afero.Fs, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x\n"), 0o644))
	}
}

func input(fs afero.Fs, rule *rules.Rule, tool session.Tool, target, command string) CheckInput {
	return CheckInput{
		Rule:    rule,
		Context: session.Context{Tool: tool, Target: target, Command: command},
		Root:    root,
		Fs:      fs,
	}
}

func TestTestsExist(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		"/proj/pkg/widget.go",
		"/proj/pkg/tested.go", "/proj/pkg/tested_test.go",
		"/proj/app/views.py", "/proj/tests/test_views.py",
		"/proj/web/button.tsx", "/proj/web/__tests__/button.test.tsx",
		"/proj/lib/engine.rs",
		"/proj/other/gadget.go", "/proj/specs/unit/gadget_spec.go",
	)
	require.NoError(t, afero.WriteFile(fs, "/proj/src/inline.rs", []byte("fn f() {}\n#[cfg(test)]\nmod tests {}\n"), 0o644))

	check := &testsExist{globs: []string{"specs/**/{name}_spec.{ext}"}}
	rule := checkRule(rules.CheckTestsExist)

	tests := []struct {
		name           string
		tool           session.Tool
		target         string
		wantApplicable bool
		wantPassed     bool
	}{
		{"go file without test", session.ToolEdit, "pkg/widget.go", true, false},
		{"go file with test", session.ToolEdit, "pkg/tested.go", true, true},
		{"absolute path", session.ToolWrite, "/proj/pkg/tested.go", true, true},
		{"editing the test itself", session.ToolEdit, "pkg/tested_test.go", true, true},
		{"python test in tests dir", session.ToolEdit, "app/views.py", true, true},
		{"jest test in __tests__", session.ToolEdit, "web/button.tsx", true, true},
		{"rust without tests", session.ToolEdit, "lib/engine.rs", true, false},
		{"rust inline tests", session.ToolEdit, "src/inline.rs", true, true},
		{"configured glob", session.ToolEdit, "other/gadget.go", true, true},
		{"not a source file", session.ToolEdit, "README.md", false, false},
		{"read only", session.ToolRead, "pkg/widget.go", false, false},
		{"no target", session.ToolEdit, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := check.Run(context.Background(), input(fs, rule, tt.tool, tt.target, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplicable, res.Applicable, res.Note)
			assert.Equal(t, tt.wantPassed, res.Passed, res.Note)
		})
	}

	res, err := check.Run(context.Background(), input(fs, rule, session.ToolEdit, "pkg/widget.go", ""))
	require.NoError(t, err)
	assert.Equal(t, "add pkg/widget_test.go", res.Suggestion)
}

func TestIsTestFile(t *testing.T) {
	for _, p := range []string{"a_test.go", "test_a.py", "a.spec.ts", "a.test.js", "src/test/FooTest.java", "spec/models/user_spec.rb", "tests/it.rs"} {
		assert.True(t, isTestFile(p), p)
	}
	for _, p := range []string{"a.go", "latest.py", "contest/a.go", "src/main/Foo.java"} {
		assert.False(t, isTestFile(p), p)
	}
}

func TestBackupExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs,
		"/proj/config.yaml",
		"/proj/settings.toml", "/proj/settings.toml.bak",
		"/proj/schema.sql", "/proj/.rulegate/backups/schema.sql.20260301",
		"/proj/data.db",
		"/proj/a.txt", "/proj/a.txt.orig",
		"/proj/app.go", "/proj/.rulegate/backups/app.golden",
		"/proj/main.go", "/proj/.rulegate/backups/main.go-20260301",
	)
	check := &backupExists{dir: ".rulegate/backups"}
	rule := checkRule(rules.CheckBackupExists)

	tests := []struct {
		name           string
		tool           session.Tool
		target         string
		command        string
		wantApplicable bool
		wantPassed     bool
	}{
		{"edit without backup", session.ToolEdit, "config.yaml", "", true, false},
		{"edit with .bak", session.ToolEdit, "settings.toml", "", true, true},
		{"edit with backup dir copy", session.ToolWrite, "schema.sql", "", true, true},
		{"unrelated file sharing a prefix", session.ToolEdit, "app.go", "", true, false},
		{"timestamped backup dir copy", session.ToolEdit, "main.go", "", true, true},
		{"new file", session.ToolWrite, "fresh.go", "", false, false},
		{"rm without backup", session.ToolExecute, "", "rm -f data.db", true, false},
		{"mv source backed up", session.ToolExecute, "", "mv a.txt config.yaml", true, true},
		{"rm of missing file", session.ToolExecute, "", "rm -rf build/", false, false},
		{"harmless command", session.ToolExecute, "", "ls -la", false, false},
		{"read", session.ToolRead, "config.yaml", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := check.Run(context.Background(), input(fs, rule, tt.tool, tt.target, tt.command))
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplicable, res.Applicable, res.Note)
			assert.Equal(t, tt.wantPassed, res.Passed, res.Note)
		})
	}
}

func TestIsBackupName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"app.go", true},
		{"app.go.bak", true},
		{"app.go-20260301", true},
		{"app.go_1", true},
		{"app.golden", false},
		{"app.gox", false},
		{"other.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isBackupName(tt.name, "app.go"), tt.name)
	}
}

func TestDestructiveTargets(t *testing.T) {
	tests := []struct {
		command string
		want    []string
	}{
		{"rm -rf build dist", []string{"build", "dist"}},
		{"mv old.txt new.txt", []string{"old.txt"}},
		{"make && rm 'out.log'", []string{"out.log"}},
		{"/bin/rm a; echo done", []string{"a"}},
		{"go test ./...", nil},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, destructiveTargets(tt.command))
		})
	}
}

func TestToolAvailable(t *testing.T) {
	check := &toolAvailable{lookPath: func(name string) (string, error) {
		if name == "golangci-lint" {
			return "/usr/bin/golangci-lint", nil
		}
		return "", exec.ErrNotFound
	}}
	fs := afero.NewMemMapFs()

	res, err := check.Run(context.Background(), input(fs, checkRule(rules.CheckToolAvailable, "golangci-lint run"), session.ToolExecute, "", "make"))
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = check.Run(context.Background(), input(fs, checkRule(rules.CheckToolAvailable, "golangci-lint", "shellcheck"), session.ToolExecute, "", "make"))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "not installed: shellcheck", res.Note)

	_, err = check.Run(context.Background(), input(fs, checkRule(rules.CheckToolAvailable), session.ToolExecute, "", "make"))
	assert.ErrorIs(t, err, ErrCheckArgs)
}

func TestPathProtected(t *testing.T) {
	fs := afero.NewMemMapFs()
	rule := checkRule(rules.CheckPathProtected, "migrations/**", "**/*.pem")

	tests := []struct {
		name           string
		tool           session.Tool
		target         string
		command        string
		wantApplicable bool
		wantPassed     bool
	}{
		{"edit protected", session.ToolEdit, "/proj/migrations/001_init.sql", "", true, false},
		{"edit elsewhere", session.ToolEdit, "src/main.go", "", true, true},
		{"key anywhere", session.ToolWrite, "deploy/certs/server.pem", "", true, false},
		{"command touching protected path", session.ToolExecute, "", "rm -f migrations/002.sql", true, false},
		{"command without paths", session.ToolExecute, "", "make", false, false},
		{"read", session.ToolRead, "migrations/001_init.sql", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := pathProtected{}.Run(context.Background(), input(fs, rule, tt.tool, tt.target, tt.command))
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplicable, res.Applicable, res.Note)
			assert.Equal(t, tt.wantPassed, res.Passed, res.Note)
		})
	}

	_, err := pathProtected{}.Run(context.Background(), input(fs, checkRule(rules.CheckPathProtected, "[bad"), session.ToolEdit, "a.go", ""))
	assert.Error(t, err)
}

type fakePolicies struct {
	decision *policy.Decision
	err      error
	got      policy.Input
}

func (f *fakePolicies) Evaluate(_ context.Context, name string, in policy.Input) (*policy.Decision, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	d := *f.decision
	d.Policy = name
	return &d, nil
}

func TestCheckRegistryLookup(t *testing.T) {
	reg, err := DefaultChecks(ChecksConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_exists", "expr", "path_protected", "tests_exist", "tool_available"}, reg.Categories())

	_, ok := reg.Lookup("lint_clean")
	assert.False(t, ok)
	_, ok = reg.Lookup("policy:secrets")
	assert.False(t, ok, "no evaluator configured")

	reg.SetPolicyEvaluator(&fakePolicies{decision: &policy.Decision{}})
	c, ok := reg.Lookup("policy:secrets")
	require.True(t, ok)
	assert.IsType(t, &policyCheck{}, c)
	_, ok = reg.Lookup("policy:")
	assert.False(t, ok)
}

func TestDefaultChecksRejectsBadExpression(t *testing.T) {
	_, err := DefaultChecks(ChecksConfig{Expressions: map[string]string{"broken": "tool =="}})
	assert.Error(t, err)
}

func TestPolicyCheck(t *testing.T) {
	fs := afero.NewMemMapFs()
	rule := checkRule("policy:secrets")
	in := input(fs, rule, session.ToolEdit, "/proj/.env", "")

	deny := &fakePolicies{decision: &policy.Decision{Denied: []string{"secrets file .env must not be touched"}, Warnings: []string{"rotate keys"}}}
	res, err := (&policyCheck{name: "secrets", eval: deny}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Applicable)
	assert.False(t, res.Passed)
	assert.Equal(t, "secrets file .env must not be touched", res.Note)
	assert.Equal(t, "rotate keys", res.Suggestion)
	assert.Equal(t, ".env", deny.got.Target)
	require.NotNil(t, deny.got.Rule)
	assert.Equal(t, "R-0001", deny.got.Rule.ID)

	allow := &fakePolicies{decision: &policy.Decision{}}
	res, err = (&policyCheck{name: "secrets", eval: allow}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	broken := &fakePolicies{err: errors.New("rego compile error")}
	_, err = (&policyCheck{name: "secrets", eval: broken}).Run(context.Background(), in)
	assert.Error(t, err)
}
