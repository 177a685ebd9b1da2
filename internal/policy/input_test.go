package policy

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

func TestBuildInput(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/repo/package.json", []byte("{}"), 0644)

	sc := session.Context{
		SessionID:  "s1",
		Tool:       session.ToolEdit,
		Target:     "/repo/src/index.ts",
		IntentTags: []string{"api"},
		Phase:      "implementation",
	}
	rule := &rules.Rule{ID: "R-0003", Section: "Security", AlertLevel: rules.LevelCritical, CheckArgs: []string{"src/**"}}

	in := BuildInput(sc, rule, "/repo", fs)
	if in.Target != "src/index.ts" {
		t.Errorf("Target = %q", in.Target)
	}
	if in.ProjectType != "node" {
		t.Errorf("ProjectType = %q", in.ProjectType)
	}
	if in.Rule == nil || in.Rule.ID != "R-0003" || in.Rule.Args[0] != "src/**" {
		t.Errorf("Rule = %+v", in.Rule)
	}

	cmd := BuildInput(session.Context{Tool: session.ToolExecute, Target: "rm -rf build", Command: "rm -rf build"}, nil, "/repo", nil)
	if cmd.Target != "rm -rf build" || cmd.Rule != nil || cmd.Tags == nil {
		t.Errorf("command input = %+v", cmd)
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		workDir, path, want string
	}{
		{"/repo", "/repo/a/b.go", "a/b.go"},
		{"/repo", "/elsewhere/b.go", "/elsewhere/b.go"},
		{"/repo", "./a/b.go", "a/b.go"},
		{"", `a\b.go`, "a/b.go"},
	}
	for _, tt := range tests {
		if got := RelativePath(tt.workDir, tt.path); got != tt.want {
			t.Errorf("RelativePath(%q, %q) = %q, want %q", tt.workDir, tt.path, got, tt.want)
		}
	}
}
