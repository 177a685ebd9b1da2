package policy

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/session"
)

// BuildInput assembles the Rego input for checking rule against sc. The
// target is made relative to workDir when it is an absolute path inside it.
func BuildInput(sc session.Context, rule *rules.Rule, workDir string, fs afero.Fs) Input {
	in := Input{
		SessionID: sc.SessionID,
		Tool:      string(sc.Tool),
		Target:    sc.Target,
		Command:   sc.Command,
		Phase:     sc.Phase,
		TaskType:  sc.TaskType,
		Tags:      append([]string{}, sc.IntentTags...),
	}
	if p := sc.TargetPath(); p != "" {
		in.Target = RelativePath(workDir, p)
	}
	if fs != nil && workDir != "" {
		in.ProjectType = DetectProjectType(workDir, fs)
	}
	if rule != nil {
		in.Rule = &RuleInput{
			ID:         rule.ID,
			Section:    rule.Section,
			Content:    rule.Content,
			AlertLevel: string(rule.AlertLevel),
			Args:       rule.CheckArgs,
		}
	}
	return in
}

var projectMarkers = []struct {
	file string
	kind string
}{
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"package.json", "node"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"composer.json", "php"},
}

// DetectProjectType returns the language of the project at workDir from its
// manifest files, or "".
func DetectProjectType(workDir string, fs afero.Fs) string {
	for _, m := range projectMarkers {
		if ok, _ := afero.Exists(fs, filepath.Join(workDir, m.file)); ok {
			return m.kind
		}
	}
	return ""
}

// NormalizePath converts to forward slashes and strips a leading "./".
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimPrefix(path, "./")
}

// RelativePath makes an absolute path relative to workDir when possible.
func RelativePath(workDir, path string) string {
	if workDir != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(workDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return NormalizePath(rel)
		}
	}
	return NormalizePath(path)
}
