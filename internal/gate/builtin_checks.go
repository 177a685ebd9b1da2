package gate

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/policy"
	"github.com/josephgoksu/rulegate/internal/session"
)

// testsExist passes when the edited source file has a test artifact.
type testsExist struct {
	globs []string
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true,
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
	".c": true, ".cc": true, ".cpp": true, ".cs": true, ".php": true, ".swift": true,
}

func (c *testsExist) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	tool := in.Context.Tool
	if tool != session.ToolEdit && tool != session.ToolWrite {
		return notApplicable("applies to file edits only"), nil
	}
	abs, rel := in.target()
	if abs == "" {
		return notApplicable("no target file"), nil
	}
	ext := filepath.Ext(abs)
	if !sourceExtensions[ext] {
		return notApplicable("not a source file"), nil
	}
	if isTestFile(rel) {
		return passed("target is a test file"), nil
	}

	root := in.root()
	candidates := testCandidates(abs, root)
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return CheckResult{}, err
		}
		if ok, _ := afero.Exists(in.Fs, cand); ok {
			return passed("found " + policy.RelativePath(root, cand)), nil
		}
	}
	if ext == ".rs" && hasInlineRustTests(in.Fs, abs) {
		return passed("inline #[cfg(test)] module"), nil
	}
	if match, err := c.globMatch(in.Fs, root, rel); err != nil {
		return CheckResult{}, err
	} else if match != "" {
		return passed("found " + match), nil
	}

	suggestion := "add a test for " + rel
	if len(candidates) > 0 {
		suggestion = "add " + policy.RelativePath(root, candidates[0])
	}
	return failed("no test artifact for "+rel, suggestion), nil
}

func (c *testsExist) globMatch(fs afero.Fs, root, rel string) (string, error) {
	if len(c.globs) == 0 || root == "" {
		return "", nil
	}
	ext := path.Ext(rel)
	replacer := strings.NewReplacer(
		"{name}", strings.TrimSuffix(path.Base(rel), ext),
		"{dir}", path.Dir(rel),
		"{ext}", strings.TrimPrefix(ext, "."),
	)
	fsys := afero.NewIOFS(afero.NewBasePathFs(fs, root))
	for _, g := range c.globs {
		pattern := path.Clean(replacer.Replace(g))
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return "", fmt.Errorf("test glob %q: %w", g, err)
		}
		for _, m := range matches {
			if m != rel {
				return m, nil
			}
		}
	}
	return "", nil
}

// isTestFile recognizes test files by the naming conventions of common
// languages and by test directories.
func isTestFile(rel string) bool {
	base := path.Base(rel)
	stem := strings.TrimSuffix(base, path.Ext(base))
	switch {
	case strings.HasSuffix(stem, "_test"), strings.HasSuffix(stem, "_spec"),
		strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"),
		strings.HasPrefix(stem, "test_"), strings.HasSuffix(stem, "Test"):
		return true
	}
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		switch seg {
		case "test", "tests", "__tests__", "spec":
			return true
		}
	}
	return false
}

// testCandidates lists the conventional test paths for a source file.
func testCandidates(abs, root string) []string {
	dir := filepath.Dir(abs)
	ext := filepath.Ext(abs)
	name := strings.TrimSuffix(filepath.Base(abs), ext)
	if root == "" {
		root = dir
	}

	switch ext {
	case ".go":
		return []string{filepath.Join(dir, name+"_test.go")}
	case ".py":
		return []string{
			filepath.Join(dir, "test_"+name+".py"),
			filepath.Join(dir, name+"_test.py"),
			filepath.Join(root, "tests", "test_"+name+".py"),
		}
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
		return []string{
			filepath.Join(dir, name+".test"+ext),
			filepath.Join(dir, name+".spec"+ext),
			filepath.Join(dir, "__tests__", name+".test"+ext),
		}
	case ".rb":
		rel := strings.TrimPrefix(policy.RelativePath(root, dir), "lib")
		return []string{
			filepath.Join(root, "spec", rel, name+"_spec.rb"),
			filepath.Join(root, "test", rel, name+"_test.rb"),
		}
	case ".java", ".kt":
		testDir := strings.Replace(dir, string(filepath.Separator)+filepath.Join("src", "main")+string(filepath.Separator),
			string(filepath.Separator)+filepath.Join("src", "test")+string(filepath.Separator), 1)
		return []string{filepath.Join(testDir, name+"Test"+ext)}
	case ".rs":
		return []string{filepath.Join(root, "tests", name+".rs")}
	default:
		return []string{
			filepath.Join(dir, name+"_test"+ext),
			filepath.Join(root, "tests", "test_"+name+ext),
			filepath.Join(root, "tests", name+"_test"+ext),
		}
	}
}

func hasInlineRustTests(fs afero.Fs, abs string) bool {
	data, err := afero.ReadFile(fs, abs)
	return err == nil && strings.Contains(string(data), "#[cfg(test)]")
}

// backupExists requires a backup before a destructive change: editing or
// overwriting an existing file, or an rm/mv style command.
type backupExists struct {
	dir string
}

var destructiveCommands = map[string]bool{
	"rm": true, "mv": true, "truncate": true, "shred": true, "unlink": true,
}

func (c *backupExists) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	root := in.root()
	switch in.Context.Tool {
	case session.ToolEdit, session.ToolWrite:
		abs, rel := in.target()
		if abs == "" {
			return notApplicable("no target file"), nil
		}
		if ok, _ := afero.Exists(in.Fs, abs); !ok {
			return notApplicable("new file, nothing to back up"), nil
		}
		if b := c.findBackup(in.Fs, root, abs); b != "" {
			return passed("backup " + policy.RelativePath(root, b)), nil
		}
		return failed("no backup of "+rel, "copy "+rel+" to "+rel+".bak first"), nil

	case session.ToolExecute:
		var missing []string
		seen := 0
		for _, p := range destructiveTargets(in.Context.Command) {
			if err := ctx.Err(); err != nil {
				return CheckResult{}, err
			}
			abs := p
			if !filepath.IsAbs(abs) && root != "" {
				abs = filepath.Join(root, p)
			}
			if ok, _ := afero.Exists(in.Fs, abs); !ok {
				continue
			}
			seen++
			if c.findBackup(in.Fs, root, abs) == "" {
				missing = append(missing, p)
			}
		}
		if seen == 0 {
			return notApplicable("command removes no existing file"), nil
		}
		if len(missing) > 0 {
			return failed("no backup of "+strings.Join(missing, ", "), "back up the files before running the command"), nil
		}
		return passed("all affected files have backups"), nil
	}
	return notApplicable("not a destructive action"), nil
}

func (c *backupExists) findBackup(fs afero.Fs, root, abs string) string {
	for _, suffix := range []string{".bak", ".orig", "~"} {
		if ok, _ := afero.Exists(fs, abs+suffix); ok {
			return abs + suffix
		}
	}
	if c.dir == "" {
		return ""
	}
	dir := c.dir
	if !filepath.IsAbs(dir) && root != "" {
		dir = filepath.Join(root, dir)
	}
	base := filepath.Base(abs)
	var found string
	_ = afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return filepath.SkipDir
		}
		if !info.IsDir() && isBackupName(info.Name(), base) {
			found = p
			return filepath.SkipDir
		}
		return nil
	})
	return found
}

// isBackupName reports whether name is base itself or base followed by a
// separator and a suffix, as in app.go.bak or app.go-20260301.
func isBackupName(name, base string) bool {
	rest, ok := strings.CutPrefix(name, base)
	if !ok {
		return false
	}
	return rest == "" || strings.ContainsRune(".-_~", rune(rest[0]))
}

// destructiveTargets returns the files an rm/mv style command would remove.
// For mv the final argument is the destination and is not included.
func destructiveTargets(command string) []string {
	var out []string
	fields := strings.Fields(command)
	for i := 0; i < len(fields); i++ {
		verb := filepath.Base(fields[i])
		if !destructiveCommands[verb] {
			continue
		}
		var args []string
		for i++; i < len(fields); i++ {
			f := fields[i]
			if f == "&&" || f == "||" || f == ";" || f == "|" {
				break
			}
			last := strings.HasSuffix(f, ";")
			f = strings.TrimSuffix(f, ";")
			if f != "" && !strings.HasPrefix(f, "-") {
				args = append(args, strings.Trim(f, `"'`))
			}
			if last {
				break
			}
		}
		if verb == "mv" && len(args) > 1 {
			args = args[:len(args)-1]
		}
		out = append(out, args...)
	}
	return out
}

// toolAvailable passes when every named executable resolves in PATH.
type toolAvailable struct {
	lookPath func(string) (string, error)
}

func (c *toolAvailable) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	if len(in.Rule.CheckArgs) == 0 {
		return CheckResult{}, ErrCheckArgs
	}
	var missing []string
	for _, arg := range in.Rule.CheckArgs {
		if err := ctx.Err(); err != nil {
			return CheckResult{}, err
		}
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			continue
		}
		if _, err := c.lookPath(fields[0]); err != nil {
			missing = append(missing, fields[0])
		}
	}
	if len(missing) > 0 {
		return failed("not installed: "+strings.Join(missing, ", "), "install "+strings.Join(missing, ", ")), nil
	}
	return passed("available: " + strings.Join(in.Rule.CheckArgs, ", ")), nil
}

// pathProtected fails when a mutating action touches a path matching one of
// the rule's doublestar patterns.
type pathProtected struct{}

func (pathProtected) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	if !in.Context.Tool.Mutating() {
		return notApplicable("action does not modify files"), nil
	}
	if len(in.Rule.CheckArgs) == 0 {
		return CheckResult{}, ErrCheckArgs
	}

	var paths []string
	if _, rel := in.target(); rel != "" {
		paths = append(paths, rel)
	}
	if in.Context.Tool == session.ToolExecute {
		for _, f := range strings.Fields(in.Context.Command) {
			if !strings.HasPrefix(f, "-") && strings.ContainsAny(f, "/.") {
				paths = append(paths, policy.RelativePath(in.root(), strings.Trim(f, `"'`)))
			}
		}
	}
	if len(paths) == 0 {
		return notApplicable("no paths affected"), nil
	}

	for _, pattern := range in.Rule.CheckArgs {
		if !doublestar.ValidatePattern(pattern) {
			return CheckResult{}, fmt.Errorf("invalid pattern %q", pattern)
		}
		for _, p := range paths {
			if ok, _ := doublestar.Match(pattern, p); ok {
				return failed(p+" is protected by "+pattern, "leave "+p+" unchanged or ask a maintainer"), nil
			}
		}
	}
	return passed("no protected path touched"), nil
}
