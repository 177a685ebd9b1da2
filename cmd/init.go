package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/config"
)

// StarterDocument is the policy document written by init.
const StarterDocument = `# Project Rules

<!-- Rules are bullets under headings. A rule's level comes from its section
or wording, or from [level: critical|advisory|info]. Attach a check with
[check: tests_exist|backup_exists|tool_available|path_protected|expr|policy:<name>]
and scope it with [phase: ...], [tag: ...] or #hashtags. A rule is relevant
when it matches the current phase (.rulegate/phase, default foundation) or
the action's tags. -->

## Critical Rules

- Tests must exist before implementation code is changed. [check: tests_exist] [phase: foundation] [phase: implementation]
- Never edit environment files or secrets. [check: policy:protected] [phase: foundation] [phase: implementation] [phase: testing] [phase: release]

## Guidelines

- Back up files before destructive commands such as ` + "`rm -rf`" + `. [check: backup_exists] [phase: foundation] [phase: implementation] [phase: release]
- Prefer small, focused changes with a clear commit message. #git [phase: implementation]
- Avoid adding dependencies without discussing them first.

## Notes

- Architecture decisions are recorded in docs/adr.
`

const stateGitignore = `# rulegate generated/cache files
rulegate.db
rulegate.db-journal
rulegate.db-wal
rulegate.db-shm
backups/
spool/
logs/
crash_logs/
`

var initForce bool

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize rulegate in the current project",
	Long: `Initialize rulegate in the current project.

This creates:
  • policy.md                         - the policy document, if missing
  • .rulegate/config.yaml             - project configuration
  • .rulegate/policies/protected.rego - starter Rego policy and tests
  • .rulegate/.gitignore              - keeps the database and logs out of git

Run this in your project root, then wire "rulegate hook pre-tool" into your
agent's PreToolUse hook.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite config and starter policy files")
}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths(GetConfig())
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	created, err := scaffoldProject(fs, paths, initForce)
	if err != nil {
		return err
	}

	var total int
	err = withRuntime(cmd.Context(), func(rt *compliance.Runtime) error {
		total = rt.Registry.Len()
		return nil
	})
	if err != nil {
		return err
	}

	if isJSON() {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"root":    paths.Root,
			"created": created,
			"rules":   total,
		})
	}

	if len(created) == 0 {
		cmd.Println("✓ rulegate already initialized in this project")
	} else {
		cmd.Println("✓ rulegate initialized")
		cmd.Println("")
		cmd.Println("Created:")
		for _, f := range created {
			rel, err := filepath.Rel(paths.Root, f)
			if err != nil {
				rel = f
			}
			cmd.Printf("  • %s\n", rel)
		}
	}
	cmd.Printf("\n%d rules loaded from %s\n", total, paths.Document)

	if ignoresStateDir(filepath.Join(paths.Root, ".gitignore")) {
		cmd.Println("⚠️  Your project .gitignore ignores '.rulegate/'. Config and policies will not be committed.")
		cmd.Println("   Fix: remove that rule, and rely on '.rulegate/.gitignore' to ignore the database and logs.")
	}

	cmd.Println("")
	cmd.Println("Next steps:")
	cmd.Println("  rulegate rules list")
	cmd.Println("  rulegate check --tool Edit --target src/main.go")
	cmd.Println("  rulegate hook --help     # agent hook setup")
	return nil
}

// scaffoldProject writes the starter files and returns the paths it created.
func scaffoldProject(fs afero.Fs, paths config.Paths, force bool) ([]string, error) {
	var created []string

	document, err := filepath.Rel(paths.Root, paths.Document)
	if err != nil {
		document = paths.Document
	}
	switch err := config.WriteProjectConfig(fs, paths.Config, document, force); {
	case err == nil:
		created = append(created, paths.Config)
	case !errors.Is(err, config.ErrConfigExists):
		return nil, fmt.Errorf("write config: %w", err)
	}

	if exists, _ := afero.Exists(fs, paths.Document); !exists {
		if err := fs.MkdirAll(filepath.Dir(paths.Document), 0o755); err != nil {
			return created, fmt.Errorf("create document dir: %w", err)
		}
		if err := afero.WriteFile(fs, paths.Document, []byte(StarterDocument), 0o644); err != nil {
			return created, fmt.Errorf("write policy document: %w", err)
		}
		created = append(created, paths.Document)
	}

	policies, err := writeStarterPolicy(fs, paths.PoliciesDir, force)
	created = append(created, policies...)
	if err != nil {
		return created, err
	}

	ignore := filepath.Join(paths.StateDir, ".gitignore")
	if exists, _ := afero.Exists(fs, ignore); !exists {
		if err := afero.WriteFile(fs, ignore, []byte(stateGitignore), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not create .gitignore: %v\n", err)
		} else {
			created = append(created, ignore)
		}
	}
	return created, nil
}

// ignoresStateDir reports whether a .gitignore excludes .rulegate entirely.
func ignoresStateDir(gitignore string) bool {
	data, err := os.ReadFile(gitignore)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case ".rulegate", ".rulegate/", "/.rulegate", "/.rulegate/":
			return true
		}
	}
	return false
}
