package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/config"
	"github.com/josephgoksu/rulegate/internal/policy"
	"github.com/josephgoksu/rulegate/internal/session"
	"github.com/josephgoksu/rulegate/internal/ui"
)

// DefaultPolicyName is the starter policy, referenced as [check: policy:protected].
const DefaultPolicyName = "protected"

// DefaultRegoPolicy is the starter policy file content.
const DefaultRegoPolicy = `# rulegate starter policy
# Reference it from the policy document with [check: policy:protected].
# Learn more: https://www.openpolicyagent.org/docs/latest/policy-language/

package rulegate.protected

import rego.v1

is_env_file(path) if startswith(path, ".env")

is_env_file(path) if contains(path, "/.env")

is_secrets_file(path) if startswith(path, "secrets/")

is_secrets_file(path) if contains(path, "/secrets/")

writes if input.tool in {"edit", "write"}

deny contains msg if {
    writes
    is_env_file(input.target)
    msg := sprintf("environment file '%s' is protected", [input.target])
}

deny contains msg if {
    writes
    is_secrets_file(input.target)
    msg := sprintf("'%s' is in the protected secrets directory", [input.target])
}

deny contains msg if {
    input.tool == "execute"
    contains(input.command, ".env")
    msg := "shell commands must not touch environment files"
}

warn contains msg if {
    writes
    lines := rulegate.file_line_count(input.target)
    lines > 500
    msg := sprintf("'%s' has %d lines; review the change carefully", [input.target, lines])
}
`

// DefaultRegoPolicyTest holds unit tests for the starter policy.
const DefaultRegoPolicyTest = `package rulegate.protected_test

import rego.v1

import data.rulegate.protected

test_deny_env_edit if {
    count(protected.deny) > 0 with input as {"tool": "edit", "target": ".env.local"}
}

test_deny_secrets_write if {
    count(protected.deny) > 0 with input as {"tool": "write", "target": "config/secrets/api.key"}
}

test_allow_source_edit if {
    count(protected.deny) == 0 with input as {"tool": "edit", "target": "src/app.go"}
}

test_allow_env_read if {
    count(protected.deny) == 0 with input as {"tool": "read", "target": ".env"}
}
`

// policyCmd represents the policy parent command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage Rego policies used as rule checks",
	Long: `Manage Open Policy Agent (OPA) policies used by [check: policy:<name>] rules.

Policies are written in Rego and stored in .rulegate/policies/*.rego. A policy
named <name> declares package rulegate.<name> and defines deny (and optionally
warn) sets over the pending action.

Examples:
  rulegate policy init               # Create the starter policy and its tests
  rulegate policy list               # List loaded policies
  rulegate policy validate           # Compile every policy file
  rulegate policy check .env src/a.go  # Dry-run edits against every policy
  rulegate policy test               # Run *_test.rego unit tests`,
}

var policyInitForce bool

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the starter policy",
	Long: `Create .rulegate/policies/protected.rego and protected_test.rego.

The starter policy protects:
  • Environment files (.env, .env.local, etc.)
  • Secrets directories (secrets/**)
  • Warns on edits to files over 500 lines`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths(GetConfig())
		if err != nil {
			return err
		}
		created, err := writeStarterPolicy(afero.NewOsFs(), paths.PoliciesDir, policyInitForce)
		if err != nil {
			return err
		}
		if isJSON() {
			return printJSON(cmd.OutOrStdout(), map[string]any{"created": created})
		}
		if len(created) == 0 {
			cmd.Printf("Policy files already exist in %s\n", paths.PoliciesDir)
			cmd.Println("Use --force to overwrite.")
			return nil
		}
		for _, f := range created {
			cmd.Printf("✓ Created %s\n", f)
		}
		cmd.Println("\nReference it from the policy document with [check: policy:protected].")
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths(GetConfig())
		if err != nil {
			return err
		}
		policies, err := policy.NewLoader(afero.NewOsFs(), paths.PoliciesDir).LoadAll()
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		if isJSON() {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"policies_dir": paths.PoliciesDir,
				"count":        len(policies),
				"policies":     policies,
			})
		}
		if len(policies) == 0 {
			cmd.Println("No policies loaded.")
			cmd.Println("Run 'rulegate policy init' to create the starter policy.")
			return nil
		}

		p := newPrinter(cmd.OutOrStdout())
		t := &ui.Table{Headers: []string{"NAME", "PACKAGE", "CHECK", "FILE"}}
		for _, pf := range policies {
			check := ""
			if name, ok := strings.CutPrefix(pf.Package, policy.PackagePrefix+"."); ok && !pf.Test {
				check = "policy:" + name
			}
			if pf.Test {
				check = "(tests)"
			}
			rel, err := filepath.Rel(paths.Root, pf.Path)
			if err != nil {
				rel = pf.Path
			}
			t.Rows = append(t.Rows, []string{pf.Name, pf.Package, check, rel})
		}
		p.Print(t.Render(p))
		return nil
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile every policy file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths(GetConfig())
		if err != nil {
			return err
		}
		fs := afero.NewOsFs()
		policy.RegisterBuiltins(&policy.BuiltinContext{WorkDir: paths.Root, Fs: fs})
		policies, err := policy.NewLoader(fs, paths.PoliciesDir).LoadAll()
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}

		type result struct {
			File  string `json:"file"`
			Error string `json:"error,omitempty"`
		}
		var results []result
		failed := 0
		for _, pf := range policies {
			r := result{File: pf.Path}
			if err := policy.ValidatePolicy(cmd.Context(), pf.Content); err != nil {
				r.Error = err.Error()
				failed++
			}
			results = append(results, r)
		}
		if isJSON() {
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				if r.Error == "" {
					cmd.Printf("  ✓ %s\n", r.File)
				} else {
					cmd.Printf("  ✗ %s: %s\n", r.File, r.Error)
				}
			}
			if len(results) == 0 {
				cmd.Println("No policies to validate.")
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d policy file(s) failed to compile", failed)
		}
		return nil
	},
}

var policyCheckTool string

var policyCheckCmd = &cobra.Command{
	Use:   "check <target>...",
	Short: "Dry-run targets against every policy",
	Long: `Evaluate hypothetical actions on the given targets against every loaded
policy. Files don't need to exist. Nothing is recorded.

Examples:
  rulegate policy check .env secrets/key.pem
  rulegate policy check --tool read .env`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths(GetConfig())
		if err != nil {
			return err
		}
		engine, err := policy.NewEngine(policy.EngineConfig{
			WorkDir:     paths.Root,
			PoliciesDir: paths.PoliciesDir,
		})
		if err != nil {
			return fmt.Errorf("create policy engine: %w", err)
		}
		names := engine.Names()
		if len(names) == 0 {
			cmd.Println("No policies loaded - all actions allowed by default.")
			cmd.Println("Run 'rulegate policy init' to create the starter policy.")
			return nil
		}

		tool := session.NormalizeTool(policyCheckTool)
		var decisions []*policy.Decision
		denied := 0
		for _, target := range args {
			in := policy.Input{Tool: string(tool), Target: policy.NormalizePath(target)}
			for _, name := range names {
				d, err := engine.Evaluate(cmd.Context(), name, in)
				if err != nil {
					return fmt.Errorf("evaluate %s: %w", name, err)
				}
				decisions = append(decisions, d)
				if !d.Allowed() {
					denied++
				}
				if isJSON() {
					continue
				}
				status := "✓"
				if !d.Allowed() {
					status = "✗"
				}
				cmd.Printf("  %s %s %s [%s]\n", status, tool, target, d.Policy)
				for _, m := range d.Denied {
					cmd.Printf("      deny: %s\n", m)
				}
				for _, m := range d.Warnings {
					cmd.Printf("      warn: %s\n", m)
				}
			}
		}
		if isJSON() {
			if err := printJSON(cmd.OutOrStdout(), decisions); err != nil {
				return err
			}
		}
		if denied > 0 {
			return fmt.Errorf("policy check failed with %d denial(s)", denied)
		}
		return nil
	},
}

var policyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Run Rego unit tests",
	Long: `Run the test_* rules in .rulegate/policies/*_test.rego.

Test file example (.rulegate/policies/protected_test.rego):
  package rulegate.protected_test

  import rego.v1
  import data.rulegate.protected

  test_deny_env_edit if {
      count(protected.deny) > 0 with input as {"tool": "edit", "target": ".env"}
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.GetPaths(GetConfig())
		if err != nil {
			return err
		}
		if _, err := os.Stat(paths.PoliciesDir); errors.Is(err, os.ErrNotExist) {
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"status": "error", "message": "no policies directory"})
			}
			cmd.Println("No policies directory found.")
			cmd.Println("Run 'rulegate policy init' to create the starter policy.")
			return nil
		}

		runner := policy.NewTestRunner(nil, paths.PoliciesDir, paths.Root)
		hasTests, err := runner.HasTests()
		if err != nil {
			return fmt.Errorf("check for test files: %w", err)
		}
		if !hasTests {
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"status": "success", "tests": 0})
			}
			cmd.Println("No test files found in", paths.PoliciesDir)
			return nil
		}

		summary, err := runner.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("run tests: %w", err)
		}
		if isJSON() {
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
		} else {
			cmd.Printf("Running OPA tests in %s...\n\n", paths.PoliciesDir)
			for _, result := range summary.Results {
				name := result.Name
				if idx := strings.LastIndex(name, "."); idx > 0 {
					name = name[idx+1:]
				}
				switch {
				case result.Passed:
					cmd.Printf("  ✓ %s (%s)\n", name, result.Duration.Round(time.Millisecond))
				case result.Failed:
					cmd.Printf("  ✗ %s: FAIL\n", name)
				case result.Error != "":
					cmd.Printf("  ✗ %s: %s\n", name, result.Error)
				case result.Skipped:
					cmd.Printf("  - %s: skipped\n", name)
				}
				for _, out := range result.Output {
					cmd.Printf("      %s\n", out)
				}
			}
			cmd.Print(summary.FormatSummary())
		}
		if !summary.AllPassed() {
			return fmt.Errorf("policy tests failed: %d failures, %d errors", summary.Failed, summary.Errored)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyInitCmd, policyListCmd, policyValidateCmd, policyCheckCmd, policyTestCmd)

	policyInitCmd.Flags().BoolVarP(&policyInitForce, "force", "f", false, "overwrite existing policy files")
	policyCheckCmd.Flags().StringVarP(&policyCheckTool, "tool", "t", "edit", "tool the dry-run action uses")
}

// writeStarterPolicy writes the starter policy and its tests into dir and
// returns the files it created. Existing files are kept unless force is set.
func writeStarterPolicy(fs afero.Fs, dir string, force bool) ([]string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create policies directory: %w", err)
	}
	var created []string
	for name, content := range map[string]string{
		DefaultPolicyName + ".rego":      DefaultRegoPolicy,
		DefaultPolicyName + "_test.rego": DefaultRegoPolicyTest,
	} {
		path := filepath.Join(dir, name)
		if exists, _ := afero.Exists(fs, path); exists && !force {
			continue
		}
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			return created, fmt.Errorf("write %s: %w", name, err)
		}
		created = append(created, path)
	}
	return created, nil
}
