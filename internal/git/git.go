// Package git reads session signals from the git CLI: recent commit subjects
// and changed paths. It shells out instead of using go-git so the user's git
// configuration applies unchanged.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Common errors returned by git operations.
var (
	ErrGitNotInstalled  = errors.New("git is not installed or not in PATH")
	ErrNotGitRepository = errors.New("not a git repository")
)

// Commander is an interface for executing commands.
// This allows mocking in tests.
type Commander interface {
	RunInDir(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ShellCommander executes real shell commands.
type ShellCommander struct{}

// RunInDir executes a command in the specified directory. The command is
// killed when ctx is done.
func (c *ShellCommander) RunInDir(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s: %w", name, ctxErr)
		}
		// Include stderr in error for debugging
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("%w: %s", err, errMsg)
		}
		return "", err
	}
	// Leading whitespace is significant in porcelain output.
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// Client wraps read-only git operations.
type Client struct {
	commander Commander
	workDir   string
}

// NewClient creates a new git client for the given directory.
func NewClient(workDir string) *Client {
	return &Client{
		commander: &ShellCommander{},
		workDir:   workDir,
	}
}

// NewClientWithCommander creates a client with a custom commander (for testing).
func NewClientWithCommander(workDir string, commander Commander) *Client {
	return &Client{
		commander: commander,
		workDir:   workDir,
	}
}

// IsGitInstalled checks if git binary is available in PATH.
func (c *Client) IsGitInstalled(ctx context.Context) bool {
	_, err := c.commander.RunInDir(ctx, "", "git", "--version")
	return err == nil
}

// IsRepository checks if the working directory is a git repository.
func (c *Client) IsRepository(ctx context.Context) bool {
	_, err := c.commander.RunInDir(ctx, c.workDir, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// CurrentBranch returns the name of the current branch.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	output, err := c.commander.RunInDir(ctx, c.workDir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return output, nil
}

// RecentSubjects returns the subjects of the last n commits, newest first.
func (c *Client) RecentSubjects(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	output, err := c.commander.RunInDir(ctx, c.workDir, "git", "log", "-n", strconv.Itoa(n), "--format=%s")
	if err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return nil, ErrNotGitRepository
		}
		return nil, fmt.Errorf("read commit subjects: %w", err)
	}
	return splitLines(output), nil
}

// ChangedPaths returns paths with uncommitted changes followed by paths
// touched in the last n commits, de-duplicated, in that order.
func (c *Client) ChangedPaths(ctx context.Context, n int) ([]string, error) {
	status, err := c.commander.RunInDir(ctx, c.workDir, "git", "status", "--porcelain")
	if err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return nil, ErrNotGitRepository
		}
		return nil, fmt.Errorf("read working tree status: %w", err)
	}

	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, line := range splitLines(status) {
		add(porcelainPath(line))
	}

	if n > 0 {
		logged, err := c.commander.RunInDir(ctx, c.workDir, "git", "log", "-n", strconv.Itoa(n), "--name-only", "--format=")
		if err != nil {
			return paths, fmt.Errorf("read changed paths: %w", err)
		}
		for _, line := range splitLines(logged) {
			add(line)
		}
	}
	return paths, nil
}

// porcelainPath extracts the path from a `git status --porcelain` line.
// Renames ("R  old -> new") yield the new path.
func porcelainPath(line string) string {
	if len(line) < 4 {
		return ""
	}
	p := strings.TrimSpace(line[3:])
	if i := strings.Index(p, " -> "); i >= 0 {
		p = p[i+4:]
	}
	return strings.Trim(p, `"`)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
