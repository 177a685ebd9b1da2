package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephgoksu/rulegate/internal/store"
)

// executeWithInput runs the root command with stdin set to input.
func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	rootCmd.SetIn(strings.NewReader(input))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	return execute(t, args...)
}

// preToolEdit runs the hook for an Edit of src/app.go and decodes the answer.
func preToolEdit(t *testing.T, dir string) HookResponse {
	t.Helper()
	payload := fmt.Sprintf(`{"session_id":"s1","tool_name":"Edit","tool_input":{"file_path":%q},"cwd":%q}`,
		filepath.Join(dir, "src", "app.go"), dir)
	out, err := executeWithInput(t, payload, "hook", "pre-tool")
	require.NoError(t, err)
	var resp HookResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

// execDB runs statements against the project database.
func execDB(t *testing.T, dir string, stmts ...string) {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, ".rulegate", store.DatabaseFile))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	for _, s := range stmts {
		_, err := db.SQL().Exec(s)
		require.NoError(t, err, s)
	}
}

func TestHookBlocksWhenRegistryCannotBeSaved(t *testing.T) {
	dir := newProject(t)
	_, err := execute(t, "init")
	require.NoError(t, err)

	require.Equal(t, hookBlock, preToolEdit(t, dir).Decision)

	execDB(t, dir, `CREATE TRIGGER fail_rule_writes BEFORE INSERT ON rules
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)

	resp := preToolEdit(t, dir)
	assert.Equal(t, hookBlock, resp.Decision, resp.Reason)

	_, err = execute(t, "check", "--tool", "Edit", "--target", "src/app.go")
	assert.ErrorIs(t, err, errBlocked)
}

func TestBlocksWhenRuleMetadataIsUnreadable(t *testing.T) {
	dir := newProject(t)
	_, err := execute(t, "init")
	require.NoError(t, err)

	execDB(t, dir, `UPDATE rules SET created_at = 'garbage'`)

	_, err = execute(t, "check", "--tool", "Edit", "--target", "src/app.go")
	assert.ErrorIs(t, err, errBlocked)

	execDB(t, dir, `UPDATE rules SET created_at = 'garbage'`)
	resp := preToolEdit(t, dir)
	assert.Equal(t, hookBlock, resp.Decision, resp.Reason)
}

func TestHookBlocksWhenDatabaseCannotBeOpened(t *testing.T) {
	dir := newProject(t)
	_, err := execute(t, "init")
	require.NoError(t, err)

	db := filepath.Join(dir, ".rulegate", store.DatabaseFile)
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		require.NoError(t, os.RemoveAll(db+suffix))
	}
	require.NoError(t, os.Mkdir(db, 0o755))

	resp := preToolEdit(t, dir)
	assert.Equal(t, hookBlock, resp.Decision, resp.Reason)
	assert.Contains(t, resp.Reason, "rulegate blocked this action")

	spooled, err := os.ReadDir(filepath.Join(dir, ".rulegate", "spool"))
	require.NoError(t, err)
	assert.NotEmpty(t, spooled, "audit batch kept for replay")
}

func TestCheckSeesPolicyEditsWithoutReparse(t *testing.T) {
	dir := newProject(t)
	_, err := execute(t, "init")
	require.NoError(t, err)

	_, err = execute(t, "check", "--tool", "Edit", "--target", "src/app.go")
	require.ErrorIs(t, err, errBlocked)

	doc := filepath.Join(dir, "policy.md")
	data, err := os.ReadFile(doc)
	require.NoError(t, err)
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "[check: tests_exist]") {
			kept = append(kept, line)
		}
	}
	relaxed := strings.Join(kept, "\n")
	require.NotEqual(t, string(data), relaxed)
	require.NoError(t, os.WriteFile(doc, []byte(relaxed), 0o644))

	_, err = execute(t, "check", "--tool", "Edit", "--target", "src/app.go")
	assert.NoError(t, err)
}
