package config

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/josephgoksu/rulegate/internal/project"
)

// ErrProjectContextNotSet is returned by path helpers before SetProjectContext.
var ErrProjectContextNotSet = errors.New("project context not set: run from inside a project or pass --project")

var (
	projectMu  sync.RWMutex
	projectCtx *project.Context
)

// SetProjectContext records the detected project for the path helpers.
func SetProjectContext(ctx *project.Context) error {
	if ctx == nil {
		return errors.New("SetProjectContext called with nil context")
	}
	projectMu.Lock()
	defer projectMu.Unlock()
	projectCtx = ctx
	return nil
}

// GetProjectContext returns the recorded project, or nil.
func GetProjectContext() *project.Context {
	projectMu.RLock()
	defer projectMu.RUnlock()
	return projectCtx
}

// ClearProjectContext forgets the recorded project. Used by tests.
func ClearProjectContext() {
	projectMu.Lock()
	defer projectMu.Unlock()
	projectCtx = nil
}

// GetProjectContextOrError returns the recorded project or ErrProjectContextNotSet.
func GetProjectContextOrError() (*project.Context, error) {
	ctx := GetProjectContext()
	if ctx == nil {
		return nil, ErrProjectContextNotSet
	}
	return ctx, nil
}

// GetProjectRoot returns the project root.
func GetProjectRoot() (string, error) {
	ctx, err := GetProjectContextOrError()
	if err != nil {
		return "", err
	}
	if ctx.RootPath == "" {
		return "", errors.New("project context has an empty root path")
	}
	return ctx.RootPath, nil
}

// GetStateDir returns <root>/.rulegate.
func GetStateDir() (string, error) {
	root, err := GetProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, project.StateDirName), nil
}

// Paths are the resolved filesystem locations for one project.
type Paths struct {
	Root        string
	StateDir    string
	Config      string
	Document    string
	Storage     string
	BackupDir   string
	SpoolDir    string
	PoliciesDir string
	PhaseFile   string
	CrashLogs   string
	LogDir      string
}

// ResolvePaths resolves cfg's relative locations against root.
func ResolvePaths(root string, cfg *Config) Paths {
	state := filepath.Join(root, project.StateDirName)
	p := Paths{
		Root:        root,
		StateDir:    state,
		Config:      filepath.Join(state, ConfigFileName),
		Document:    resolve(root, cfg.Registry.Document),
		Storage:     resolve(state, cfg.Storage.Path),
		BackupDir:   resolve(state, cfg.Registry.BackupDir),
		SpoolDir:    filepath.Join(state, "spool"),
		PoliciesDir: filepath.Join(state, "policies"),
		CrashLogs:   filepath.Join(state, "crash_logs"),
		LogDir:      filepath.Join(state, "logs"),
	}
	if cfg.Policies.Dir != "" {
		p.PoliciesDir = resolve(root, cfg.Policies.Dir)
	}
	if cfg.Session.PhaseFile != "" {
		p.PhaseFile = resolve(state, cfg.Session.PhaseFile)
	}
	return p
}

// GetPaths resolves the paths of the recorded project.
func GetPaths(cfg *Config) (Paths, error) {
	root, err := GetProjectRoot()
	if err != nil {
		return Paths{}, err
	}
	return ResolvePaths(root, cfg), nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
