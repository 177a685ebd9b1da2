package policy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/spf13/afero"
)

// DefaultPoliciesDir is the policies directory name inside .rulegate.
const DefaultPoliciesDir = "policies"

// PolicyFile is one loaded .rego file.
type PolicyFile struct {
	// Path is the path the file was read from.
	Path string `json:"path"`
	// Name is the base name without extension.
	Name string `json:"name"`
	// Package is the declared Rego package, e.g. "rulegate.secrets".
	Package string `json:"package"`
	// Test reports whether the file holds Rego unit tests (*_test.rego).
	Test bool `json:"test,omitempty"`
	// Content is the raw Rego source.
	Content string `json:"-"`
}

// Loader scans .rego files from a directory on an afero filesystem.
type Loader struct {
	fs      afero.Fs
	baseDir string
}

// NewLoader creates a loader. Use afero.NewMemMapFs() in tests.
func NewLoader(fs afero.Fs, baseDir string) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{fs: fs, baseDir: baseDir}
}

// LoadAll loads every .rego file under the directory, recursively. A missing
// directory means no policies. Files that fail to parse are an error.
func (l *Loader) LoadAll() ([]*PolicyFile, error) {
	exists, err := afero.DirExists(l.fs, l.baseDir)
	if err != nil {
		return nil, fmt.Errorf("check policies directory: %w", err)
	}
	if !exists {
		return []*PolicyFile{}, nil
	}

	var policies []*PolicyFile
	err = afero.Walk(l.fs, l.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		p, err := l.loadFile(path)
		if err != nil {
			return fmt.Errorf("load policy %s: %w", path, err)
		}
		policies = append(policies, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policies directory: %w", err)
	}
	return policies, nil
}

// LoadFile loads a single .rego file.
func (l *Loader) LoadFile(path string) (*PolicyFile, error) {
	return l.loadFile(path)
}

func (l *Loader) loadFile(path string) (*PolicyFile, error) {
	file, err := l.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return NewPolicyFile(path, string(content))
}

// NewPolicyFile parses content and records its package.
func NewPolicyFile(path, content string) (*PolicyFile, error) {
	mod, err := ast.ParseModule(path, content)
	if err != nil {
		return nil, fmt.Errorf("parse rego: %w", err)
	}
	base := filepath.Base(path)
	return &PolicyFile{
		Path:    path,
		Name:    strings.TrimSuffix(base, ".rego"),
		Package: strings.TrimPrefix(mod.Package.Path.String(), "data."),
		Test:    strings.HasSuffix(base, "_test.rego"),
		Content: content,
	}, nil
}

// Exists reports whether the policies directory exists.
func (l *Loader) Exists() (bool, error) {
	return afero.DirExists(l.fs, l.baseDir)
}

// GetPoliciesPath returns the policies directory of a project root.
func GetPoliciesPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".rulegate", DefaultPoliciesDir)
}
