// Package project detects the root of the project rulegate is guarding.
//
// Detection walks up from the working directory and stops at the repository
// boundary (.git). Precedence, highest first:
//  1. An existing .rulegate state directory.
//  2. A language manifest: go.mod, package.json, Cargo.toml, pom.xml, pyproject.toml.
//  3. The git root.
//  4. The start directory.
package project

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// StateDirName is the per-project state directory.
const StateDirName = ".rulegate"

// MarkerType is the kind of marker that identified the root.
type MarkerType int

const (
	MarkerNone MarkerType = iota
	MarkerRulegate
	MarkerGoMod
	MarkerPackageJSON
	MarkerCargoToml
	MarkerPomXML
	MarkerPyProjectToml
	MarkerGit
)

// String returns the marker file name.
func (m MarkerType) String() string {
	switch m {
	case MarkerNone:
		return "none"
	case MarkerRulegate:
		return StateDirName
	case MarkerGoMod:
		return "go.mod"
	case MarkerPackageJSON:
		return "package.json"
	case MarkerCargoToml:
		return "Cargo.toml"
	case MarkerPomXML:
		return "pom.xml"
	case MarkerPyProjectToml:
		return "pyproject.toml"
	case MarkerGit:
		return ".git"
	default:
		return "unknown"
	}
}

// Priority orders markers; higher wins.
func (m MarkerType) Priority() int {
	switch m {
	case MarkerRulegate:
		return 100
	case MarkerGoMod, MarkerPackageJSON, MarkerCargoToml, MarkerPomXML, MarkerPyProjectToml:
		return 50
	case MarkerGit:
		return 10
	default:
		return 0
	}
}

// IsLanguageManifest reports whether m is a language manifest.
func (m MarkerType) IsLanguageManifest() bool {
	return m.Priority() == 50
}

// Context is the detected project boundary.
type Context struct {
	// RootPath is the absolute project root.
	RootPath string
	// MarkerType is the marker that identified RootPath.
	MarkerType MarkerType
	// GitRoot is the enclosing repository root, or "".
	GitRoot string
	// IsMonorepo is true when the project is a subdirectory of its repository.
	IsMonorepo bool
}

// StateDir returns RootPath/.rulegate.
func (c *Context) StateDir() string {
	return filepath.Join(c.RootPath, StateDirName)
}

// HasStateDir reports whether the project is already initialized.
func (c *Context) HasStateDir() bool {
	return c.MarkerType == MarkerRulegate
}

// RelativeGitPath returns RootPath relative to GitRoot, or ".".
func (c *Context) RelativeGitPath() string {
	if c.GitRoot == "" || c.RootPath == "" || c.GitRoot == c.RootPath {
		return "."
	}
	rel, err := filepath.Rel(c.GitRoot, c.RootPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "."
	}
	return filepath.ToSlash(rel)
}

// Detector finds project roots.
type Detector interface {
	Detect(startPath string) (*Context, error)
}

type detector struct {
	fs afero.Fs
}

// NewDetector creates a Detector over fs.
func NewDetector(fs afero.Fs) Detector {
	return &detector{fs: fs}
}

// NewOsDetector creates a Detector over the OS filesystem.
func NewOsDetector() Detector {
	return NewDetector(afero.NewOsFs())
}

// Detect detects the project root from startPath on the OS filesystem.
func Detect(startPath string) (*Context, error) {
	return NewOsDetector().Detect(startPath)
}
