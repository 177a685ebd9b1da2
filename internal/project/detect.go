package project

import (
	"errors"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNoProjectFound is returned when startPath does not exist.
var ErrNoProjectFound = errors.New("no project root found")

var markerFiles = []struct {
	name       string
	markerType MarkerType
}{
	{StateDirName, MarkerRulegate},
	{"go.mod", MarkerGoMod},
	{"package.json", MarkerPackageJSON},
	{"Cargo.toml", MarkerCargoToml},
	{"pom.xml", MarkerPomXML},
	{"pyproject.toml", MarkerPyProjectToml},
	{".git", MarkerGit},
}

// Detect walks up from startPath to the repository boundary and returns the
// highest-priority marker, the nearest one on ties.
func (d *detector) Detect(startPath string) (*Context, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.DirExists(d.fs, absPath); !ok {
		return nil, errors.Join(ErrNoProjectFound, errors.New(absPath+" is not a directory"))
	}

	best := &Context{RootPath: absPath, MarkerType: MarkerNone}
	dir := absPath
	for {
		for _, m := range markerFiles {
			if ok, _ := afero.Exists(d.fs, filepath.Join(dir, m.name)); !ok {
				continue
			}
			if m.markerType.Priority() > best.MarkerType.Priority() {
				best.RootPath = dir
				best.MarkerType = m.markerType
			}
			if m.markerType == MarkerGit && best.GitRoot == "" {
				best.GitRoot = dir
			}
		}
		if best.GitRoot != "" {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	best.IsMonorepo = best.GitRoot != "" && best.GitRoot != best.RootPath
	return best, nil
}
