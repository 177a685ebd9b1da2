package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// BackupPrefix is the file name prefix of policy document snapshots.
const BackupPrefix = "policy-"

// BackupWriter writes timestamped snapshots of the pre-change policy document.
type BackupWriter struct {
	fs  afero.Fs
	dir string
}

// NewBackupWriter creates a writer rooted at dir on fs.
func NewBackupWriter(fs afero.Fs, dir string) *BackupWriter {
	return &BackupWriter{fs: fs, dir: dir}
}

// Write stores doc as policy-<UTC timestamp>.md and returns the path. Existing
// snapshots are never overwritten.
func (b *BackupWriter) Write(doc string, at time.Time) (string, error) {
	if err := b.fs.MkdirAll(b.dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	stamp := at.UTC().Format("20060102T150405.000000000Z")
	path := filepath.Join(b.dir, BackupPrefix+stamp+".md")
	var f afero.File
	for i := 1; ; i++ {
		var err error
		f, err = b.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create backup: %w", err)
		}
		path = filepath.Join(b.dir, fmt.Sprintf("%s%s-%d.md", BackupPrefix, stamp, i))
	}
	if _, err := f.WriteString(doc); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return path, nil
}

// List returns snapshot paths, oldest first.
func (b *BackupWriter) List() ([]string, error) {
	exists, err := afero.DirExists(b.fs, b.dir)
	if err != nil {
		return nil, fmt.Errorf("check backup dir: %w", err)
	}
	if !exists {
		return nil, nil
	}
	entries, err := afero.ReadDir(b.fs, b.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), BackupPrefix) && strings.HasSuffix(e.Name(), ".md") {
			out = append(out, filepath.Join(b.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
