// Package watch monitors the policy document and the Rego policies directory
// and reports debounced batches of changes.
package watch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is what a changed file is to rulegate.
type Kind string

const (
	KindDocument Kind = "document"
	KindPolicy   Kind = "policy"
)

// DefaultDelay is the quiet period before a batch is flushed.
const DefaultDelay = 500 * time.Millisecond

// Change is one filesystem event that survived filtering.
type Change struct {
	Path      string
	Operation string
	Kind      Kind
	Timestamp time.Time
}

// Kinds returns the distinct kinds in a batch.
func Kinds(changes []Change) map[Kind]bool {
	out := make(map[Kind]bool, 2)
	for _, c := range changes {
		out[c.Kind] = true
	}
	return out
}

// Config configures a Watcher.
type Config struct {
	// DocumentPath is the policy document. Its directory is watched so
	// editors that replace the file by rename are seen.
	DocumentPath string
	// PoliciesDir holds *.rego files. Watched when it exists.
	PoliciesDir string
	// Delay defaults to DefaultDelay.
	Delay time.Duration
	// OnChange receives each debounced batch on the watcher goroutine.
	OnChange func(ctx context.Context, changes []Change)
	Logger   *slog.Logger
}

// Watcher wraps an fsnotify watcher with filtering, content-hash
// deduplication and debouncing.
type Watcher struct {
	cfg    Config
	fsw    *fsnotify.Watcher
	hashes *ContentHashTracker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.DocumentPath == "" {
		return nil, errors.New("watch: document path is required")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	cfg.DocumentPath = filepath.Clean(cfg.DocumentPath)
	if cfg.PoliciesDir != "" {
		cfg.PoliciesDir = filepath.Clean(cfg.PoliciesDir)
	}
	return &Watcher{cfg: cfg, fsw: fsw, hashes: NewContentHashTracker()}, nil
}

// Start registers the watched directories and starts the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watch: already started")
	}

	docDir := filepath.Dir(w.cfg.DocumentPath)
	if err := w.fsw.Add(docDir); err != nil {
		return fmt.Errorf("watch %s: %w", docDir, err)
	}
	if w.cfg.PoliciesDir != "" {
		if info, err := os.Stat(w.cfg.PoliciesDir); err == nil && info.IsDir() {
			if err := w.fsw.Add(w.cfg.PoliciesDir); err != nil {
				return fmt.Errorf("watch %s: %w", w.cfg.PoliciesDir, err)
			}
		}
	}
	// Seed hashes so the first write of unchanged content is not reported.
	w.hashes.HasChanged(w.cfg.DocumentPath)

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	return nil
}

// Stop ends the event loop and closes the fsnotify watcher. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		_ = w.fsw.Close()
		return
	}
	cancel()
	_ = w.fsw.Close()
	<-done
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var (
		pending []Change
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			c, ok := w.change(event)
			if !ok {
				continue
			}
			w.cfg.Logger.Debug("policy file changed", "path", c.Path, "op", c.Operation, "kind", c.Kind)
			pending = append(pending, c)
			if timer == nil {
				timer = time.NewTimer(w.cfg.Delay)
			} else {
				timer.Reset(w.cfg.Delay)
			}
			timerC = timer.C

		case <-timerC:
			batch := pending
			pending, timerC = nil, nil
			w.cfg.OnChange(ctx, batch)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("watch error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// change filters one event. Only the policy document and *.rego files
// count, and writes that leave the content unchanged are dropped.
func (w *Watcher) change(event fsnotify.Event) (Change, bool) {
	kind, ok := w.classify(event.Name)
	if !ok {
		return Change{}, false
	}

	op := "modify"
	switch {
	case event.Op&fsnotify.Create != 0:
		op = "create"
	case event.Op&fsnotify.Remove != 0:
		op = "delete"
		w.hashes.Remove(event.Name)
	case event.Op&fsnotify.Rename != 0:
		op = "rename"
		w.hashes.Remove(event.Name)
	case event.Op&fsnotify.Write == 0:
		// chmod only
		return Change{}, false
	}
	if (op == "modify" || op == "create") && !w.hashes.HasChanged(event.Name) {
		return Change{}, false
	}
	return Change{Path: event.Name, Operation: op, Kind: kind, Timestamp: time.Now()}, true
}

func (w *Watcher) classify(path string) (Kind, bool) {
	path = filepath.Clean(path)
	if path == w.cfg.DocumentPath {
		return KindDocument, true
	}
	if w.cfg.PoliciesDir != "" && filepath.Dir(path) == w.cfg.PoliciesDir &&
		strings.EqualFold(filepath.Ext(path), ".rego") && !strings.HasPrefix(filepath.Base(path), ".") {
		return KindPolicy, true
	}
	return "", false
}

// ContentHashTracker remembers file hashes to drop no-op writes.
type ContentHashTracker struct {
	mu     sync.Mutex
	hashes map[string][32]byte
}

// NewContentHashTracker returns an empty tracker.
func NewContentHashTracker() *ContentHashTracker {
	return &ContentHashTracker{hashes: make(map[string][32]byte)}
}

// HasChanged hashes path and reports whether it differs from the last call.
// Unreadable files count as changed.
func (t *ContentHashTracker) HasChanged(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return true
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.hashes[path]
	t.hashes[path] = sum
	return !ok || prev != sum
}

// Remove forgets path.
func (t *ContentHashTracker) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hashes, path)
}
