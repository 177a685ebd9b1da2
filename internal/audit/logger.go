package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/store"
)

// Logger errors.
var (
	ErrClosed           = errors.New("audit logger closed")
	ErrStoreUnavailable = errors.New("audit store unavailable")
	errCorruptSpool     = errors.New("corrupt spool file")
)

// corruptDir holds spool files that could not be decoded, relative to the
// spool directory.
const corruptDir = "corrupt"

// BatchStore is the persistence used by Logger. *Store implements it.
type BatchStore interface {
	AppendBatch(ctx context.Context, b Batch) (*Batch, error)
	Lookup(ctx context.Context, evaluationID string) (*Record, error)
}

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	Store    BatchStore
	Fs       afero.Fs
	SpoolDir string
	// SpoolOnly sends every batch to the spool without touching Store, for
	// a runtime whose database could not be opened.
	SpoolOnly bool
	Logger    *slog.Logger
	// Backoff builds the retry policy used when replaying the spool.
	Backoff func() backoff.BackOff
}

// Logger serializes every audit write through one goroutine. A batch the
// store rejects for a storage reason is spooled to disk and replayed, in
// order, before the next write.
type Logger struct {
	store     BatchStore
	fs        afero.Fs
	spoolDir  string
	spoolOnly bool
	logger    *slog.Logger
	backoff   func() backoff.BackOff

	reqs chan request
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewLogger starts the writer goroutine and replays any spooled batches.
// Call Close to stop it.
func NewLogger(cfg LoggerConfig) *Logger {
	l := &Logger{
		store:     cfg.Store,
		fs:        cfg.Fs,
		spoolDir:  cfg.SpoolDir,
		spoolOnly: cfg.SpoolOnly,
		logger:    cfg.Logger,
		backoff:   cfg.Backoff,
		reqs:      make(chan request),
		quit:      make(chan struct{}),
	}
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.backoff == nil {
		l.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 3)
		}
	}

	l.wg.Add(1)
	go l.run()

	go func() {
		_ = l.do(context.Background(), func(ctx context.Context) error {
			return l.drain(ctx)
		})
	}()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case req := <-l.reqs:
			req.done <- req.fn(req.ctx)
		}
	}
}

// do runs fn on the writer goroutine.
func (l *Logger) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case l.reqs <- req:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

// Append writes one batch. If the store fails the batch is spooled and a
// *store.StorageError is returned; the batch is not lost.
func (l *Logger) Append(ctx context.Context, b Batch) error {
	return l.do(ctx, func(ctx context.Context) error {
		if err := b.Validate(); err != nil {
			return err
		}
		if l.spoolOnly {
			if spoolErr := l.spool(b); spoolErr != nil {
				return store.NewStorageError("audit", "spool", errors.Join(ErrStoreUnavailable, spoolErr))
			}
			return store.NewStorageError("audit", "append", ErrStoreUnavailable)
		}
		if err := l.drain(ctx); err != nil {
			// Older batches are still spooled; queue behind them.
			if spoolErr := l.spool(b); spoolErr != nil {
				return store.NewStorageError("audit", "spool", errors.Join(err, spoolErr))
			}
			return store.NewStorageError("audit", "append", err)
		}
		_, err := l.store.AppendBatch(ctx, b)
		if err == nil || errors.Is(err, ErrDuplicate) {
			return err
		}
		l.logger.Warn("audit batch spooled", "evaluation", b.Summary.EvaluationID, "kind", b.Summary.Kind, "error", err)
		if spoolErr := l.spool(b); spoolErr != nil {
			return store.NewStorageError("audit", "spool", errors.Join(err, spoolErr))
		}
		return store.NewStorageError("audit", "append", err)
	})
}

// Lookup replays the spool and then reads the record for evaluationID.
func (l *Logger) Lookup(ctx context.Context, evaluationID string) (*Record, error) {
	var rec *Record
	err := l.do(ctx, func(ctx context.Context) error {
		if err := l.drain(ctx); err != nil {
			l.logger.Debug("spool replay before lookup failed", "error", err)
		}
		var err error
		rec, err = l.store.Lookup(ctx, evaluationID)
		return err
	})
	return rec, err
}

// Flush replays the spool now.
func (l *Logger) Flush(ctx context.Context) error {
	return l.do(ctx, l.drain)
}

// Pending returns the number of spooled batches.
func (l *Logger) Pending() (int, error) {
	files, err := l.spoolFiles()
	return len(files), err
}

// Close stops the writer goroutine. Spooled batches stay on disk.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
	return nil
}

// drain replays spooled batches oldest first, stopping at the first one the
// store still rejects. Files that cannot be decoded are moved aside.
func (l *Logger) drain(ctx context.Context) error {
	if l.spoolOnly {
		return nil
	}
	files, err := l.spoolFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		b, err := l.readSpool(path)
		if errors.Is(err, errCorruptSpool) {
			if qerr := l.quarantine(path); qerr != nil {
				return qerr
			}
			continue
		}
		if err != nil {
			l.logger.Error("unreadable spool file left in place", "path", path, "error", err)
			return err
		}
		op := func() error {
			_, err := l.store.AppendBatch(ctx, *b)
			if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrInvalid) {
				return backoff.Permanent(err)
			}
			return err
		}
		err = backoff.Retry(op, backoff.WithContext(l.backoff(), ctx))
		switch {
		case err == nil, errors.Is(err, ErrDuplicate):
		case errors.Is(err, ErrInvalid):
			l.logger.Error("dropping invalid spooled batch", "path", path, "error", err)
		default:
			return err
		}
		if err := l.fs.Remove(path); err != nil {
			return fmt.Errorf("remove spool file: %w", err)
		}
		l.logger.Info("spooled audit batch replayed", "evaluation", b.Summary.EvaluationID)
	}
	return nil
}

func (l *Logger) spool(b Batch) error {
	if l.spoolDir == "" {
		return errors.New("no spool directory configured")
	}
	if err := l.fs.MkdirAll(l.spoolDir, 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	name := fmt.Sprintf("%020d-%s-%s.jsonl", time.Now().UnixNano(), b.Summary.Kind, sanitize(b.Summary.EvaluationID))
	path := filepath.Join(l.spoolDir, name)
	// Written under a name drain ignores, then renamed into place.
	tmp := path + ".tmp"
	if err := afero.WriteFile(l.fs, tmp, append(line, '\n'), 0644); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("rename spool file: %w", err)
	}
	return nil
}

// quarantine moves an undecodable spool file into the corrupt directory so
// later batches can still be replayed.
func (l *Logger) quarantine(path string) error {
	dir := filepath.Join(l.spoolDir, corruptDir)
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create corrupt spool dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := l.fs.Rename(path, dst); err != nil {
		return fmt.Errorf("move corrupt spool file: %w", err)
	}
	l.logger.Error("corrupt spool file moved aside", "path", path, "moved_to", dst)
	return nil
}

func (l *Logger) readSpool(path string) (*Batch, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptSpool, err)
		}
		return nil, fmt.Errorf("%w: empty", errCorruptSpool)
	}
	var b Batch
	if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
		return nil, fmt.Errorf("%w: decode spooled batch: %w", errCorruptSpool, err)
	}
	return &b, nil
}

func (l *Logger) spoolFiles() ([]string, error) {
	if l.spoolDir == "" {
		return nil, nil
	}
	ok, err := afero.DirExists(l.fs, l.spoolDir)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := afero.ReadDir(l.fs, l.spoolDir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			out = append(out, filepath.Join(l.spoolDir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}
