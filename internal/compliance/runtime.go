package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/config"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/git"
	"github.com/josephgoksu/rulegate/internal/maintenance"
	"github.com/josephgoksu/rulegate/internal/metrics"
	"github.com/josephgoksu/rulegate/internal/policy"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/scoring"
	"github.com/josephgoksu/rulegate/internal/session"
	"github.com/josephgoksu/rulegate/internal/store"
)

// Options configures Open.
type Options struct {
	Config *config.Config
	Paths  config.Paths
	// Fs defaults to the OS filesystem. The database always lives on disk
	// unless Paths.Storage is ":memory:".
	Fs      afero.Fs
	Metrics *metrics.Registry
	// LookPath overrides executable lookup for tool_available checks.
	LookPath func(string) (string, error)
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Runtime owns every long-lived component of one project.
type Runtime struct {
	Config     *config.Config
	Paths      config.Paths
	DB         *store.DB
	Registry   *rules.Registry
	AuditStore *audit.Store
	Audit      *audit.Logger
	Policies   *policy.Engine
	Checks     *gate.CheckRegistry
	Gate       *gate.Gate
	Scorer     *scoring.Scorer
	Metrics    *metrics.Registry
	Analyzer   *maintenance.Analyzer
	Service    *Service
	// Warnings are problems that left the runtime usable, such as a
	// malformed policy document.
	Warnings []string
	// Degraded is set when the database could not be opened and the
	// runtime works on an in-memory copy.
	Degraded bool

	logger *slog.Logger
}

// Open builds the pipeline for one project and loads the rule registry. A
// missing or malformed policy document is reported in Warnings; the last
// known-good rules stay active.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Config == nil {
		d := config.Defaults()
		opts.Config = &d
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg, paths := opts.Config, opts.Paths

	rt := &Runtime{
		Config:  cfg,
		Paths:   paths,
		Metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	db, err := store.Open(paths.Storage)
	if err != nil {
		// Keep enforcing from the policy document; audit batches go to the
		// spool until a later process can write them.
		opts.Metrics.StorageError("registry")
		rt.Warnings = append(rt.Warnings, "database unavailable, compliance history not persisted: "+err.Error())
		db, err = store.Open(":memory:")
		if err != nil {
			return nil, store.NewStorageError("registry", "open", err)
		}
		rt.Degraded = true
	}
	rt.DB = db
	rt.Registry = rules.NewRegistry(rules.Config{
		Store:        rules.NewSQLiteStore(db.SQL()),
		Backups:      rules.NewBackupWriter(opts.Fs, paths.BackupDir),
		Fs:           opts.Fs,
		DocumentPath: paths.Document,
		Clock:        opts.Clock,
		Logger:       opts.Logger.With("component", "registry"),
	})
	if err := rt.Registry.Load(ctx); err != nil {
		var (
			perr *rules.ParseError
			serr *store.StorageError
		)
		switch {
		case store.IsStorageError(err) && errors.Is(err, rules.ErrDocumentNotFound):
			opts.Metrics.StorageError("registry")
			rt.Warnings = append(rt.Warnings, "rule metadata could not be loaded and there is no policy document at "+paths.Document+"; no rules are enforced")
		case errors.Is(err, rules.ErrDocumentNotFound):
			rt.Warnings = append(rt.Warnings, "no policy document at "+paths.Document+"; no rules are enforced")
		case errors.As(err, &perr):
			rt.Warnings = append(rt.Warnings, "policy document not applied: "+perr.Error())
		case errors.As(err, &serr):
			opts.Metrics.StorageError("registry")
			if serr.Op == "load" {
				rt.Warnings = append(rt.Warnings, "rule metadata could not be loaded, rules rebuilt from the policy document: "+err.Error())
			} else {
				rt.Warnings = append(rt.Warnings, "rule metadata not persisted: "+err.Error())
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}

	rt.Policies, err = policy.NewEngine(policy.EngineConfig{
		WorkDir:     paths.Root,
		PoliciesDir: paths.PoliciesDir,
		Fs:          opts.Fs,
		Clock:       opts.Clock,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load policies: %w", err)
	}

	rt.Checks, err = gate.DefaultChecks(gate.ChecksConfig{
		TestGlobs:   cfg.Checks.TestGlobs,
		BackupDir:   cfg.Registry.BackupDir,
		LookPath:    opts.LookPath,
		Expressions: cfg.Checks.Expressions,
		Policies:    rt.Policies,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build checks: %w", err)
	}

	rt.AuditStore = audit.NewStore(db.SQL())
	rt.Audit = audit.NewLogger(audit.LoggerConfig{
		Store:     rt.AuditStore,
		Fs:        opts.Fs,
		SpoolDir:  paths.SpoolDir,
		SpoolOnly: rt.Degraded,
		Logger:    opts.Logger.With("component", "audit"),
	})

	rt.Scorer = scoring.NewScorer(scoring.Config{
		Floor:           cfg.Scoring.Floor,
		StalenessWindow: cfg.Scoring.StalenessWindow,
		UsageSaturation: cfg.Scoring.UsageSaturation,
		Recorder:        rt.Registry,
	})
	rt.Gate = gate.New(gate.Config{
		Rules:        rt.Registry,
		Ranker:       rt.Scorer,
		Audit:        rt.Audit,
		Checks:       rt.Checks,
		Fs:           opts.Fs,
		Root:         paths.Root,
		CheckTimeout: cfg.Checks.Timeout,
		Parallelism:  cfg.Checks.Parallelism,
		Metrics:      opts.Metrics,
		Clock:        opts.Clock,
		Logger:       opts.Logger.With("component", "gate"),
	})

	extCfg := session.ExtractorConfig{
		Fs:           opts.Fs,
		PhaseFile:    paths.PhaseFile,
		DefaultPhase: cfg.Session.DefaultPhase,
		HistoryDepth: cfg.Session.HistoryDepth,
		Clock:        opts.Clock,
		Logger:       opts.Logger.With("component", "session"),
	}
	if cfg.Session.GitSignals {
		extCfg.Git = git.NewClient(paths.Root)
	}

	rt.Service = NewService(ServiceConfig{
		Extractor: session.NewExtractor(extCfg),
		Gate:      rt.Gate,
		Rules:     rt.Registry,
		Scorer:    rt.Scorer,
		Budget:    cfg.Gate.Budget,
		Logger:    opts.Logger,
	})

	rt.Analyzer = maintenance.NewAnalyzer(maintenance.Config{
		Rules:               rt.Registry,
		Events:              rt.AuditStore,
		StaleWindow:         cfg.Maintenance.StaleWindow,
		EffectivenessWindow: cfg.Maintenance.EffectivenessWindow,
		EffectivenessFloor:  cfg.Maintenance.EffectivenessFloor,
		MinEvents:           cfg.Maintenance.MinEvents,
		Clock:               opts.Clock,
		Logger:              opts.Logger.With("component", "maintenance"),
	})

	for _, w := range rt.Warnings {
		opts.Logger.Warn(w)
	}
	return rt, nil
}

// Close flushes the registry and the audit spool and closes the database.
// A registry that still cannot be persisted is logged, not returned: the
// changes were already reported as storage warnings when they happened.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Registry.Dirty() {
		if err := rt.Registry.Flush(ctx); err != nil {
			if !store.IsStorageError(err) {
				errs = append(errs, fmt.Errorf("flush registry: %w", err))
			} else {
				rt.Metrics.StorageError("registry")
				rt.logger.Warn("registry changes not persisted", "error", err)
			}
		}
	}
	if err := rt.Audit.Flush(ctx); err != nil {
		rt.logger.Warn("audit batches left in spool", "error", err)
	}
	if err := rt.Audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit logger: %w", err))
	}
	if err := rt.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
