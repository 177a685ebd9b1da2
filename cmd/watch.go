package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/maintenance"
	"github.com/josephgoksu/rulegate/internal/rules"
	"github.com/josephgoksu/rulegate/internal/store"
	"github.com/josephgoksu/rulegate/internal/watch"
)

var watchNoMaintenance bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reparse the policy document and reload policies on change",
	Long: `Watches the policy document and the Rego policies directory. Document
edits trigger a reparse; policy edits trigger a reload. Scheduled maintenance
runs in the background at maintenance.interval unless --no-maintenance is set.

Stop with Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withRuntime(ctx, func(rt *compliance.Runtime) error {
			stopBackground, err := startBackground(ctx, rt, !watchNoMaintenance)
			if err != nil {
				return err
			}
			defer stopBackground()

			if !isQuiet() {
				p := newPrinter(cmd.ErrOrStderr())
				p.Println("Watching " + rt.Paths.Document + " and " + rt.Paths.PoliciesDir + " (Ctrl+C to stop)")
			}
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchNoMaintenance, "no-maintenance", false, "do not run scheduled maintenance")
}

// startBackground starts the file watcher and, when maintain is set, the
// maintenance scheduler. The returned func stops both.
func startBackground(ctx context.Context, rt *compliance.Runtime, maintain bool) (func(), error) {
	log := slog.Default()
	w, err := watch.New(watch.Config{
		DocumentPath: rt.Paths.Document,
		PoliciesDir:  rt.Paths.PoliciesDir,
		OnChange: func(ctx context.Context, changes []watch.Change) {
			applyChanges(ctx, rt, changes, log)
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	var sched *maintenance.Scheduler
	if maintain {
		sched = maintenance.NewScheduler(rt.Analyzer, rt.Config.Maintenance.Interval, log)
		sched.Start(ctx)
	}
	return func() {
		w.Stop()
		if sched != nil {
			sched.Stop()
		}
	}, nil
}

// applyChanges reparses or reloads for one debounced batch.
func applyChanges(ctx context.Context, rt *compliance.Runtime, changes []watch.Change, log *slog.Logger) {
	kinds := watch.Kinds(changes)
	if kinds[watch.KindDocument] {
		res, err := rt.Registry.ReparseFromDisk(ctx)
		var perr *rules.ParseError
		switch {
		case errors.As(err, &perr):
			log.Warn("policy document not reparsed, keeping previous rules", "line", perr.Line, "reason", perr.Reason)
		case errors.Is(err, rules.ErrDocumentNotFound):
			log.Warn("policy document missing, keeping previous rules", "path", rt.Paths.Document)
		case err != nil && (res == nil || !store.IsStorageError(err)):
			log.Error("reparse failed", "error", err)
		default:
			if err != nil {
				log.Warn("reparse not persisted", "error", err)
			}
			if res.Changed() {
				log.Info("rules reparsed",
					"added", len(res.Added), "updated", len(res.Updated),
					"archived", len(res.Archived), "restored", len(res.Restored),
					"total", rt.Registry.Len())
			}
		}
	}
	if kinds[watch.KindPolicy] {
		if err := rt.Policies.Reload(); err != nil {
			log.Error("policy reload failed", "error", err)
			return
		}
		log.Info("policies reloaded", "policies", len(rt.Policies.Names()))
	}
}
