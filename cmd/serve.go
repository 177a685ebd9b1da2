package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/server"
)

var (
	serveHost    string
	servePort    int
	serveNoWatch bool
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the compliance gate over HTTP",
	Long: `Starts the HTTP API together with the file watcher and scheduled maintenance.

Endpoints:
  POST /api/evaluate          evaluate an action
  POST /api/override          override a blocked evaluation
  GET  /api/rules             list rules
  GET  /api/rules/{id}        one rule
  GET  /api/maintenance       maintenance report
  GET  /api/audit/events      audit events
  GET  /metrics               Prometheus metrics

Examples:
  rulegate serve                     # listen on server.host:server.port
  rulegate serve --port 8080
  rulegate serve --no-watch          # server only`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default: server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default: server.port)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "don't watch the policy document or run maintenance")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", []string{"http://localhost:5173"}, "browser origins allowed by CORS")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	return withRuntime(ctx, func(rt *compliance.Runtime) error {
		cfg := rt.Config.Server
		if serveHost != "" {
			cfg.Host = serveHost
		}
		if servePort != 0 {
			cfg.Port = servePort
		}

		srv := server.New(server.Config{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Service:     rt.Service,
			Rules:       rt.Registry,
			Maintenance: rt.Analyzer,
			Events:      rt.AuditStore,
			Metrics:     rt.Metrics.Handler(),
			Origins:     serveOrigins,
			Logger:      slog.Default(),
		})

		var wg sync.WaitGroup
		errChan := make(chan error, 1)
		srv.Start(&wg, errChan)

		stopBackground := func() {}
		if !serveNoWatch {
			stop, err := startBackground(ctx, rt, true)
			if err != nil {
				_ = srv.Shutdown(context.WithoutCancel(ctx))
				wg.Wait()
				return fmt.Errorf("start watcher: %w", err)
			}
			stopBackground = stop
		}

		errOut := cmd.ErrOrStderr()
		if !isQuiet() {
			fmt.Fprintf(errOut, "rulegate listening on http://%s (Ctrl+C to stop)\n", srv.Addr())
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		var runErr error
		select {
		case sig := <-sigChan:
			if !isQuiet() {
				fmt.Fprintf(errOut, "received %v, shutting down\n", sig)
			}
		case runErr = <-errChan:
		case <-ctx.Done():
		}

		stopBackground()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			LogError("server shutdown", err)
		}
		wg.Wait()
		return runErr
	})
}
