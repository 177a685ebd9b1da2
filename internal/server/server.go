// Package server exposes the compliance gate over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/gate"
	"github.com/josephgoksu/rulegate/internal/maintenance"
	"github.com/josephgoksu/rulegate/internal/rules"
)

// Evaluator renders and overrides verdicts. *compliance.Service implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req compliance.Request) (*gate.Verdict, error)
	Override(ctx context.Context, evaluationID, reason string) (*gate.OverrideResult, error)
}

// RuleReader reads the registry. *rules.Registry implements it.
type RuleReader interface {
	List() []*rules.Rule
	Get(id string) (*rules.Rule, bool)
}

// Reporter computes the maintenance report. *maintenance.Analyzer implements it.
type Reporter interface {
	Analyze(ctx context.Context) (*maintenance.Report, error)
}

// EventReader queries the audit log. *audit.Store implements it.
type EventReader interface {
	Events(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// Config configures a Server.
type Config struct {
	Host        string
	Port        int
	Service     Evaluator
	Rules       RuleReader
	Maintenance Reporter
	Events      EventReader
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Origins are the browser origins allowed by CORS.
	Origins []string
	Logger  *slog.Logger
}

type Server struct {
	svc         Evaluator
	rules       RuleReader
	maintenance Reporter
	events      EventReader
	metrics     http.Handler
	origins     map[string]struct{}
	logger      *slog.Logger
	server      *http.Server
}

func New(cfg Config) *Server {
	s := &Server{
		svc:         cfg.Service,
		rules:       cfg.Rules,
		maintenance: cfg.Maintenance,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		origins:     make(map[string]struct{}, len(cfg.Origins)),
		logger:      cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, o := range cfg.Origins {
		s.origins[o] = struct{}{}
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.registerRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(wg *sync.WaitGroup, errChan chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
