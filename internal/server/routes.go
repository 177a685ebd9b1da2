package server

import "net/http"

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/override", s.handleOverride)
	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	mux.HandleFunc("GET /api/maintenance", s.handleMaintenance)
	mux.HandleFunc("GET /api/audit/events", s.handleAuditEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.logRequests(s.corsMiddleware(mux))
}
