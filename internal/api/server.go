package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server owns the chi router and the underlying http.Server.
type Server struct {
	cfg     domain.ServerConfig
	mux     *chi.Mux
	handler *Handler
	httpSrv *http.Server
}

// NewServer wires the handler and mounts all routes. Health probes stay
// outside the tenant scope so orchestration can hit them unauthenticated.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, orchestrator *engine.Orchestrator, ruleEngine *rules.Engine, version string) *Server {
	h := NewHandler(repo, cache, bus, orchestrator, ruleEngine, version)

	mux := chi.NewRouter()
	mux.Use(
		AllowCrossOrigin,
		Recover,
		Trace,
		RequestLogger,
		middleware.RealIP,
		middleware.Compress(5),
	)

	mux.Get("/health", h.Health)
	mux.Get("/ready", h.Ready)

	mux.Group(func(r chi.Router) {
		r.Use(RequireTenant)

		r.Post("/detect", h.Detect)       // synchronous scoring
		r.Post("/transactions", h.Ingest) // async intake, worker scores

		r.Get("/detections", h.ListDetections)
		r.Get("/detections/{id}", h.GetDetection)

		r.Get("/profiles/{userId}", h.GetProfile)

		r.Get("/rules", h.ListRules)
		r.Get("/rules/{id}", h.GetRule)
		r.Post("/rules", h.CreateRule)
		r.Post("/rules/reload", h.ReloadRules)
	})

	return &Server{cfg: cfg, mux: mux, handler: h}
}

// Start blocks on ListenAndServe until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the mux so tests can drive it with httptest.
func (s *Server) Router() *chi.Mux { return s.mux }

// Handler exposes the wired handler for tests.
func (s *Server) Handler() *Handler { return s.handler }
