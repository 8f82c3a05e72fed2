package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/config"
	"github.com/proxyme/proxyme/internal/db"
	"github.com/proxyme/proxyme/internal/delegation"
	"github.com/proxyme/proxyme/internal/integration"
	"github.com/proxyme/proxyme/internal/token"
)

// Server is the proxyme token authority: agent registry, token issuer,
// validation engine, delegation workflow and audit log behind one router.
type Server struct {
	cfg        *config.Config
	db         *db.DB
	agents     *agent.Store
	services   *integration.Store
	tokens     *token.Store
	auditStore *audit.Store
	recorder   *audit.Recorder
	hub        *audit.Hub
	issuer     *token.Issuer
	engine     *token.Engine
	workflow   *delegation.Workflow
	router     chi.Router
	httpServer *http.Server
}

// New wires all stores and services onto the database and builds the
// router. It seeds the service integration catalog on first run.
func New(ctx context.Context, cfg *config.Config, database *db.DB) (*Server, error) {
	s := &Server{cfg: cfg, db: database}

	s.agents = agent.NewStore(database)
	s.services = integration.NewStore(database)
	s.tokens = token.NewStore(database)
	s.auditStore = audit.NewStore(database)
	s.hub = audit.NewHub()
	s.recorder = audit.NewRecorder(s.auditStore, s.hub)
	s.issuer = token.NewIssuer(s.tokens, s.agents, s.services, s.recorder)
	s.engine = token.NewEngine(s.tokens, s.agents, s.recorder)
	s.workflow = delegation.NewWorkflow(
		delegation.NewStore(database), s.agents, s.issuer, s.engine, s.recorder, cfg.AuthTTL())

	if err := s.services.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seeding integrations: %w", err)
	}

	s.router = s.buildRouter()
	return s, nil
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Original top-level wire contract.
	s.registerLegacyRoutes(r)

	// Feature APIs under /api.
	agent.RegisterRoutes(r, s.agents, s.recorder, s.engine)
	integration.RegisterRoutes(r, s.services)
	token.RegisterRoutes(r, s.engine)
	delegation.RegisterRoutes(r, s.workflow, s.cfg.RequestTTL())
	audit.RegisterRoutes(r, s.auditStore, s.hub)

	return r
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Database returns the underlying database handle.
func (s *Server) Database() *db.DB { return s.db }

// Workflow returns the delegation workflow, used by the sweep command.
func (s *Server) Workflow() *delegation.Workflow { return s.workflow }

// Start begins listening on the configured address.
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("proxyme server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
