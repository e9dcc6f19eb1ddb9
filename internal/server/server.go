// Package server is the HTTP collaborator: session and workflow CRUD,
// the node catalog, and SSE run streaming.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/session"
	"github.com/vsavkov/maestro/internal/workflow"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Server exposes the orchestrator core over HTTP.
type Server struct {
	config    Config
	sessions  *session.Registry
	workflows workflow.Store
	nodes     *graph.Registry
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	log       zerolog.Logger
}

// New creates a Server over the given core collaborators.
func New(cfg Config, sessions *session.Registry, workflows workflow.Store, nodes *graph.Registry, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		sessions:  sessions,
		workflows: workflows,
		nodes:     nodes,
		baseCtx:   ctx,
		cancel:    cancel,
		log:       log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Session surface. /api/agents/* is a legacy alias for the same
	// handlers; both prefixes are registered.
	for _, prefix := range []string{"/api/sessions", "/api/agents"} {
		mux.HandleFunc("POST "+prefix, s.handleCreateSession)
		mux.HandleFunc("GET "+prefix, s.handleListSessions)
		mux.HandleFunc("GET "+prefix+"/managers", s.handleListManagers)
		mux.HandleFunc("POST "+prefix+"/cleanup", s.handleCleanupDead)
		mux.HandleFunc("GET "+prefix+"/{id}", s.handleGetSession)
		mux.HandleFunc("GET "+prefix+"/{id}/workers", s.handleListWorkers)
		mux.HandleFunc("POST "+prefix+"/{id}/invoke", s.handleInvoke)
		mux.HandleFunc("GET "+prefix+"/{id}/stream", s.handleStream)
		mux.HandleFunc("POST "+prefix+"/{id}/execute", s.handleExecute)
		mux.HandleFunc("POST "+prefix+"/{id}/stop", s.handleStopSession)
		mux.HandleFunc("DELETE "+prefix+"/{id}", s.handleDeleteSession)
		mux.HandleFunc("DELETE "+prefix+"/{id}/permanent", s.handlePermanentDelete)
		mux.HandleFunc("POST "+prefix+"/{id}/restore", s.handleRestoreSession)
		mux.HandleFunc("POST "+prefix+"/{id}/upgrade", s.handleUpgradeSession)
		mux.HandleFunc("GET "+prefix+"/{id}/state", s.handleGetState)
		mux.HandleFunc("GET "+prefix+"/{id}/history", s.handleGetHistory)
		mux.HandleFunc("GET "+prefix+"/{id}/visualize", s.handleVisualize)
		mux.HandleFunc("GET "+prefix+"/{id}/runs", s.handleListRuns)
	}

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleSaveWorkflow)
	mux.HandleFunc("GET /api/workflows/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/validate", s.handleValidateWorkflow)

	mux.HandleFunc("GET /api/nodes", s.handleNodeCatalog)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects mutating cross-origin requests. Browsers set the
// Origin header on cross-origin requests, so checking it blocks CSRF
// from web pages while allowing CLI/programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and every live session.
func (s *Server) Shutdown() {
	s.sessions.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
