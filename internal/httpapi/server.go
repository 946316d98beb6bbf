// Package httpapi is the control plane's HTTP surface: project,
// environment, and attractor administration, the create-run and cancel
// contracts, run event streaming, and human-in-the-loop question
// answering. It is a thin wrapper around internal/runlifecycle,
// internal/attractorstore, and internal/store — the hard engineering
// lives there; this package only translates HTTP to those contracts and
// back.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/attractor-run/control-plane/internal/attractorstore"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/objectstore"
	"github.com/attractor-run/control-plane/internal/runlifecycle"
	"github.com/attractor-run/control-plane/internal/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server is the attractorctl control plane's HTTP server.
type Server struct {
	config Config

	store      *store.Store
	attractors *attractorstore.Store
	controller *runlifecycle.Controller
	events     *eventlog.Log
	objects    *objectstore.Store

	httpSrv *http.Server
	log     *logrus.Entry
}

// New builds a Server and wires its Go 1.22+ method+pattern routes.
func New(
	cfg Config,
	st *store.Store,
	attractors *attractorstore.Store,
	controller *runlifecycle.Controller,
	events *eventlog.Log,
	objects *objectstore.Store,
	log *logrus.Entry,
) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		config:     cfg,
		store:      st,
		attractors: attractors,
		controller: controller,
		events:     events,
		objects:    objects,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)

	mux.HandleFunc("POST /environments", s.handleCreateEnvironment)
	mux.HandleFunc("GET /environments/{id}", s.handleGetEnvironment)

	mux.HandleFunc("POST /projects/{projectId}/attractors", s.handleCreateProjectAttractor)
	mux.HandleFunc("GET /projects/{projectId}/attractors", s.handleListProjectAttractors)
	mux.HandleFunc("GET /attractors/{id}", s.handleGetAttractorDef)
	mux.HandleFunc("PUT /attractors/{id}/content", s.handlePutProjectAttractorContent)
	mux.HandleFunc("GET /attractors/{id}/versions", s.handleListAttractorVersions)

	mux.HandleFunc("POST /attractors/global", s.handleCreateGlobalAttractor)
	mux.HandleFunc("PUT /attractors/global/{id}/content", s.handlePutGlobalAttractorContent)
	mux.HandleFunc("POST /attractors/global/{id}/promote", s.handlePromoteGlobalAttractor)

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /projects/{projectId}/runs", s.handleListProjectRuns)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/self-iterate", s.handleSelfIterate)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /runs/{id}/artifacts/{key...}", s.handleGetArtifact)

	mux.HandleFunc("GET /questions/{id}", s.handleGetQuestion)
	mux.HandleFunc("POST /questions/{id}/answer", s.handleAnswerQuestion)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ListenAndServe starts the server and blocks until Shutdown is called.
// It installs no signal handling of its own; the serve command calls
// Shutdown when SIGINT or SIGTERM arrives.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.httpSrv.Addr = s.config.ListenAddr
	s.log.WithField("addr", s.config.ListenAddr).Info("httpapi: listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight HTTP connections within the configured
// timeout. It does not touch in-flight runs: those are owned by the
// dispatcher and survive an HTTP server restart.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// csrfProtect rejects cross-origin POST/PUT requests from a browser
// context while allowing CLI/programmatic callers, which either omit
// Origin or set it to match the server.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeBadRequest(w, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "cross-origin request blocked"})
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
