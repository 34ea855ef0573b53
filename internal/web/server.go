// Package web is the judge's HTTP surface: the JSON API (C6) and a
// read-only supplemental dashboard with live updates over SSE (C8).
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ouuan/oj/internal/apierror"
	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/queue"
	"github.com/ouuan/oj/internal/store"
)

// Server is the judge's HTTP server: one *http.Server fronting the JSON
// API and the dashboard, sharing the store/config/queue with the worker
// pool.
type Server struct {
	store  *store.Store
	cfg    *ojconfig.Config
	queue  *queue.Queue
	logger *slog.Logger
	server *http.Server

	templates *template.Template

	sseClients   map[chan string]bool
	sseMu        sync.RWMutex
	shutdownOnce sync.Once
}

// New builds a Server. cfg is shared by reference and never mutated
// after process boot.
func New(st *store.Store, cfg *ojconfig.Config, q *queue.Queue, logger *slog.Logger) (*Server, error) {
	tmpl, err := template.New("dashboard").Funcs(templateFuncs()).Parse(dashboardTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dashboard template: %w", err)
	}
	return &Server{
		store:      st,
		cfg:        cfg,
		queue:      q,
		logger:     logger,
		templates:  tmpl,
		sseClients: make(map[chan string]bool),
	}, nil
}

// Start registers every route and blocks serving addr until the server
// is shut down.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.handlePostJob)
	mux.HandleFunc("GET /jobs", s.handleGetJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /jobs/{id}", s.handleRejudgeJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)

	mux.HandleFunc("POST /users", s.handlePostUser)
	mux.HandleFunc("GET /users", s.handleGetUsers)
	mux.HandleFunc("GET /users/{id}", s.handleGetUser)

	mux.HandleFunc("POST /contests", s.handlePostContest)
	mux.HandleFunc("GET /contests", s.handleGetContests)
	mux.HandleFunc("GET /contests/{id}", s.handleGetContest)
	mux.HandleFunc("GET /contests/{id}/ranklist", s.handleRanklist)

	mux.HandleFunc("GET /problems", s.handleGetProblems)
	mux.HandleFunc("GET /problems/{id}", s.handleGetProblem)
	mux.HandleFunc("GET /languages", s.handleGetLanguages)

	mux.HandleFunc("POST /internal/exit", s.handleInternalExit)

	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /dashboard/events", s.handleSSE)

	mux.HandleFunc("/", s.handleNotFound)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and disconnects any SSE
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.sseMu.Lock()
		for ch := range s.sseClients {
			close(ch)
			delete(s.sseClients, ch)
		}
		s.sseMu.Unlock()
	})
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Broadcast pushes an SSE event (e.g. "job:123") to every connected
// dashboard client, dropping it for clients that are too slow to keep up
// rather than blocking the caller.
func (s *Server) Broadcast(event string) {
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()
	for ch := range s.sseClients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// withCORS allows browser-based clients on another origin to reach the
// API, matching the original service's permissive default CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, apierror.NotFound(fmt.Sprintf("Route %s %s", r.Method, r.URL.Path)))
}

// handleInternalExit terminates the process immediately, bypassing
// graceful shutdown. Kept for automated integration testing, mirroring
// the original judge's /internal/exit endpoint; never call this from a
// normal client.
func (s *Server) handleInternalExit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	s.logger.Warn("received /internal/exit, terminating process")
	osExit(0)
}

// writeJSON marshals v as the response body with a 200 status.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing more to do but log upstream.
		_ = err
	}
}

// writeError maps err to the taxonomy in internal/apierror and writes the
// standard error envelope.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierror.ApiError)
	if !ok {
		apiErr = apierror.Wrap(apierror.Internal, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	_ = json.NewEncoder(w).Encode(struct {
		Code    int    `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}{Code: apiErr.Code(), Reason: apiErr.Reason(), Message: apiErr.Message})
}
