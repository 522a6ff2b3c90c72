package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fabrica-dev/fabrica/pkg/sandbox"
	"github.com/fabrica-dev/fabrica/pkg/store"
)

// Server serves the REST API for the fabrica system.
type Server struct {
	projects  store.ProjectStore
	messages  store.MessageStore
	fragments store.FragmentStore
	sandbox   sandbox.Manager
	srv       *http.Server
}

// New creates a new Server.
func New(
	projects store.ProjectStore,
	messages store.MessageStore,
	fragments store.FragmentStore,
	sandbox sandbox.Manager,
) *Server {
	return &Server{
		projects:  projects,
		messages:  messages,
		fragments: fragments,
		sandbox:   sandbox,
	}
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting API server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Handler builds the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Project routes
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)

	// Message log
	mux.HandleFunc("GET /api/projects/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/projects/{id}/messages", s.handleCreateMessage)

	// Fragments
	mux.HandleFunc("GET /api/fragments/{id}", s.handleGetFragment)

	// Sandbox
	mux.HandleFunc("GET /api/projects/{id}/sandbox/status", s.handleSandboxStatus)

	return s.corsMiddleware(mux)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
