// Package api exposes the orchestrator's REST surface: review submission
// and lifecycle, transport call metrics, and agent health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/revued-io/revued/internal/health"
	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/internal/session"
	"github.com/revued-io/revued/pkg/protocol"
)

// ReviewService is the interface the API server needs from the workflow
// machine.
type ReviewService interface {
	Start(ctx context.Context, paperID, inputRef string) (string, error)
	StartSession(ctx context.Context, sessionID, paperID, inputRef string) (string, error)
	GetStatus(sessionID string) (*protocol.Run, error)
	Abort(sessionID string) error
	Sessions(activeOnly bool) ([]*protocol.Run, error)
}

// CallQuerier abstracts call-record querying to avoid coupling to the
// metrics buffer directly.
type CallQuerier interface {
	Query(since time.Time, limit int) []metrics.Record
	Snapshot(sessionID string) metrics.Summary
}

// HealthQuerier reports the latest agent probe results.
type HealthQuerier interface {
	Snapshot() []health.AgentStatus
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the orchestrator REST API server.
type Server struct {
	svc    ReviewService
	cfg    Config
	logger *slog.Logger
	calls  CallQuerier
	agents HealthQuerier
	srv    *http.Server
}

// NewServer creates a new API server. calls and agents may be nil.
func NewServer(svc ReviewService, cfg Config, logger *slog.Logger, calls CallQuerier, agents HealthQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		calls:  calls,
		agents: agents,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/reviews", s.requireAuth(s.handleCreateReview))
	mux.HandleFunc("GET /api/reviews", s.requireAuth(s.handleListReviews))
	mux.HandleFunc("GET /api/reviews/{id}", s.requireAuth(s.handleGetReview))
	mux.HandleFunc("GET /api/reviews/{id}/result", s.requireAuth(s.handleGetResult))
	mux.HandleFunc("POST /api/reviews/{id}/abort", s.requireAuth(s.handleAbortReview))
	mux.HandleFunc("GET /api/calls", s.requireAuth(s.handleGetCalls))
	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleGetAgents))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createReviewRequest struct {
	PaperID   string `json:"paper_id"`
	InputRef  string `json:"input_ref"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req createReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.InputRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_ref is required"})
		return
	}
	if req.PaperID == "" {
		req.PaperID = req.InputRef
	}

	var (
		sessionID string
		err       error
	)
	if req.SessionID != "" {
		sessionID, err = s.svc.StartSession(r.Context(), req.SessionID, req.PaperID, req.InputRef)
	} else {
		sessionID, err = s.svc.Start(r.Context(), req.PaperID, req.InputRef)
	}
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "session busy"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": sessionID})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	runs, err := s.svc.Sessions(activeOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*protocol.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetStatus(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "review not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetStatus(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "review not found"})
		return
	}
	if run.TerminalState != protocol.TerminalCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("review not completed (state %q)", run.TerminalState),
		})
		return
	}
	writeJSON(w, http.StatusOK, run.FinalResult())
}

func (s *Server) handleAbortReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Abort(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "review not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted", "session_id": id})
}

func (s *Server) handleGetCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeJSON(w, http.StatusOK, []metrics.Record{})
		return
	}

	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		writeJSON(w, http.StatusOK, s.calls.Snapshot(sessionID))
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		if ms, err := strconv.ParseInt(q, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	records := s.calls.Query(since, limit)
	if records == nil {
		records = []metrics.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetAgents(w http.ResponseWriter, _ *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, []health.AgentStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.agents.Snapshot())
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
