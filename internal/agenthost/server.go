// Package agenthost serves a single agent over HTTP: a synchronous
// /process endpoint for the orchestrator, a /health probe, and a websocket
// feed for interactive clients.
package agenthost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revued-io/revued/internal/agents"
	"github.com/revued-io/revued/pkg/protocol"
)

const maxRequestBody = 8 << 20

// Server hosts one agent.
type Server struct {
	agent    agents.Agent
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a server for the given agent.
func New(agent agents.Agent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		agent:  agent,
		logger: logger.With("component", "agenthost", "agent", agent.Name()),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("agent host listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleProcess is the synchronous request path: one request envelope in,
// one response or error envelope out. Malformed JSON is the only HTTP-level
// failure; agent failures travel as error envelopes with status 200 so the
// caller can always correlate the reply.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope: "+err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Receiver != s.agent.Name() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("envelope addressed to %q, this host serves %q", env.Receiver, s.agent.Name()))
		return
	}

	s.logger.Debug("processing request",
		"message_id", env.MessageID,
		"action", env.Payload.Action,
		"session", env.Context.SessionID,
	)

	resp := s.agent.Process(r.Context(), env)
	if resp.MessageType == protocol.MessageError {
		s.logger.Warn("agent reported error", "message_id", env.MessageID, "error", resp.Payload.Error)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agent":  s.agent.Name(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleWS runs the same envelope exchange over a websocket, one request per
// message. Used by interactive clients that want to poke an agent directly.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Info("websocket client connected", "remote", remote)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if _, isNetErr := err.(net.Error); !isNetErr {
					s.logger.Debug("websocket read ended", "remote", remote, "error", err)
				}
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.WriteJSON(map[string]any{"error": "malformed envelope: " + err.Error()})
			continue
		}
		if err := env.Validate(); err != nil {
			conn.WriteJSON(map[string]any{"error": err.Error()})
			continue
		}

		resp := s.agent.Process(r.Context(), env)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("websocket write failed", "remote", remote, "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
