package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/backend"
)

// ServerOptions tunes the relay server.
type ServerOptions struct {
	SweepInterval time.Duration
	PingInterval  time.Duration
}

// Server exposes the session API and the realtime websocket endpoint.
type Server struct {
	hub      *Hub
	backend  *backend.Local
	log      *zap.Logger
	opts     ServerOptions
	upgrader websocket.Upgrader
}

// NewServer creates a relay server.
func NewServer(hub *Hub, b *backend.Local, log *zap.Logger, opts ServerOptions) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	return &Server{
		hub:     hub,
		backend: b,
		log:     log,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/sessions", s.createSession)
	mux.HandleFunc("GET /v1/codes/{code}", s.sessionByCode)
	mux.HandleFunc("GET /v1/codes/{code}/valid", s.validateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/participants", s.addParticipant)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.history)
	mux.HandleFunc("GET /v1/realtime", s.realtime)
	return mux
}

// RunSweeper deletes expired sessions every SweepInterval until ctx ends.
func (s *Server) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.backend.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.backend.CreateSession(r.Context())
	if err != nil {
		s.fail(w, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) sessionByCode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.backend.JoinSession(r.Context(), r.PathValue("code"))
	if err != nil {
		s.fail(w, "lookup session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) validateSession(w http.ResponseWriter, r *http.Request) {
	valid, err := s.backend.ValidateSession(r.Context(), r.PathValue("code"))
	if err != nil {
		s.fail(w, "validate session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	if err := s.backend.AddParticipant(r.Context(), r.PathValue("id"), body.UserID); err != nil {
		s.fail(w, "add participant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.backend.SessionByID(r.Context(), id); err != nil {
		s.fail(w, "lookup session", err)
		return
	}
	msgs, err := s.backend.History(r.Context(), id)
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user is required"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.log.Info("peer connected", zap.String("user_id", userID))
	newPeer(userID, conn, s.hub, s.log, s.opts.PingInterval).serve()
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, backend.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.log.Error(op+" failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
