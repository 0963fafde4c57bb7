package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/conversation"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/voice"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	hub      *voice.Hub
	registry *conversation.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, hub *voice.Hub, registry *conversation.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio and other server-side clients send no Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/v1/twilio/media", s.handleTwilioWS)
	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Get("/v1/metrics/latency", s.handleLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.hub == nil || s.registry == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "voice pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"llm_provider": s.cfg.LLMProvider,
		"tts_provider": s.cfg.TTSProvider,
		"livekit":      s.cfg.LiveKitEnabled(),
		"sms":          s.cfg.SMSEnabled(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := s.sessions.Destroy(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "destroy_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "destroyed"})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Latency())
}

// resolvePrompt falls back to the configured default when a client sends none.
func (s *Server) resolvePrompt(prompt string) string {
	if strings.TrimSpace(prompt) != "" {
		return prompt
	}
	if strings.TrimSpace(s.cfg.DefaultPrompt) != "" {
		return s.cfg.DefaultPrompt
	}
	return conversation.DefaultPrompt(s.cfg.StoreName)
}

// resolveTools maps client tool names to registered tools. No names means
// every registered tool.
func (s *Server) resolveTools(names []string) []conversation.ToolDescriptor {
	if s.registry == nil {
		return nil
	}
	return s.registry.Resolve(names)
}

// release drops a transport and reports whether its session outlived it.
func (s *Server) release(ref, sessionID string) bool {
	if err := s.sessions.Release(context.Background(), ref); err != nil && !errors.Is(err, session.ErrNotFound) {
		return false
	}
	_, err := s.sessions.Get(sessionID)
	return err == nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
