package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voxrelay/internal/config"
	"github.com/ent0n29/voxrelay/internal/memory"
	"github.com/ent0n29/voxrelay/internal/observability"
	"github.com/ent0n29/voxrelay/internal/session"
)

const (
	rootHelpText    = "Use WebSocket client to connect to /ws"
	upgradeRequired = "Expected Upgrade: WebSocket"
	maxKeyLen       = 128
)

type Server struct {
	cfg        config.Config
	sessions   *session.Registry
	metrics    *observability.Metrics
	transcript memory.Store
	upgrader   websocket.Upgrader
	static     http.Handler
	log        *slog.Logger

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

// New builds the relay server. transcript may be nil when no sink is wired.
func New(cfg config.Config, sessions *session.Registry, metrics *observability.Metrics, transcript memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		metrics:    metrics,
		transcript: transcript,
		static:     newStaticHandler(),
		log:        logger,
		conns:      make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless any origin is allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondText(w, http.StatusOK, rootHelpText)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleWS)
	r.Get("/ws/{key}", s.handleWS)
	r.Get("/messages", s.handleMessages)
	r.Get("/messages/{key}", s.handleMessages)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/transcripts/{key}", s.handleTranscript)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// sessionKey reads the key from the path, falling back to the configured
// default for the bare routes.
func (s *Server) sessionKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		key = s.cfg.SessionDefaultKey
	}
	if len(key) > maxKeyLen {
		return "", errors.New("session key too long")
	}
	return key, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key, err := s.sessionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_key", err.Error())
		return
	}
	sess, err := s.sessions.Get(key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": sess.History()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	keys := s.sessions.Keys()
	out := make([]session.Info, 0, len(keys))
	for _, k := range keys {
		if sess, ok := s.sessions.Lookup(k); ok {
			out = append(out, sess.Info())
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	key, err := s.sessionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_key", err.Error())
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
	}
	records, err := s.transcript.Transcript(r.Context(), key, limit)
	if err != nil {
		s.log.Error("transcript query failed", "session", key, "err", err)
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", "transcript query failed")
		return
	}
	if records == nil {
		records = []memory.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_key": key, "turns": records})
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

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
