// Package httpapi exposes the running capture session over HTTP: status,
// stop, the preset tables, WebRTC offers and a telemetry websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/handoff"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/pkg/models"
)

var log = logging.L("httpapi")

const maxOfferBytes = 256 << 10

// Session is the part of a capture session the API controls.
type Session interface {
	ID() string
	Snapshot() models.SessionStats
	Stop()
}

// Answerer negotiates a WebRTC offer.
type Answerer interface {
	Answer(ctx context.Context, offer string) (string, error)
}

// Options configure a Server. Telemetry and Ingest are optional.
type Options struct {
	Addr               string
	AllowedOrigins     []string
	Telemetry          http.Handler
	Ingest             Answerer
	CompressionPresets []handoff.Preset
	SplitPresets       []config.SplitPreset
}

type Server struct {
	opts   Options
	router *mux.Router
	server *http.Server

	mu      sync.RWMutex
	session Session
}

type response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func New(opts Options) *Server {
	s := &Server{opts: opts, router: mux.NewRouter()}
	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", s.getSessionHandler).Methods(http.MethodGet)
	api.HandleFunc("/session/stop", s.stopSessionHandler).Methods(http.MethodPost)
	api.HandleFunc("/presets", s.getPresetsHandler).Methods(http.MethodGet)
	api.HandleFunc("/webrtc/offer", s.offerHandler).Methods(http.MethodPost)
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	if s.opts.Telemetry != nil {
		s.router.Handle("/ws/telemetry", s.opts.Telemetry)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int64(logging.KeyDurationMs, time.Since(start).Milliseconds()))
	})
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// SetSession sets the session the API reports on and controls. nil clears it.
func (s *Server) SetSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Server) currentSession() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	log.Info("starting HTTP API", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no capture session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no capture session")
		return
	}
	log.Info("stop requested", zap.String(logging.KeySessionID, sess.ID()), zap.String("remote", r.RemoteAddr))
	sess.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sess.ID()})
}

func (s *Server) getPresetsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"compression": s.opts.CompressionPresets,
		"split":       s.opts.SplitPresets,
	})
}

func (s *Server) offerHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "WebRTC ingest is not enabled")
		return
	}
	var offer sessionDescription
	if err := json.NewDecoder(io.LimitReader(r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if offer.Type != "offer" || offer.SDP == "" {
		writeError(w, http.StatusBadRequest, "expected an SDP offer")
		return
	}

	answer, err := s.opts.Ingest.Answer(r.Context(), offer.SDP)
	if err != nil {
		log.Warn("WebRTC negotiation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionDescription{Type: "answer", SDP: answer})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"session": s.currentSession() != nil})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Success: true, Data: data, Timestamp: time.Now().Unix()}); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Message: message, Timestamp: time.Now().Unix()})
}
