// Package server exposes the HTTP surface: the subscriber WebSocket endpoint,
// background stream management, health, and metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clipcast-live/internal/observability/logging"
	"clipcast-live/internal/observability/metrics"
	"clipcast-live/internal/storage"
	"clipcast-live/internal/stream"
)

// TLSConfig points at the server certificate pair; both files empty disables
// TLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config assembles the server's collaborators and listen settings.
type Config struct {
	Addr       string
	TLS        TLSConfig
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Sessions   *stream.SessionServer
	Registry   *stream.Registry
	Background storage.BackgroundStore
	// Components names the configured collaborator drivers, reported on
	// /healthz (for example progress_store: postgres).
	Components map[string]string
}

// Server wraps the http.Server with the commentary routes and middleware
// chain.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	registry    *stream.Registry
	background  storage.BackgroundStore
	components  map[string]string
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the routes and middleware chain.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session server is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("stream registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	srv := &Server{
		logger:      logger,
		metrics:     recorder,
		registry:    cfg.Registry,
		background:  cfg.Background,
		components:  cfg.Components,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/ws/commentary", cfg.Sessions.HandleConnection)
	mux.HandleFunc("/v1/streams/background", srv.handleBackground)

	handlerChain := http.Handler(mux)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logger)(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.httpServer = httpServer

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := map[string]any{
		"status":             "ok",
		"streams":            s.registry.Entries(),
		"active_producers":   s.metrics.ActiveProducers(),
		"active_subscribers": s.metrics.ActiveSubscribers(),
	}
	if len(s.components) > 0 {
		payload["components"] = s.components
	}
	writeJSON(w, http.StatusOK, payload)
}

type backgroundRequest struct {
	SourceURL string `json:"src_video_url"`
	IsLive    bool   `json:"is_live"`
}

// handleBackground adds (POST) or removes (DELETE) a keep-alive stream. The
// durable store is updated first so a crash never loses an accepted request.
func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req backgroundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := stream.ParseKey(req.SourceURL, fmt.Sprintf("%t", req.IsLive))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := logging.WithContext(r.Context(), s.logger).With("stream_key", key.String())

	if r.Method == http.MethodPost {
		if s.background != nil {
			if err := s.background.Add(r.Context(), key); err != nil {
				logger.Error("background store add failed", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "background store unavailable")
				return
			}
		}
		s.registry.EnsureBackgroundStart(key)
		logger.Info("background stream enabled")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
		return
	}

	if s.background != nil {
		if err := s.background.Remove(r.Context(), key); err != nil {
			logger.Error("background store remove failed", "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "background store unavailable")
			return
		}
	}
	s.registry.StopBackground(key)
	logger.Info("background stream disabled")
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
