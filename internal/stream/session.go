package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"clipcast-live/internal/observability/logging"
	"clipcast-live/internal/observability/metrics"
)

const (
	// DefaultWriteTimeout bounds each outgoing frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval paces keepalive pings to idle subscribers.
	DefaultPingInterval = 30 * time.Second
)

// SessionConfig configures the subscriber WebSocket endpoint.
type SessionConfig struct {
	Registry      *Registry
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	CheckOrigin   func(*http.Request) bool
	ReadBufferLen int
}

// SessionServer upgrades viewer connections and pumps stream messages to
// them. Parameter validation happens after the upgrade so the client receives
// a structured error frame instead of a bare handshake failure.
type SessionServer struct {
	registry     *Registry
	logger       *slog.Logger
	metrics      *metrics.Recorder
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewSessionServer builds a SessionServer from the provided configuration.
func NewSessionServer(cfg SessionConfig) *SessionServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	readBuffer := cfg.ReadBufferLen
	if readBuffer <= 0 {
		readBuffer = 1024
	}
	return &SessionServer{
		registry:     cfg.Registry,
		logger:       logger,
		metrics:      recorder,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleConnection upgrades the request and serves the subscriber until the
// stream ends or the client disconnects.
func (s *SessionServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	query := r.URL.Query()
	key, err := ParseKey(query.Get("src_video_url"), query.Get("is_live"))
	if err != nil {
		s.rejectConnection(conn, query.Get("src_video_url"), err)
		return
	}

	ctx := logging.ContextWithStreamKey(r.Context(), key.String())
	logger := logging.WithContext(ctx, s.logger)

	handle := s.registry.Acquire(key)
	defer s.registry.Release(handle)
	s.metrics.SubscriberJoined()
	defer s.metrics.SubscriberLeft()
	logger.Info("subscriber joined", "remote_addr", r.RemoteAddr)

	s.serve(ctx, conn, handle, logger)
	logger.Info("subscriber left", "remote_addr", r.RemoteAddr)
}

// rejectConnection sends one error frame and a policy-violation close, then
// drops the connection. No registry state is touched for invalid parameters.
func (s *SessionServer) rejectConnection(conn *websocket.Conn, sourceURL string, cause error) {
	defer conn.Close()
	msg, err := NewErrorMessage(sourceURL, cause.Error())
	if err == nil {
		deadline := time.Now().Add(s.writeTimeout)
		conn.SetWriteDeadline(deadline)
		conn.WriteMessage(websocket.TextMessage, msg.Payload)
	}
	closeFrame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "cannot accept")
	conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(s.writeTimeout))
	s.logger.Warn("subscriber rejected", "error", cause)
}

func (s *SessionServer) serve(ctx context.Context, conn *websocket.Conn, handle *Handle, logger *slog.Logger) {
	defer conn.Close()

	readerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Inbound frames are not part of the protocol; the read loop exists to
	// notice client disconnects and answer control frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(s.pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-readerCtx.Done():
			return
		case <-pinger.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		case msg, ok := <-handle.Events():
			if !ok {
				closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(s.writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			frameType := websocket.TextMessage
			if msg.Kind == BinaryMessage {
				frameType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(frameType, msg.Payload); err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}
