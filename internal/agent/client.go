package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipcast-live/internal/observability/metrics"
	"clipcast-live/internal/stream"
)

// DefaultHandshakeTimeout bounds the upstream WebSocket handshake.
const DefaultHandshakeTimeout = 15 * time.Second

// Config describes the upstream analysis agent endpoint.
type Config struct {
	// Endpoint is the agent's WebSocket URL (ws:// or wss://).
	Endpoint         string
	HandshakeTimeout time.Duration
	// GateCapacity bounds concurrent upstream analyses; defaults to 1.
	GateCapacity int64
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Gateway dials the analysis agent and translates its wire messages into
// typed producer events. It also owns the shared admission gate.
type Gateway struct {
	endpoint string
	dialer   *websocket.Dialer
	gate     *Gate
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New validates the endpoint and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("agent endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid agent endpoint: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("agent endpoint must use ws or wss, got %q", parsed.Scheme)
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		gate:    NewGate(cfg.GateCapacity),
		logger:  logger,
		metrics: recorder,
	}, nil
}

// Admit acquires an analysis slot and records the wait time.
func (g *Gateway) Admit(ctx context.Context) (stream.Lease, error) {
	start := time.Now()
	lease, err := g.gate.Admit(ctx)
	if err != nil {
		return nil, err
	}
	g.metrics.ObserveGateWait(time.Since(start))
	return lease, nil
}

type startFrame struct {
	Type string         `json:"type"`
	Data startFrameData `json:"data"`
}

type startFrameData struct {
	SourceURL string `json:"src_video_url"`
	IsLive    bool   `json:"is_live"`
}

// Connect dials the agent, sends the start request for the source, and
// returns a connection whose events channel yields decoded agent messages.
func (g *Gateway) Connect(ctx context.Context, sourceURL string, isLive bool) (stream.AgentConn, error) {
	wsConn, resp, err := g.dialer.DialContext(ctx, g.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	if err := wsConn.WriteJSON(startFrame{
		Type: "start_analysis",
		Data: startFrameData{SourceURL: sourceURL, IsLive: isLive},
	}); err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("send start request: %w", err)
	}

	conn := &agentConn{
		ws:     wsConn,
		events: make(chan stream.Event),
		done:   make(chan struct{}),
		logger: g.logger.With("src_video_url", sourceURL),
	}
	go conn.readLoop()
	return conn, nil
}

type agentConn struct {
	ws        *websocket.Conn
	events    chan stream.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *agentConn) Events() <-chan stream.Event {
	return c.events
}

// Close aborts the connection. The read loop observes the closed socket and
// closes the events channel.
func (c *agentConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type inboundSnippetData struct {
	VideoData string `json:"video_data"`
	Metadata  struct {
		SourceURL   string `json:"src_video_url"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"metadata"`
}

type inboundChunkData struct {
	AudioData string `json:"audio_data"`
	Metadata  struct {
		SourceURL             string `json:"src_video_url"`
		ChunkNumber           int64  `json:"chunk_number"`
		Format                string `json:"format"`
		AudioSampleRate       int    `json:"audio_sample_rate"`
		CommentaryLengthBytes int64  `json:"commentary_length_bytes"`
		VideoLengthBytes      int64  `json:"video_length_bytes"`
		ChunksProcessed       *int64 `json:"num_chunks_processed"`
	} `json:"metadata"`
}

// readLoop decodes agent frames until the socket closes. Events are delivered
// in arrival order; a malformed frame is surfaced as an error event and ends
// the stream.
func (c *agentConn) readLoop() {
	defer close(c.events)
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("agent connection closed", "error", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.deliver(stream.Event{Type: stream.EventError, Message: "malformed agent message"})
			return
		}
		ev, terminal := c.decode(frame)
		if !c.deliver(ev) {
			return
		}
		if terminal {
			return
		}
	}
}

func (c *agentConn) decode(frame inboundFrame) (stream.Event, bool) {
	switch frame.Type {
	case "snippet":
		var data inboundSnippetData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return stream.Event{Type: stream.EventError, Message: "malformed snippet"}, true
		}
		return stream.Event{
			Type: stream.EventSnippet,
			Snippet: &stream.SnippetEvent{
				SourceURL:   data.Metadata.SourceURL,
				VideoData:   data.VideoData,
				Title:       data.Metadata.Title,
				Description: data.Metadata.Description,
			},
		}, false
	case "live_commentary_chunk":
		var data inboundChunkData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return stream.Event{Type: stream.EventError, Message: "malformed commentary chunk"}, true
		}
		decoded, err := base64.StdEncoding.DecodeString(data.AudioData)
		if err != nil {
			return stream.Event{Type: stream.EventError, Message: "malformed chunk payload"}, true
		}
		return stream.Event{
			Type: stream.EventChunk,
			Chunk: &stream.ChunkEvent{
				Payload: decoded,
				Meta: stream.ChunkMetadata{
					SourceURL:             data.Metadata.SourceURL,
					ChunkNumber:           data.Metadata.ChunkNumber,
					Format:                data.Metadata.Format,
					AudioSampleRate:       data.Metadata.AudioSampleRate,
					CommentaryLengthBytes: data.Metadata.CommentaryLengthBytes,
					VideoLengthBytes:      data.Metadata.VideoLengthBytes,
					ChunksProcessed:       data.Metadata.ChunksProcessed,
				},
			},
		}, false
	case "snippet_complete":
		return stream.Event{Type: stream.EventComplete}, true
	case "error":
		message := frame.Message
		if message == "" {
			message = "analysis failed"
		}
		return stream.Event{Type: stream.EventError, Message: message}, true
	default:
		c.logger.Debug("unknown agent message", "type", frame.Type)
		return stream.Event{Type: stream.EventUnknown}, false
	}
}

// deliver hands the event to the producer unless Close raced ahead.
func (c *agentConn) deliver(ev stream.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
