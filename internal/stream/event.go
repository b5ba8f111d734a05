package stream

import "context"

// EventType enumerates the producer's event vocabulary decoded from the
// analysis agent's wire messages.
type EventType int

const (
	EventUnknown EventType = iota
	EventSnippet
	EventChunk
	EventComplete
	EventError
)

// String names event types for logs.
func (t EventType) String() string {
	switch t {
	case EventSnippet:
		return "snippet"
	case EventChunk:
		return "chunk"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// SnippetEvent carries one highlight snippet: the base64 video data as
// received from the agent plus its descriptive metadata.
type SnippetEvent struct {
	SourceURL   string
	VideoData   string
	Title       string
	Description string
}

// ChunkEvent carries one commentary chunk: the decoded payload bytes destined
// for object storage plus the chunk metadata.
type ChunkEvent struct {
	Payload []byte
	Meta    ChunkMetadata
}

// Event is one typed inbound message from the analysis agent.
type Event struct {
	Type    EventType
	Snippet *SnippetEvent
	Chunk   *ChunkEvent
	// Message holds the error text for EventError.
	Message string
}

// Lease represents one admission through the upstream gate. Release is
// idempotent: releasing twice never inflates the gate's capacity.
type Lease interface {
	Release()
}

// AgentConn is one live connection to the analysis agent. The events channel
// closes when the connection ends; Close aborts the connection promptly.
type AgentConn interface {
	Events() <-chan Event
	Close() error
}

// AgentGateway admits producers through the shared single-flight gate and
// opens upstream connections. Implemented by internal/agent.
type AgentGateway interface {
	Admit(ctx context.Context) (Lease, error)
	Connect(ctx context.Context, sourceURL string, isLive bool) (AgentConn, error)
}

// ObjectStore persists chunk payloads. Implemented by internal/storage.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// ProgressStore upserts per-chunk processing progress. Implemented by
// internal/storage.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, meta ChunkMetadata) error
}
