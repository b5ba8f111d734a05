package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clipcast-live/internal/observability/metrics"
)

// DefaultSideEffectTimeout bounds detached storage and metadata writes.
const DefaultSideEffectTimeout = 30 * time.Second

const chunkContentType = "application/octet-stream"

// ProducerConfig wires a Producer to its collaborators.
type ProducerConfig struct {
	Gateway  AgentGateway
	Objects  ObjectStore
	Progress ProgressStore
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// SideEffectTimeout overrides DefaultSideEffectTimeout when positive.
	SideEffectTimeout time.Duration
}

// Producer drives one upstream agent connection per run: it requests
// admission through the shared gate, translates inbound events into outgoing
// frames, and dispatches persistence side effects off the publish path. All
// per-stream state is local to Run, so a single Producer serves every key.
type Producer struct {
	gateway           AgentGateway
	objects           ObjectStore
	progress          ProgressStore
	logger            *slog.Logger
	metrics           *metrics.Recorder
	sideEffectTimeout time.Duration
}

// NewProducer builds a Producer from the provided configuration.
func NewProducer(cfg ProducerConfig) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.SideEffectTimeout
	if timeout <= 0 {
		timeout = DefaultSideEffectTimeout
	}
	return &Producer{
		gateway:           cfg.Gateway,
		objects:           cfg.Objects,
		progress:          cfg.Progress,
		logger:            logger,
		metrics:           recorder,
		sideEffectTimeout: timeout,
	}
}

// Run drives the stream for key until the agent finishes, fails, or ctx is
// cancelled. The gate lease is released on the first inbound event of any
// kind; release is idempotent across every exit path.
func (p *Producer) Run(ctx context.Context, key Key, ch *Channel) {
	logger := p.logger.With("stream_key", key.String())
	p.metrics.ProducerStarted()

	lease, err := p.gateway.Admit(ctx)
	if err != nil {
		logger.Info("producer cancelled before admission", "error", err)
		p.metrics.ProducerFinished("cancel")
		return
	}
	defer lease.Release()

	conn, err := p.gateway.Connect(ctx, key.SourceURL, key.IsLive)
	if err != nil {
		logger.Error("agent connection failed", "error", err)
		p.publishError(ch, key, "commentary agent unavailable")
		p.metrics.ProducerFinished("fail")
		return
	}
	defer conn.Close()

	var sideEffects sync.WaitGroup
	defer sideEffects.Wait()

	gated := true
	var chunksSeen int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("producer cancelled", "chunks_seen", chunksSeen)
			p.metrics.ProducerFinished("cancel")
			return
		case ev, ok := <-conn.Events():
			if gated {
				lease.Release()
				gated = false
			}
			if !ok {
				logger.Warn("agent stream closed without completion", "chunks_seen", chunksSeen)
				p.publishError(ch, key, "commentary stream closed unexpectedly")
				p.metrics.ProducerFinished("complete")
				return
			}
			switch ev.Type {
			case EventSnippet:
				p.handleSnippet(ch, key, ev.Snippet, logger)
			case EventChunk:
				chunksSeen++
				p.handleChunk(ch, key, ev.Chunk, &sideEffects, logger)
			case EventComplete:
				p.publishComplete(ch, key)
				logger.Info("commentary stream completed", "chunks_seen", chunksSeen)
				p.metrics.ProducerFinished("complete")
				return
			case EventError:
				logger.Error("agent reported error", "error", ev.Message)
				p.publishError(ch, key, ev.Message)
				p.metrics.ProducerFinished("fail")
				return
			default:
				logger.Debug("ignoring unknown agent message")
			}
		}
	}
}

func (p *Producer) handleSnippet(ch *Channel, key Key, snippet *SnippetEvent, logger *slog.Logger) {
	if snippet == nil {
		return
	}
	sourceURL := snippet.SourceURL
	if sourceURL == "" {
		sourceURL = key.SourceURL
	}
	msg, err := NewSnippetMessage(sourceURL, snippet.VideoData, snippet.Title, snippet.Description)
	if err != nil {
		logger.Error("failed to frame snippet", "error", err)
		return
	}
	ch.Publish(msg)
	p.metrics.ObservePublish(TypeSnippet)
}

// handleChunk dispatches the storage put and progress upsert detached from
// the publish path, then publishes the metadata frame immediately: delivery
// never waits on, and never reflects, side-effect outcomes.
func (p *Producer) handleChunk(ch *Channel, key Key, chunk *ChunkEvent, sideEffects *sync.WaitGroup, logger *slog.Logger) {
	if chunk == nil {
		return
	}
	meta := chunk.Meta
	if meta.SourceURL == "" {
		meta.SourceURL = key.SourceURL
	}
	storageKey := key.StorageKey(meta.ChunkNumber, meta.Format)

	payload := chunk.Payload
	sideEffects.Add(2)
	go func() {
		defer sideEffects.Done()
		sideCtx, cancel := context.WithTimeout(context.Background(), p.sideEffectTimeout)
		defer cancel()
		if err := p.objects.Put(sideCtx, storageKey, chunkContentType, payload); err != nil {
			logger.Error("chunk upload failed", "s3_key", storageKey, "error", err)
			p.metrics.ObserveSideEffectFailure("object_storage")
			return
		}
		logger.Debug("chunk uploaded", "s3_key", storageKey, "bytes", len(payload))
	}()
	go func() {
		defer sideEffects.Done()
		sideCtx, cancel := context.WithTimeout(context.Background(), p.sideEffectTimeout)
		defer cancel()
		if err := p.progress.UpsertProgress(sideCtx, meta); err != nil {
			logger.Error("progress upsert failed", "chunk_number", meta.ChunkNumber, "error", err)
			p.metrics.ObserveSideEffectFailure("progress_store")
			return
		}
		logger.Debug("progress recorded", "chunk_number", meta.ChunkNumber)
	}()

	msg, err := NewChunkMessage(meta, storageKey)
	if err != nil {
		logger.Error("failed to frame chunk metadata", "error", err)
		return
	}
	ch.Publish(msg)
	p.metrics.ObservePublish(TypeCommentaryChunk)
}

func (p *Producer) publishComplete(ch *Channel, key Key) {
	msg, err := NewCompleteMessage(key.SourceURL)
	if err != nil {
		return
	}
	ch.Publish(msg)
	p.metrics.ObservePublish(TypeSnippetComplete)
}

func (p *Producer) publishError(ch *Channel, key Key, message string) {
	if message == "" {
		message = "commentary stream failed"
	}
	msg, err := NewErrorMessage(key.SourceURL, message)
	if err != nil {
		return
	}
	ch.Publish(msg)
	p.metrics.ObservePublish(TypeError)
}
