package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clipcast-live/internal/observability/metrics"
)

type fakeLease struct {
	releases atomic.Int64
}

func (l *fakeLease) Release() { l.releases.Add(1) }

type fakeConn struct {
	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeGateway struct {
	lease      *fakeLease
	conn       *fakeConn
	connectErr error
}

func (g *fakeGateway) Admit(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.lease, nil
}

func (g *fakeGateway) Connect(context.Context, string, bool) (AgentConn, error) {
	if g.connectErr != nil {
		return nil, g.connectErr
	}
	return g.conn, nil
}

type fakeObjectStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *fakeObjectStore) Put(_ context.Context, key, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *fakeObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type fakeProgressStore struct {
	mu    sync.Mutex
	metas []ChunkMetadata
	err   error
}

func (s *fakeProgressStore) UpsertProgress(_ context.Context, meta ChunkMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.metas = append(s.metas, meta)
	return nil
}

func (s *fakeProgressStore) Metas() []ChunkMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkMetadata(nil), s.metas...)
}

type producerFixture struct {
	gateway  *fakeGateway
	objects  *fakeObjectStore
	progress *fakeProgressStore
	recorder *metrics.Recorder
	producer *Producer
	channel  *Channel
	sub      *Subscription
	key      Key
}

func newProducerFixture(t *testing.T) *producerFixture {
	t.Helper()
	f := &producerFixture{
		gateway:  &fakeGateway{lease: &fakeLease{}, conn: newFakeConn()},
		objects:  &fakeObjectStore{},
		progress: &fakeProgressStore{},
		recorder: metrics.New(),
		channel:  NewChannel(3, 16, nil),
		key:      Key{SourceURL: "https://videos.example.com/match.mp4", IsLive: true},
	}
	f.producer = NewProducer(ProducerConfig{
		Gateway:  f.gateway,
		Objects:  f.objects,
		Progress: f.progress,
		Metrics:  f.recorder,
	})
	f.sub = f.channel.Subscribe()
	return f
}

func (f *producerFixture) runAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.producer.Run(ctx, f.key, f.channel)
	}()
	return done
}

func (f *producerFixture) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-f.sub.Events():
		if !ok {
			t.Fatalf("subscription closed while waiting for frame")
		}
		var decoded map[string]any
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return decoded
	case <-time.After(time.Second):
		t.Fatalf("no frame within deadline")
		return nil
	}
}

func waitRunDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("producer did not finish")
	}
}

func TestProducerForwardsSnippetFrames(t *testing.T) {
	f := newProducerFixture(t)
	done := f.runAsync(context.Background())

	f.gateway.conn.events <- Event{Type: EventSnippet, Snippet: &SnippetEvent{VideoData: "dmlkZW8="}}
	frame := f.nextFrame(t)
	if frame["type"] != TypeSnippet {
		t.Fatalf("type = %v", frame["type"])
	}
	meta := frame["data"].(map[string]any)["metadata"].(map[string]any)
	if meta["src_video_url"] != f.key.SourceURL {
		t.Fatalf("snippet without source url must inherit the stream's url, got %v", meta["src_video_url"])
	}

	f.gateway.conn.events <- Event{Type: EventComplete}
	waitRunDone(t, done)

	frame = f.nextFrame(t)
	if frame["type"] != TypeSnippetComplete {
		t.Fatalf("expected completion frame, got %v", frame["type"])
	}
	if got := f.gateway.lease.releases.Load(); got < 1 {
		t.Fatalf("gate lease never released")
	}
}

func TestProducerPublishesChunkMetadataAndPersistsPayload(t *testing.T) {
	f := newProducerFixture(t)
	done := f.runAsync(context.Background())

	f.gateway.conn.events <- Event{Type: EventChunk, Chunk: &ChunkEvent{
		Payload: []byte("audio-bytes"),
		Meta:    ChunkMetadata{ChunkNumber: 2, Format: "wav", AudioSampleRate: 44100},
	}}
	frame := f.nextFrame(t)
	if frame["type"] != TypeCommentaryChunk {
		t.Fatalf("type = %v", frame["type"])
	}
	meta := frame["data"].(map[string]any)["metadata"].(map[string]any)
	wantKey := f.key.StorageKey(2, "wav")
	if meta["s3_key"] != wantKey {
		t.Fatalf("s3_key = %v, want %v", meta["s3_key"], wantKey)
	}

	f.gateway.conn.events <- Event{Type: EventComplete}
	waitRunDone(t, done)

	if keys := f.objects.Keys(); len(keys) != 1 || keys[0] != wantKey {
		t.Fatalf("object store keys = %v", keys)
	}
	metas := f.progress.Metas()
	if len(metas) != 1 || metas[0].ChunkNumber != 2 {
		t.Fatalf("progress rows = %v", metas)
	}
	if metas[0].SourceURL != f.key.SourceURL {
		t.Fatalf("progress row missing source url")
	}
}

func TestProducerDeliversChunkDespiteFailingSinks(t *testing.T) {
	f := newProducerFixture(t)
	f.objects.err = errors.New("bucket down")
	f.progress.err = errors.New("database down")
	done := f.runAsync(context.Background())

	f.gateway.conn.events <- Event{Type: EventChunk, Chunk: &ChunkEvent{
		Payload: []byte("audio-bytes"),
		Meta:    ChunkMetadata{ChunkNumber: 1, Format: "wav"},
	}}
	frame := f.nextFrame(t)
	if frame["type"] != TypeCommentaryChunk {
		t.Fatalf("sink failures must not block delivery, got %v", frame["type"])
	}

	f.gateway.conn.events <- Event{Type: EventComplete}
	waitRunDone(t, done)

	failures := f.recorder.SideEffectFailureCounts()
	if failures["object_storage"] != 1 || failures["progress_store"] != 1 {
		t.Fatalf("side effect failures = %v", failures)
	}
}

func TestProducerReleasesGateOnFirstEventOfAnyKind(t *testing.T) {
	f := newProducerFixture(t)
	done := f.runAsync(context.Background())

	f.gateway.conn.events <- Event{Type: EventUnknown}
	waitFor(t, time.Second, func() bool { return f.gateway.lease.releases.Load() == 1 })

	f.gateway.conn.events <- Event{Type: EventComplete}
	waitRunDone(t, done)

	if got := f.gateway.lease.releases.Load(); got < 1 {
		t.Fatalf("releases = %d", got)
	}
}

func TestProducerForwardsAgentError(t *testing.T) {
	f := newProducerFixture(t)
	done := f.runAsync(context.Background())

	f.gateway.conn.events <- Event{Type: EventError, Message: "analysis failed"}
	waitRunDone(t, done)

	frame := f.nextFrame(t)
	if frame["type"] != TypeError {
		t.Fatalf("type = %v", frame["type"])
	}
	if frame["message"] != "analysis failed" {
		t.Fatalf("message = %v", frame["message"])
	}
	if f.recorder.ProducerEventCounts()["fail"] != 1 {
		t.Fatalf("expected one failed producer, got %v", f.recorder.ProducerEventCounts())
	}
}

func TestProducerTreatsSilentCloseAsError(t *testing.T) {
	f := newProducerFixture(t)
	done := f.runAsync(context.Background())

	close(f.gateway.conn.events)
	waitRunDone(t, done)

	frame := f.nextFrame(t)
	if frame["type"] != TypeError {
		t.Fatalf("silent agent close must surface an error frame, got %v", frame["type"])
	}
}

func TestProducerConnectFailurePublishesError(t *testing.T) {
	f := newProducerFixture(t)
	f.gateway.connectErr = errors.New("connection refused")
	done := f.runAsync(context.Background())
	waitRunDone(t, done)

	frame := f.nextFrame(t)
	if frame["type"] != TypeError {
		t.Fatalf("type = %v", frame["type"])
	}
	if got := f.gateway.lease.releases.Load(); got != 1 {
		t.Fatalf("lease must be released on connect failure, releases = %d", got)
	}
}

func TestProducerCancelPublishesNoFrame(t *testing.T) {
	f := newProducerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.runAsync(ctx)

	cancel()
	waitRunDone(t, done)

	select {
	case msg, ok := <-f.sub.Events():
		if ok {
			t.Fatalf("cancellation must not publish frames, got %s", msg.Payload)
		}
	default:
	}
	if f.recorder.ProducerEventCounts()["cancel"] != 1 {
		t.Fatalf("expected one cancelled producer, got %v", f.recorder.ProducerEventCounts())
	}
	if got := f.recorder.ActiveProducers(); got != 0 {
		t.Fatalf("active producers gauge = %d", got)
	}
}
