package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clipcast-live/internal/observability/metrics"
)

// DefaultIdleGrace is the delay between a stream's refcount reaching zero and
// its teardown, absent a new acquire or keep-alive.
const DefaultIdleGrace = 30 * time.Second

// RunFunc drives one producer to completion. It must return when ctx is
// cancelled and must not retain ch afterwards.
type RunFunc func(ctx context.Context, key Key, ch *Channel)

// RegistryConfig configures a stream Registry.
type RegistryConfig struct {
	// Run starts a producer for one stream key; required.
	Run RunFunc
	// IdleGrace overrides DefaultIdleGrace when positive.
	IdleGrace        time.Duration
	ReplayDepth      int
	SubscriberBuffer int
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// Registry owns the key→entry map and is the admission and eviction
// authority for producers: at most one producer runs per key, entries are
// refcounted by subscriber handles, and unused entries are torn down after
// an idle grace period unless marked keep-alive.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry

	run              RunFunc
	grace            time.Duration
	replayDepth      int
	subscriberBuffer int
	logger           *slog.Logger
	metrics          *metrics.Recorder
	producers        sync.WaitGroup
}

type entry struct {
	key       Key
	channel   *Channel
	refCount  int
	keepAlive bool
	producer  *producerHandle
	teardown  *time.Timer
}

type producerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle binds one subscriber session to a stream entry, valid from Acquire
// until Release.
type Handle struct {
	registry *Registry
	key      Key
	sub      *Subscription
	once     sync.Once
}

// Key returns the stream key the handle is bound to.
func (h *Handle) Key() Key {
	return h.key
}

// Events returns the handle's message stream, preloaded with the replay
// window at acquire time.
func (h *Handle) Events() <-chan Message {
	return h.sub.Events()
}

// NewRegistry builds a Registry from the provided configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	grace := cfg.IdleGrace
	if grace <= 0 {
		grace = DefaultIdleGrace
	}
	return &Registry{
		entries:          make(map[Key]*entry),
		run:              cfg.Run,
		grace:            grace,
		replayDepth:      cfg.ReplayDepth,
		subscriberBuffer: cfg.SubscriberBuffer,
		logger:           logger,
		metrics:          recorder,
	}
}

// Acquire returns a handle on the stream for key, creating the entry and
// starting a producer when this is the first subscriber. Concurrent first
// joins on the same key share a single producer. Any pending idle teardown
// for the key is cancelled.
func (r *Registry) Acquire(key Key) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureEntryLocked(key)
	e.refCount++
	sub := e.channel.Subscribe()
	return &Handle{registry: r, key: key, sub: sub}
}

// Release returns the handle acquired earlier. It is idempotent per handle:
// the paired refcount decrement happens exactly once. When the refcount
// reaches zero and the entry is not keep-alive, teardown is scheduled after
// the idle grace period.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.sub.Close()
		r.release(h.key)
	})
}

// EnsureBackgroundStart marks the key keep-alive, creating the entry and
// producer when absent and cancelling any pending teardown. Idempotent.
func (r *Registry) EnsureBackgroundStart(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.ensureEntryLocked(key)
	e.keepAlive = true
}

// StopBackground clears the keep-alive flag; when no subscribers remain the
// entry is torn down immediately.
func (r *Registry) StopBackground(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.keepAlive = false
	if e.refCount == 0 {
		r.destroyLocked(e)
	}
}

// Shutdown tears down every entry and waits for all producers to exit,
// bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, e := range r.entries {
		r.destroyLocked(e)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.producers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports the number of live stream entries.
func (r *Registry) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ProducerRunning reports whether a producer is currently active for key.
func (r *Registry) ProducerRunning(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.producer != nil
}

// ensureEntryLocked creates the entry and producer when missing, restarts a
// terminated producer, and cancels any pending teardown.
func (r *Registry) ensureEntryLocked(key Key) *entry {
	e, ok := r.entries[key]
	if !ok {
		keyLabel := key.String()
		e = &entry{
			key: key,
			channel: NewChannel(r.replayDepth, r.subscriberBuffer, func() {
				r.metrics.ObserveDrop(keyLabel)
			}),
		}
		r.entries[key] = e
		r.logger.Info("stream entry created", "stream_key", keyLabel)
	}
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
	if e.producer == nil {
		r.startProducerLocked(e)
	}
	return e
}

func (r *Registry) startProducerLocked(e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &producerHandle{cancel: cancel, done: make(chan struct{})}
	e.producer = h
	key := e.key
	ch := e.channel
	r.producers.Add(1)
	go func() {
		defer r.producers.Done()
		defer close(h.done)
		r.run(ctx, key, ch)
		r.producerExited(key, h)
	}()
}

// producerExited clears the producer handle so the next Acquire starts a
// fresh producer; no automatic retry happens here.
func (r *Registry) producerExited(key Key, h *producerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.producer != h {
		return
	}
	e.producer = nil
}

func (r *Registry) release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount == 0 && !e.keepAlive {
		r.scheduleTeardownLocked(e)
	}
}

func (r *Registry) scheduleTeardownLocked(e *entry) {
	if e.teardown != nil {
		e.teardown.Stop()
	}
	key := e.key
	e.teardown = time.AfterFunc(r.grace, func() {
		r.teardownFired(key)
	})
}

// teardownFired re-validates the idle condition at fire time: a subscriber
// that arrived, or a keep-alive mark set, after scheduling wins.
func (r *Registry) teardownFired(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.teardown = nil
	if e.refCount > 0 || e.keepAlive {
		return
	}
	r.destroyLocked(e)
}

func (r *Registry) destroyLocked(e *entry) {
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
	if e.producer != nil {
		e.producer.cancel()
		e.producer = nil
	}
	e.channel.Close()
	delete(r.entries, e.key)
	r.logger.Info("stream entry removed", "stream_key", e.key.String())
}
