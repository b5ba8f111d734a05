package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// producer lifecycle events, subscriber fan-out, message delivery, the
// upstream admission gate, and side-effect outcomes. Writers are coordinated
// through a RWMutex; the active gauges use atomics so hot paths stay cheap.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	producerEvents     map[string]uint64
	publishedMessages  map[string]uint64
	droppedMessages    map[string]uint64
	sideEffectFailures map[string]uint64
	gateWaitCount      uint64
	gateWaitTotal      time.Duration
	activeProducers    atomic.Int64
	activeSubscribers  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		producerEvents:     make(map[string]uint64),
		publishedMessages:  make(map[string]uint64),
		droppedMessages:    make(map[string]uint64),
		sideEffectFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not carry
// their own instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ProducerStarted records a producer start and increments the active gauge.
func (r *Recorder) ProducerStarted() {
	r.observeProducerEvent("start")
	r.activeProducers.Add(1)
}

// ProducerFinished records a producer terminal state (complete, fail, or
// cancel) and decrements the active gauge without letting it go negative.
func (r *Recorder) ProducerFinished(outcome string) {
	r.observeProducerEvent(outcome)
	decrementGauge(&r.activeProducers)
}

func (r *Recorder) observeProducerEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.producerEvents[name]++
	r.mu.Unlock()
}

// SubscriberJoined increments the active subscriber gauge.
func (r *Recorder) SubscriberJoined() {
	r.activeSubscribers.Add(1)
}

// SubscriberLeft decrements the active subscriber gauge.
func (r *Recorder) SubscriberLeft() {
	decrementGauge(&r.activeSubscribers)
}

// ObservePublish counts one published outgoing message by wire type.
func (r *Recorder) ObservePublish(messageType string) {
	name := normalizeName(messageType)
	r.mu.Lock()
	r.publishedMessages[name]++
	r.mu.Unlock()
}

// ObserveDrop counts one message dropped for a saturated subscriber on the
// given stream key.
func (r *Recorder) ObserveDrop(streamKey string) {
	name := normalizeName(streamKey)
	r.mu.Lock()
	r.droppedMessages[name]++
	r.mu.Unlock()
}

// ObserveSideEffectFailure counts a failed storage or metadata write by sink.
func (r *Recorder) ObserveSideEffectFailure(sink string) {
	name := normalizeName(sink)
	r.mu.Lock()
	r.sideEffectFailures[name]++
	r.mu.Unlock()
}

// ObserveGateWait records how long a producer waited for upstream admission.
func (r *Recorder) ObserveGateWait(duration time.Duration) {
	r.mu.Lock()
	r.gateWaitCount++
	r.gateWaitTotal += duration
	r.mu.Unlock()
}

// ActiveProducers exposes the current gauge of running producers.
func (r *Recorder) ActiveProducers() int64 {
	return r.activeProducers.Load()
}

// ActiveSubscribers exposes the current gauge of connected subscribers.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeSubscribers.Load()
}

// ProducerEventCounts returns a copy of the producer lifecycle counters.
func (r *Recorder) ProducerEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.producerEvents))
	for k, v := range r.producerEvents {
		events[k] = v
	}
	return events
}

// DroppedMessageCounts returns a copy of the per-key drop counters.
func (r *Recorder) DroppedMessageCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dropped := make(map[string]uint64, len(r.droppedMessages))
	for k, v := range r.droppedMessages {
		dropped[k] = v
	}
	return dropped
}

// SideEffectFailureCounts returns a copy of the per-sink failure counters.
func (r *Recorder) SideEffectFailureCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failures := make(map[string]uint64, len(r.sideEffectFailures))
	for k, v := range r.sideEffectFailures {
		failures[k] = v
	}
	return failures
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.producerEvents = make(map[string]uint64)
	r.publishedMessages = make(map[string]uint64)
	r.droppedMessages = make(map[string]uint64)
	r.sideEffectFailures = make(map[string]uint64)
	r.gateWaitCount = 0
	r.gateWaitTotal = 0
	r.activeProducers.Store(0)
	r.activeSubscribers.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	producerEvents := sortedKeys(r.producerEvents)
	publishedMessages := sortedKeys(r.publishedMessages)
	droppedMessages := sortedKeys(r.droppedMessages)
	sideEffectFailures := sortedKeys(r.sideEffectFailures)

	fmt.Fprintln(w, "# HELP clipcast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE clipcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "clipcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP clipcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "clipcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP clipcast_producer_events_total Producer lifecycle events by outcome")
	fmt.Fprintln(w, "# TYPE clipcast_producer_events_total counter")
	for _, event := range producerEvents {
		fmt.Fprintf(w, "clipcast_producer_events_total{event=\"%s\"} %d\n", event, r.producerEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipcast_active_producers Current number of running stream producers")
	fmt.Fprintln(w, "# TYPE clipcast_active_producers gauge")
	fmt.Fprintf(w, "clipcast_active_producers %d\n", r.activeProducers.Load())

	fmt.Fprintln(w, "# HELP clipcast_active_subscribers Current number of connected subscriber sessions")
	fmt.Fprintln(w, "# TYPE clipcast_active_subscribers gauge")
	fmt.Fprintf(w, "clipcast_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP clipcast_messages_published_total Outgoing messages published by wire type")
	fmt.Fprintln(w, "# TYPE clipcast_messages_published_total counter")
	for _, name := range publishedMessages {
		fmt.Fprintf(w, "clipcast_messages_published_total{type=\"%s\"} %d\n", name, r.publishedMessages[name])
	}

	fmt.Fprintln(w, "# HELP clipcast_messages_dropped_total Messages dropped for saturated subscribers by stream key")
	fmt.Fprintln(w, "# TYPE clipcast_messages_dropped_total counter")
	for _, name := range droppedMessages {
		fmt.Fprintf(w, "clipcast_messages_dropped_total{stream=\"%s\"} %d\n", name, r.droppedMessages[name])
	}

	fmt.Fprintln(w, "# HELP clipcast_side_effect_failures_total Failed storage or metadata writes by sink")
	fmt.Fprintln(w, "# TYPE clipcast_side_effect_failures_total counter")
	for _, name := range sideEffectFailures {
		fmt.Fprintf(w, "clipcast_side_effect_failures_total{sink=\"%s\"} %d\n", name, r.sideEffectFailures[name])
	}

	fmt.Fprintln(w, "# HELP clipcast_gate_wait_seconds_sum Cumulative time producers spent waiting for upstream admission")
	fmt.Fprintln(w, "# TYPE clipcast_gate_wait_seconds_sum counter")
	fmt.Fprintf(w, "clipcast_gate_wait_seconds_sum %f\n", r.gateWaitTotal.Seconds())

	fmt.Fprintln(w, "# HELP clipcast_gate_wait_seconds_count Total number of upstream admissions")
	fmt.Fprintln(w, "# TYPE clipcast_gate_wait_seconds_count counter")
	fmt.Fprintf(w, "clipcast_gate_wait_seconds_count %d\n", r.gateWaitCount)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	normalized := path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
