package stream

import "sync"

const (
	// DefaultReplayDepth bounds the history replayed to a late subscriber.
	DefaultReplayDepth = 3
	// DefaultSubscriberBuffer is the per-subscriber channel capacity beyond
	// the replay window.
	DefaultSubscriberBuffer = 16
)

// Channel is the bounded broadcast structure owned by one stream entry:
// exactly one writer (the producer) and zero or more readers. Publish never
// blocks; a subscriber whose buffer is full loses the message instead of
// applying backpressure to the producer.
type Channel struct {
	mu     sync.Mutex
	replay []Message
	subs   map[*Subscription]struct{}
	depth  int
	buffer int
	closed bool
	onDrop func()
}

// NewChannel builds a broadcast channel with the given replay depth and
// per-subscriber buffer. onDrop, when non-nil, is invoked once per message
// dropped for a saturated subscriber.
func NewChannel(replayDepth, subscriberBuffer int, onDrop func()) *Channel {
	if replayDepth <= 0 {
		replayDepth = DefaultReplayDepth
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Channel{
		replay: make([]Message, 0, replayDepth),
		subs:   make(map[*Subscription]struct{}),
		depth:  replayDepth,
		buffer: subscriberBuffer,
		onDrop: onDrop,
	}
}

// Publish appends the message to the replay window and offers it to every
// current subscriber without blocking. Publishing on a closed channel is a
// no-op.
func (c *Channel) Publish(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.replay) == c.depth {
		copy(c.replay, c.replay[1:])
		c.replay = c.replay[:c.depth-1]
	}
	c.replay = append(c.replay, msg)
	for sub := range c.subs {
		select {
		case sub.ch <- msg:
		default:
			if c.onDrop != nil {
				c.onDrop()
			}
		}
	}
}

// Subscribe registers a new reader preloaded with the current replay window.
// Subscribing to a closed channel yields an already-closed subscription.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &Subscription{
		channel: c,
		ch:      make(chan Message, c.depth+c.buffer),
	}
	if c.closed {
		close(sub.ch)
		return sub
	}
	for _, msg := range c.replay {
		sub.ch <- msg
	}
	c.subs[sub] = struct{}{}
	return sub
}

// Close detaches and closes every subscriber. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subs {
		close(sub.ch)
	}
	c.subs = nil
	c.replay = nil
}

// Subscription is one reader's view of a channel. The events channel closes
// when the subscription is closed or the stream is torn down.
type Subscription struct {
	channel *Channel
	ch      chan Message
}

// Events returns the subscriber's message stream.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

// Close detaches the subscription from its channel. Safe to call more than
// once and safe to race with channel teardown.
func (s *Subscription) Close() {
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.subs[s]; !ok {
		return
	}
	delete(c.subs, s)
	close(s.ch)
}
