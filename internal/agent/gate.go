// Package agent connects producers to the upstream commentary analysis
// service over WebSocket and enforces the shared admission gate in front of
// it.
package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"clipcast-live/internal/stream"
)

// Gate bounds how many producers may hold an upstream analysis slot at once.
// The zero capacity defaults to one, which serializes agent startups.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate builds a gate with the given capacity; capacities below one are
// clamped to one.
func NewGate(capacity int64) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity)}
}

// Admit blocks until a slot is free or ctx is cancelled. The returned lease
// must be released exactly once; extra releases are no-ops.
func (g *Gate) Admit(ctx context.Context) (stream.Lease, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &gateLease{gate: g}, nil
}

type gateLease struct {
	gate *Gate
	once sync.Once
}

func (l *gateLease) Release() {
	l.once.Do(func() {
		l.gate.sem.Release(1)
	})
}
