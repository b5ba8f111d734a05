package storage

import (
	"context"
	"sync"

	"clipcast-live/internal/stream"
)

// MemoryProgressStore keeps chunk progress in process memory. It backs
// deployments without Postgres and the test suite.
type MemoryProgressStore struct {
	mu   sync.Mutex
	rows map[progressKey]stream.ChunkMetadata
}

type progressKey struct {
	sourceURL   string
	chunkNumber int64
}

// NewMemoryProgressStore builds an empty in-memory store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{rows: make(map[progressKey]stream.ChunkMetadata)}
}

// UpsertProgress stores the metadata, overwriting any prior row for the same
// source and chunk number.
func (s *MemoryProgressStore) UpsertProgress(_ context.Context, meta stream.ChunkMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[progressKey{sourceURL: meta.SourceURL, chunkNumber: meta.ChunkNumber}] = meta
	return nil
}

// Snapshot returns a copy of all stored rows.
func (s *MemoryProgressStore) Snapshot() []stream.ChunkMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]stream.ChunkMetadata, 0, len(s.rows))
	for _, meta := range s.rows {
		rows = append(rows, meta)
	}
	return rows
}

// Len reports the number of stored rows.
func (s *MemoryProgressStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
