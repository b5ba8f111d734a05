package storage

import (
	"context"
	"testing"

	"clipcast-live/internal/stream"
)

func TestMemoryProgressStoreUpserts(t *testing.T) {
	store := NewMemoryProgressStore()
	ctx := context.Background()

	first := stream.ChunkMetadata{SourceURL: "https://videos.example.com/a", ChunkNumber: 1, Format: "wav", CommentaryLengthBytes: 10}
	if err := store.UpsertProgress(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updated := first
	updated.CommentaryLengthBytes = 99
	if err := store.UpsertProgress(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	other := stream.ChunkMetadata{SourceURL: "https://videos.example.com/a", ChunkNumber: 2}
	if err := store.UpsertProgress(ctx, other); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if store.Len() != 2 {
		t.Fatalf("len = %d, want 2", store.Len())
	}
	for _, row := range store.Snapshot() {
		if row.ChunkNumber == 1 && row.CommentaryLengthBytes != 99 {
			t.Fatalf("replayed chunk was not overwritten: %+v", row)
		}
	}
}

func TestMemoryBackgroundStoreRoundTrip(t *testing.T) {
	store := NewMemoryBackgroundStore()
	ctx := context.Background()

	live := stream.Key{SourceURL: "https://videos.example.com/a", IsLive: true}
	vod := stream.Key{SourceURL: "https://videos.example.com/a", IsLive: false}
	if err := store.Add(ctx, live); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, live); err != nil {
		t.Fatalf("add twice: %v", err)
	}
	if err := store.Add(ctx, vod); err != nil {
		t.Fatalf("add: %v", err)
	}

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("list returned %d keys, want 2", len(keys))
	}

	if err := store.Remove(ctx, live); err != nil {
		t.Fatalf("remove: %v", err)
	}
	keys, err = store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != vod {
		t.Fatalf("keys after remove = %v", keys)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBackgroundMemberEncodingIsStable(t *testing.T) {
	key := stream.Key{SourceURL: "https://videos.example.com/a", IsLive: true}
	first, err := encodeBackgroundMember(key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := encodeBackgroundMember(key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if first != second {
		t.Fatalf("set members must be deterministic: %q vs %q", first, second)
	}
}
