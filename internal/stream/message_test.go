package stream

import (
	"encoding/json"
	"testing"
)

func decodeFrame(t *testing.T, msg Message) map[string]any {
	t.Helper()
	if msg.Kind != TextMessage {
		t.Fatalf("expected text frame, got kind %d", msg.Kind)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return decoded
}

func TestNewSnippetMessageNormalizesMetadata(t *testing.T) {
	// "e" plus combining acute normalizes to the precomposed rune.
	msg, err := NewSnippetMessage("https://videos.example.com/a", "dmlkZW8=", "café", "")
	if err != nil {
		t.Fatalf("NewSnippetMessage: %v", err)
	}
	frame := decodeFrame(t, msg)
	if frame["type"] != TypeSnippet {
		t.Fatalf("type = %v", frame["type"])
	}
	data := frame["data"].(map[string]any)
	if data["video_data"] != "dmlkZW8=" {
		t.Fatalf("video_data = %v", data["video_data"])
	}
	meta := data["metadata"].(map[string]any)
	if meta["src_video_url"] != "https://videos.example.com/a" {
		t.Fatalf("src_video_url = %v", meta["src_video_url"])
	}
	if meta["title"] != "café" {
		t.Fatalf("title not NFC normalized: %q", meta["title"])
	}
	if _, ok := meta["description"]; ok {
		t.Fatalf("empty description should be omitted")
	}
}

func TestNewChunkMessageCarriesStorageKeyNotPayload(t *testing.T) {
	processed := int64(4)
	msg, err := NewChunkMessage(ChunkMetadata{
		SourceURL:             "https://videos.example.com/a",
		ChunkNumber:           3,
		Format:                "wav",
		AudioSampleRate:       44100,
		CommentaryLengthBytes: 1024,
		VideoLengthBytes:      2048,
		ChunksProcessed:       &processed,
	}, "commentary/abc/live/chunk_3.wav")
	if err != nil {
		t.Fatalf("NewChunkMessage: %v", err)
	}
	frame := decodeFrame(t, msg)
	if frame["type"] != TypeCommentaryChunk {
		t.Fatalf("type = %v", frame["type"])
	}
	meta := frame["data"].(map[string]any)["metadata"].(map[string]any)
	if meta["s3_key"] != "commentary/abc/live/chunk_3.wav" {
		t.Fatalf("s3_key = %v", meta["s3_key"])
	}
	if meta["chunk_number"] != float64(3) {
		t.Fatalf("chunk_number = %v", meta["chunk_number"])
	}
	if meta["num_chunks_processed"] != float64(4) {
		t.Fatalf("num_chunks_processed = %v", meta["num_chunks_processed"])
	}
	if _, ok := frame["data"].(map[string]any)["audio_data"]; ok {
		t.Fatalf("chunk frame must not inline payload bytes")
	}
}

func TestTerminalFrames(t *testing.T) {
	complete, err := NewCompleteMessage("https://videos.example.com/a")
	if err != nil {
		t.Fatalf("NewCompleteMessage: %v", err)
	}
	frame := decodeFrame(t, complete)
	if frame["type"] != TypeSnippetComplete {
		t.Fatalf("type = %v", frame["type"])
	}
	if frame["metadata"].(map[string]any)["src_video_url"] != "https://videos.example.com/a" {
		t.Fatalf("complete frame missing source url")
	}

	errMsg, err := NewErrorMessage("https://videos.example.com/a", "agent unavailable")
	if err != nil {
		t.Fatalf("NewErrorMessage: %v", err)
	}
	frame = decodeFrame(t, errMsg)
	if frame["type"] != TypeError {
		t.Fatalf("type = %v", frame["type"])
	}
	if frame["message"] != "agent unavailable" {
		t.Fatalf("message = %v", frame["message"])
	}
}
