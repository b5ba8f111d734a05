package stream

import (
	"encoding/json"

	"golang.org/x/text/unicode/norm"
)

// MessageKind distinguishes text frames from binary frames on the wire.
type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

// Message is one outgoing frame published to a stream's subscribers. Chunk
// payload bytes are never inlined; chunk frames carry metadata plus the
// storage key of the persisted object.
type Message struct {
	Kind    MessageKind
	Payload []byte
}

// Wire type names shared with the viewer protocol.
const (
	TypeSnippet         = "snippet"
	TypeCommentaryChunk = "live_commentary_chunk"
	TypeSnippetComplete = "snippet_complete"
	TypeError           = "error"
)

// ChunkMetadata describes one persisted commentary chunk. It is immutable
// once produced; chunk numbers are monotonically non-decreasing per source
// but need not be contiguous.
type ChunkMetadata struct {
	SourceURL             string
	ChunkNumber           int64
	Format                string
	AudioSampleRate       int
	CommentaryLengthBytes int64
	VideoLengthBytes      int64
	ChunksProcessed       *int64
}

type snippetFrame struct {
	Type string           `json:"type"`
	Data snippetFrameData `json:"data"`
}

type snippetFrameData struct {
	VideoData string           `json:"video_data"`
	Metadata  snippetFrameMeta `json:"metadata"`
}

type snippetFrameMeta struct {
	SourceURL   string `json:"src_video_url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type chunkFrame struct {
	Type string         `json:"type"`
	Data chunkFrameData `json:"data"`
}

type chunkFrameData struct {
	Metadata chunkFrameMeta `json:"metadata"`
}

type chunkFrameMeta struct {
	SourceURL             string `json:"src_video_url"`
	ChunkNumber           int64  `json:"chunk_number"`
	Format                string `json:"format"`
	AudioSampleRate       int    `json:"audio_sample_rate"`
	CommentaryLengthBytes int64  `json:"commentary_length_bytes"`
	VideoLengthBytes      int64  `json:"video_length_bytes"`
	ChunksProcessed       *int64 `json:"num_chunks_processed,omitempty"`
	StorageKey            string `json:"s3_key"`
}

type sourceFrameMeta struct {
	SourceURL string `json:"src_video_url"`
}

type completeFrame struct {
	Type     string          `json:"type"`
	Metadata sourceFrameMeta `json:"metadata"`
}

type errorFrame struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Metadata sourceFrameMeta `json:"metadata"`
}

// NewSnippetMessage frames a highlight snippet with the video bytes inlined
// as base64. Title and description are normalized to NFC so downstream
// clients see a canonical representation regardless of agent encoding.
func NewSnippetMessage(sourceURL, videoData, title, description string) (Message, error) {
	payload, err := json.Marshal(snippetFrame{
		Type: TypeSnippet,
		Data: snippetFrameData{
			VideoData: videoData,
			Metadata: snippetFrameMeta{
				SourceURL:   sourceURL,
				Title:       norm.NFC.String(title),
				Description: norm.NFC.String(description),
			},
		},
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: TextMessage, Payload: payload}, nil
}

// NewChunkMessage frames chunk metadata referencing the persisted object.
func NewChunkMessage(meta ChunkMetadata, storageKey string) (Message, error) {
	payload, err := json.Marshal(chunkFrame{
		Type: TypeCommentaryChunk,
		Data: chunkFrameData{
			Metadata: chunkFrameMeta{
				SourceURL:             meta.SourceURL,
				ChunkNumber:           meta.ChunkNumber,
				Format:                meta.Format,
				AudioSampleRate:       meta.AudioSampleRate,
				CommentaryLengthBytes: meta.CommentaryLengthBytes,
				VideoLengthBytes:      meta.VideoLengthBytes,
				ChunksProcessed:       meta.ChunksProcessed,
				StorageKey:            storageKey,
			},
		},
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: TextMessage, Payload: payload}, nil
}

// NewCompleteMessage frames the end-of-snippet marker for a source.
func NewCompleteMessage(sourceURL string) (Message, error) {
	payload, err := json.Marshal(completeFrame{
		Type:     TypeSnippetComplete,
		Metadata: sourceFrameMeta{SourceURL: sourceURL},
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: TextMessage, Payload: payload}, nil
}

// NewErrorMessage frames a terminal error notice for a source.
func NewErrorMessage(sourceURL, message string) (Message, error) {
	payload, err := json.Marshal(errorFrame{
		Type:     TypeError,
		Message:  message,
		Metadata: sourceFrameMeta{SourceURL: sourceURL},
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: TextMessage, Payload: payload}, nil
}
