package stream

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Key identifies one multiplexed commentary stream. Equal keys always resolve
// to the same registry entry.
type Key struct {
	SourceURL string
	IsLive    bool
}

// ParseKey validates the raw connection parameters and builds a stream key.
// The source URL must be non-empty and parse with a scheme and host; liveness
// accepts the usual boolean spellings (true/false, 1/0, t/f).
func ParseKey(rawURL, rawLive string) (Key, error) {
	trimmedURL := strings.TrimSpace(rawURL)
	if trimmedURL == "" {
		return Key{}, fmt.Errorf("src_video_url is required")
	}
	parsed, err := url.Parse(trimmedURL)
	if err != nil {
		return Key{}, fmt.Errorf("invalid src_video_url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return Key{}, fmt.Errorf("src_video_url must include scheme and host")
	}
	trimmedLive := strings.TrimSpace(rawLive)
	if trimmedLive == "" {
		return Key{}, fmt.Errorf("is_live is required")
	}
	isLive, err := strconv.ParseBool(trimmedLive)
	if err != nil {
		return Key{}, fmt.Errorf("invalid is_live: %w", err)
	}
	return Key{SourceURL: trimmedURL, IsLive: isLive}, nil
}

// String renders the key for logs and metrics labels.
func (k Key) String() string {
	mode := "vod"
	if k.IsLive {
		mode = "live"
	}
	return k.SourceURL + " (" + mode + ")"
}

// StorageKey derives the object storage key for a commentary chunk. The
// source URL is hashed so keys stay short and free of escaping issues.
func (k Key) StorageKey(chunkNumber int64, format string) string {
	sum := sha1.Sum([]byte(k.SourceURL))
	mode := "vod"
	if k.IsLive {
		mode = "live"
	}
	cleaned := strings.ToLower(strings.TrimSpace(format))
	if cleaned == "" {
		cleaned = "bin"
	}
	return fmt.Sprintf("commentary/%s/%s/chunk_%d.%s", hex.EncodeToString(sum[:6]), mode, chunkNumber, cleaned)
}
