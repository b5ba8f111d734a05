package stream

import (
	"strings"
	"testing"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey(" https://videos.example.com/match.mp4 ", "true")
	if err != nil {
		t.Fatalf("ParseKey returned error: %v", err)
	}
	if key.SourceURL != "https://videos.example.com/match.mp4" {
		t.Fatalf("unexpected source url %q", key.SourceURL)
	}
	if !key.IsLive {
		t.Fatalf("expected live key")
	}

	cases := []struct {
		name    string
		rawURL  string
		rawLive string
	}{
		{"missing url", "", "true"},
		{"missing liveness", "https://videos.example.com/a", ""},
		{"relative url", "match.mp4", "false"},
		{"bad liveness", "https://videos.example.com/a", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseKey(tc.rawURL, tc.rawLive); err == nil {
				t.Fatalf("expected error for %q / %q", tc.rawURL, tc.rawLive)
			}
		})
	}
}

func TestKeyLivenessDistinguishesStreams(t *testing.T) {
	live, _ := ParseKey("https://videos.example.com/a", "1")
	vod, _ := ParseKey("https://videos.example.com/a", "0")
	if live == vod {
		t.Fatalf("live and vod keys for the same url must differ")
	}
}

func TestStorageKey(t *testing.T) {
	key := Key{SourceURL: "https://videos.example.com/match.mp4", IsLive: true}
	got := key.StorageKey(7, "WAV")
	if !strings.HasPrefix(got, "commentary/") {
		t.Fatalf("storage key %q missing prefix", got)
	}
	if !strings.HasSuffix(got, "/live/chunk_7.wav") {
		t.Fatalf("storage key %q missing suffix", got)
	}
	if again := key.StorageKey(7, "wav"); again != got {
		t.Fatalf("storage key not deterministic: %q vs %q", got, again)
	}
	vod := Key{SourceURL: key.SourceURL, IsLive: false}
	if !strings.Contains(vod.StorageKey(7, ""), "/vod/chunk_7.bin") {
		t.Fatalf("vod storage key should default format: %q", vod.StorageKey(7, ""))
	}
}
