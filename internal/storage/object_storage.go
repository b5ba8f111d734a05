// Package storage provides the persistence sinks for commentary chunks: an
// S3-compatible object store for payload bytes, a Postgres-backed progress
// store for chunk metadata, and a Redis-backed set of background stream keys.
package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultObjectRequestTimeout bounds a single object store request.
const DefaultObjectRequestTimeout = 30 * time.Second

// ObjectStorageConfig describes an S3-compatible bucket for chunk payloads.
// Leaving Endpoint or Bucket empty disables uploads entirely.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	UseSSL         bool
	RequestTimeout time.Duration
}

// ObjectStorage uploads chunk payloads with SigV4-signed PUT requests. It
// implements stream.ObjectStore.
type ObjectStorage struct {
	cfg        ObjectStorageConfig
	endpoint   *url.URL
	httpClient *http.Client
	signer     sigV4Signer
	enabled    bool
}

// NewObjectStorage builds the client; an unconfigured endpoint or bucket
// yields a disabled client whose Put is a no-op.
func NewObjectStorage(cfg ObjectStorageConfig) *ObjectStorage {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultObjectRequestTimeout
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" || cfg.Bucket == "" {
		return &ObjectStorage{cfg: cfg}
	}
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if base.Host == "" {
		return &ObjectStorage{cfg: cfg}
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	return &ObjectStorage{
		cfg:        cfg,
		endpoint:   base,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		signer: sigV4Signer{
			accessKey: strings.TrimSpace(cfg.AccessKey),
			secretKey: strings.TrimSpace(cfg.SecretKey),
			region:    region,
		},
		enabled: true,
	}
}

// Enabled reports whether uploads actually reach a bucket.
func (s *ObjectStorage) Enabled() bool { return s.enabled }

// Put uploads one object. A disabled client returns nil without a request.
func (s *ObjectStorage) Put(ctx context.Context, key, contentType string, data []byte) error {
	if !s.enabled {
		return nil
	}
	finalKey := s.applyPrefix(key)
	target := s.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	s.signer.sign(request, payloadHash(data))
	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return nil
}

func (s *ObjectStorage) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (s *ObjectStorage) objectURL(finalKey string) *url.URL {
	path := "/" + strings.TrimLeft(s.cfg.Bucket, "/")
	if trimmedKey := strings.TrimLeft(finalKey, "/"); trimmedKey != "" {
		path += "/" + trimmedKey
	}
	u := *s.endpoint
	u.Path = path
	return &u
}

// sigV4Signer computes AWS Signature Version 4 headers for S3 requests.
// Missing credentials leave the request unsigned, which suits unauthenticated
// local object stores.
type sigV4Signer struct {
	accessKey string
	secretKey string
	region    string
}

func (sg sigV4Signer) sign(req *http.Request, contentHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", contentHash)
	if sg.accessKey == "" || sg.secretKey == "" {
		return
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)

	canonicalHeaders, signedHeaders := canonicalHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		contentHash,
	}, "\n")
	requestHash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, sg.region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(requestHash[:]),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+sg.secretKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(sg.region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	signingKey := hmacSHA256(kService, []byte("aws4_request"))
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sg.accessKey, scope, signedHeaders, signature,
	))
}

func canonicalHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	signed := make([]string, 0, len(keys))
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func payloadHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
