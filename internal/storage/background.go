package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"clipcast-live/internal/stream"
)

// BackgroundStore persists the set of keep-alive stream keys so background
// producers survive process restarts.
type BackgroundStore interface {
	Add(ctx context.Context, key stream.Key) error
	Remove(ctx context.Context, key stream.Key) error
	List(ctx context.Context) ([]stream.Key, error)
	Close() error
}

type backgroundMember struct {
	SourceURL string `json:"src_video_url"`
	IsLive    bool   `json:"is_live"`
}

func encodeBackgroundMember(key stream.Key) (string, error) {
	payload, err := json.Marshal(backgroundMember{SourceURL: key.SourceURL, IsLive: key.IsLive})
	if err != nil {
		return "", fmt.Errorf("encode background key: %w", err)
	}
	return string(payload), nil
}

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisBackgroundConfig configures the Redis-backed background key set.
type RedisBackgroundConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	SetKey       string
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          RedisTLSConfig
}

type redisBackgroundStore struct {
	client redis.UniversalClient
	setKey string
}

// NewRedisBackgroundStore opens the Redis client and verifies connectivity.
func NewRedisBackgroundStore(ctx context.Context, cfg RedisBackgroundConfig) (BackgroundStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	setKey := strings.TrimSpace(cfg.SetKey)
	if setKey == "" {
		setKey = "clipcast:background"
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisBackgroundStore{client: client, setKey: setKey}, nil
}

func (s *redisBackgroundStore) Add(ctx context.Context, key stream.Key) error {
	member, err := encodeBackgroundMember(key)
	if err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.setKey, member).Err()
}

func (s *redisBackgroundStore) Remove(ctx context.Context, key stream.Key) error {
	member, err := encodeBackgroundMember(key)
	if err != nil {
		return err
	}
	return s.client.SRem(ctx, s.setKey, member).Err()
}

// List returns the stored keys, skipping members that no longer decode.
func (s *redisBackgroundStore) List(ctx context.Context) ([]stream.Key, error) {
	members, err := s.client.SMembers(ctx, s.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list background keys: %w", err)
	}
	keys := make([]stream.Key, 0, len(members))
	for _, raw := range members {
		var member backgroundMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			continue
		}
		keys = append(keys, stream.Key{SourceURL: member.SourceURL, IsLive: member.IsLive})
	}
	return keys, nil
}

func (s *redisBackgroundStore) Close() error {
	return s.client.Close()
}

// MemoryBackgroundStore keeps the background key set in process memory.
type MemoryBackgroundStore struct {
	mu   sync.Mutex
	keys map[stream.Key]struct{}
}

// NewMemoryBackgroundStore builds an empty in-memory store.
func NewMemoryBackgroundStore() *MemoryBackgroundStore {
	return &MemoryBackgroundStore{keys: make(map[stream.Key]struct{})}
}

func (s *MemoryBackgroundStore) Add(_ context.Context, key stream.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
	return nil
}

func (s *MemoryBackgroundStore) Remove(_ context.Context, key stream.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *MemoryBackgroundStore) List(_ context.Context) ([]stream.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]stream.Key, 0, len(s.keys))
	for key := range s.keys {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryBackgroundStore) Close() error { return nil }

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
