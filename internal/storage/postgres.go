package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"clipcast-live/internal/stream"
)

// PostgresConfig configures the Postgres-backed progress store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	ConnectTimeout  time.Duration
	ApplicationName string
}

const progressSchema = `
CREATE TABLE IF NOT EXISTS commentary_progress (
    source_url              TEXT        NOT NULL,
    chunk_number            BIGINT      NOT NULL,
    format                  TEXT        NOT NULL DEFAULT '',
    audio_sample_rate       INTEGER     NOT NULL DEFAULT 0,
    commentary_length_bytes BIGINT      NOT NULL DEFAULT 0,
    video_length_bytes      BIGINT      NOT NULL DEFAULT 0,
    chunks_processed        BIGINT,
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source_url, chunk_number)
)`

const upsertProgressSQL = `
INSERT INTO commentary_progress (
    source_url, chunk_number, format, audio_sample_rate,
    commentary_length_bytes, video_length_bytes, chunks_processed, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (source_url, chunk_number) DO UPDATE SET
    format = EXCLUDED.format,
    audio_sample_rate = EXCLUDED.audio_sample_rate,
    commentary_length_bytes = EXCLUDED.commentary_length_bytes,
    video_length_bytes = EXCLUDED.video_length_bytes,
    chunks_processed = EXCLUDED.chunks_processed,
    updated_at = now()`

// PostgresProgressStore upserts per-chunk progress rows. It implements
// stream.ProgressStore.
type PostgresProgressStore struct {
	pool *pgxpool.Pool
}

// NewPostgresProgressStore opens the pool and ensures the progress table
// exists.
func NewPostgresProgressStore(ctx context.Context, cfg PostgresConfig) (*PostgresProgressStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, progressSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure progress schema: %w", err)
	}
	return &PostgresProgressStore{pool: pool}, nil
}

// UpsertProgress records the latest state of one chunk. Replayed chunk
// numbers overwrite the existing row.
func (s *PostgresProgressStore) UpsertProgress(ctx context.Context, meta stream.ChunkMetadata) error {
	_, err := s.pool.Exec(ctx, upsertProgressSQL,
		meta.SourceURL,
		meta.ChunkNumber,
		meta.Format,
		meta.AudioSampleRate,
		meta.CommentaryLengthBytes,
		meta.VideoLengthBytes,
		meta.ChunksProcessed,
	)
	if err != nil {
		return fmt.Errorf("upsert progress for %s chunk %d: %w", meta.SourceURL, meta.ChunkNumber, err)
	}
	return nil
}

// Ping verifies connectivity, for startup checks.
func (s *PostgresProgressStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool, bounded by ctx.
func (s *PostgresProgressStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
