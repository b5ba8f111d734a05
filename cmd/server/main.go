// Command server starts the ClipCast live commentary relay service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clipcast-live/internal/agent"
	"clipcast-live/internal/observability/logging"
	"clipcast-live/internal/observability/metrics"
	"clipcast-live/internal/server"
	"clipcast-live/internal/storage"
	"clipcast-live/internal/stream"
)

func main() {
	addr := flag.String("addr", "", "listen address (default :8080)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "log format: json or text")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate")
	tlsKey := flag.String("tls-key", "", "path to TLS private key")

	agentEndpoint := flag.String("agent-endpoint", "", "analysis agent WebSocket URL (ws:// or wss://)")
	agentHandshakeTimeout := flag.Duration("agent-handshake-timeout", 0, "analysis agent handshake timeout")
	agentConcurrency := flag.Int("agent-concurrency", 0, "maximum concurrent upstream analyses (default 1)")

	idleGrace := flag.Duration("stream-idle-grace", 0, "grace period before an idle stream is torn down")
	replayDepth := flag.Int("stream-replay-depth", 0, "messages replayed to a late subscriber")
	subscriberBuffer := flag.Int("stream-subscriber-buffer", 0, "per-subscriber send buffer beyond the replay window")
	sideEffectTimeout := flag.Duration("side-effect-timeout", 0, "timeout for detached storage and metadata writes")

	s3Endpoint := flag.String("s3-endpoint", "", "S3-compatible endpoint for chunk payloads")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for chunk payloads")
	s3Prefix := flag.String("s3-prefix", "", "key prefix for uploaded chunks")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "use HTTPS for S3 requests")

	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for chunk progress (empty keeps progress in memory)")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum Postgres pool connections")

	redisAddr := flag.String("redis-addr", "", "Redis address for the background stream set (empty keeps it in memory)")
	redisAddrs := flag.String("redis-addrs", "", "comma-separated Redis addresses for cluster or sentinel")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisSetKey := flag.String("redis-background-set", "", "Redis set key holding background streams")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("CLIPCAST_ADDR"), ":8080")

	endpoint := firstNonEmpty(*agentEndpoint, os.Getenv("CLIPCAST_AGENT_ENDPOINT"))
	gateway, err := agent.New(agent.Config{
		Endpoint:         endpoint,
		HandshakeTimeout: resolveDuration(*agentHandshakeTimeout, "CLIPCAST_AGENT_HANDSHAKE_TIMEOUT", 0),
		GateCapacity:     int64(resolveInt(*agentConcurrency, "CLIPCAST_AGENT_CONCURRENCY")),
		Logger:           logging.WithComponent(logger, "agent"),
		Metrics:          recorder,
	})
	if err != nil {
		logger.Error("failed to configure analysis agent gateway", "error", err)
		os.Exit(1)
	}

	objects := storage.NewObjectStorage(storage.ObjectStorageConfig{
		Endpoint:  firstNonEmpty(*s3Endpoint, os.Getenv("CLIPCAST_S3_ENDPOINT")),
		Region:    firstNonEmpty(*s3Region, os.Getenv("CLIPCAST_S3_REGION")),
		AccessKey: firstNonEmpty(*s3AccessKey, os.Getenv("CLIPCAST_S3_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*s3SecretKey, os.Getenv("CLIPCAST_S3_SECRET_KEY")),
		Bucket:    firstNonEmpty(*s3Bucket, os.Getenv("CLIPCAST_S3_BUCKET")),
		Prefix:    firstNonEmpty(*s3Prefix, os.Getenv("CLIPCAST_S3_PREFIX")),
		UseSSL:    resolveBool(*s3UseSSL, "CLIPCAST_S3_USE_SSL"),
	})
	if !objects.Enabled() {
		logger.Warn("object storage not configured, chunk payloads will not be persisted")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	components := map[string]string{"agent": endpoint}
	if objects.Enabled() {
		components["object_storage"] = "s3"
	} else {
		components["object_storage"] = "disabled"
	}

	var progress stream.ProgressStore
	var progressCloser func(context.Context) error
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CLIPCAST_POSTGRES_DSN"))
	if dsn != "" {
		pgStore, err := storage.NewPostgresProgressStore(startupCtx, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "CLIPCAST_POSTGRES_MAX_CONNS")),
			ApplicationName: "clipcast-live",
		})
		if err != nil {
			logger.Error("failed to open progress store", "error", err)
			os.Exit(1)
		}
		progress = pgStore
		progressCloser = pgStore.Close
		components["progress_store"] = "postgres"
	} else {
		progress = storage.NewMemoryProgressStore()
		components["progress_store"] = "memory"
	}
	logger.Info("progress store ready", "driver", components["progress_store"])

	var background storage.BackgroundStore
	backgroundAddr := firstNonEmpty(*redisAddr, os.Getenv("CLIPCAST_REDIS_ADDR"))
	backgroundAddrs := splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("CLIPCAST_REDIS_ADDRS")))
	if backgroundAddr != "" || len(backgroundAddrs) > 0 {
		background, err = storage.NewRedisBackgroundStore(startupCtx, storage.RedisBackgroundConfig{
			Addr:       backgroundAddr,
			Addrs:      backgroundAddrs,
			Username:   firstNonEmpty(*redisUsername, os.Getenv("CLIPCAST_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("CLIPCAST_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("CLIPCAST_REDIS_SENTINEL_MASTER")),
			SetKey:     firstNonEmpty(*redisSetKey, os.Getenv("CLIPCAST_REDIS_BACKGROUND_SET")),
		})
		if err != nil {
			logger.Error("failed to open background store", "error", err)
			os.Exit(1)
		}
		components["background_store"] = "redis"
	} else {
		background = storage.NewMemoryBackgroundStore()
		components["background_store"] = "memory"
	}
	logger.Info("background store ready", "driver", components["background_store"])

	producer := stream.NewProducer(stream.ProducerConfig{
		Gateway:           gateway,
		Objects:           objects,
		Progress:          progress,
		Logger:            logging.WithComponent(logger, "producer"),
		Metrics:           recorder,
		SideEffectTimeout: resolveDuration(*sideEffectTimeout, "CLIPCAST_SIDE_EFFECT_TIMEOUT", 0),
	})
	registry := stream.NewRegistry(stream.RegistryConfig{
		Run:              producer.Run,
		IdleGrace:        resolveDuration(*idleGrace, "CLIPCAST_STREAM_IDLE_GRACE", 0),
		ReplayDepth:      resolveInt(*replayDepth, "CLIPCAST_STREAM_REPLAY_DEPTH"),
		SubscriberBuffer: resolveInt(*subscriberBuffer, "CLIPCAST_STREAM_SUBSCRIBER_BUFFER"),
		Logger:           logging.WithComponent(logger, "registry"),
		Metrics:          recorder,
	})
	sessions := stream.NewSessionServer(stream.SessionConfig{
		Registry: registry,
		Logger:   logging.WithComponent(logger, "session"),
		Metrics:  recorder,
	})

	// Background streams recorded before the last restart resume now.
	if keys, err := background.List(startupCtx); err != nil {
		logger.Warn("failed to reload background streams", "error", err)
	} else {
		for _, key := range keys {
			registry.EnsureBackgroundStart(key)
		}
		if len(keys) > 0 {
			logger.Info("background streams resumed", "count", len(keys))
		}
	}

	srv, err := server.New(server.Config{
		Addr:       listenAddr,
		TLS:        server.TLSConfig{CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPCAST_TLS_CERT")), KeyFile: firstNonEmpty(*tlsKey, os.Getenv("CLIPCAST_TLS_KEY"))},
		Logger:     logger,
		Metrics:    recorder,
		Sessions:   sessions,
		Registry:   registry,
		Background: background,
		Components: components,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ClipCast commentary relay listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := registry.Shutdown(ctx); err != nil {
		logger.Warn("stream teardown incomplete", "error", err)
	}
	if progressCloser != nil {
		if err := progressCloser(ctx); err != nil {
			logger.Warn("failed to close progress store", "error", err)
		}
	}
	if err := background.Close(); err != nil {
		logger.Warn("failed to close background store", "error", err)
	}

	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
