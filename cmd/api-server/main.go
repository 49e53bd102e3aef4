package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/api"
	"github.com/mockmate/coaching-session-engine/internal/app"
	"github.com/mockmate/coaching-session-engine/internal/call"
	"github.com/mockmate/coaching-session-engine/internal/config"
	"github.com/mockmate/coaching-session-engine/internal/db"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/queue"
	"github.com/mockmate/coaching-session-engine/internal/recording"
	redisclient "github.com/mockmate/coaching-session-engine/internal/redis"
	"github.com/mockmate/coaching-session-engine/internal/session"
	"github.com/mockmate/coaching-session-engine/migrations"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger := app.NewLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Apply migrations
	migrator, err := app.NewMigrator(pgPool, migrations.FS)
	if err != nil {
		logger.Fatal("migrator init error", zap.Error(err))
	}
	if err := migrator.Run(rootCtx); err != nil {
		logger.Fatal("migration error", zap.Error(err))
	}
	_ = migrator.Close()
	logger.Info("migrations applied")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	// Lifecycle event broker is optional.
	var broker session.Broker
	if cfg.AMQPURL != "" {
		pub, err := queue.NewPublisher(cfg.AMQPURL, logger)
		if err != nil {
			logger.Warn("broker unavailable, lifecycle events stay local", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			broker = pub
			logger.Info("connected to RabbitMQ")
		}
	}

	registry := notifier.NewRegistry(cfg.EventBuffer, logger)

	repo := session.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	sessions := session.NewService(repo, locker, registry, broker, cfg, logger)

	durable, err := recording.NewFSStore(cfg.RecordingDir)
	if err != nil {
		logger.Fatal("recording store init error", zap.Error(err))
	}
	fallback, err := recording.NewFSStore(cfg.FallbackDir)
	if err != nil {
		logger.Fatal("fallback store init error", zap.Error(err))
	}
	signer := recording.NewURLSigner(cfg.SigningSecret, cfg.URLTTL)
	pipeline := recording.NewPipeline(
		recording.NewPgStore(pgPool), durable, fallback,
		sessions, signer, cfg.UploadMaxAttempts, cfg.UploadBudget, logger,
	)

	calls := call.NewManager(sessions, pipeline, registry, cfg.HeartbeatTimeout, logger)
	go calls.RunReaper(rootCtx, cfg.ReaperInterval)

	router := api.NewRouter(api.RouterConfig{
		Sessions:  sessions,
		Calls:     calls,
		Recording: pipeline,
		Registry:  registry,
		PgPool:    pgPool,
		Redis:     rdb,
		Logger:    logger,
		URLTTL:    cfg.URLTTL,
		Env:       cfg.Env,
		Version:   version,
	})

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
