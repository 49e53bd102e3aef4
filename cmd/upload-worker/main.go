package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/app"
	"github.com/mockmate/coaching-session-engine/internal/config"
	"github.com/mockmate/coaching-session-engine/internal/db"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/recording"
	redisclient "github.com/mockmate/coaching-session-engine/internal/redis"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

const parkedBatchSize = 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger := app.NewLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	logger.Info("upload-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()

	durable, err := recording.NewFSStore(cfg.RecordingDir)
	if err != nil {
		logger.Fatal("recording store init error", zap.Error(err))
	}
	fallback, err := recording.NewFSStore(cfg.FallbackDir)
	if err != nil {
		logger.Fatal("fallback store init error", zap.Error(err))
	}

	// The worker only repoints recording references; pushes still reach
	// clients connected to this process's registry, which is usually none.
	registry := notifier.NewRegistry(cfg.EventBuffer, logger)
	repo := session.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	sessions := session.NewService(repo, locker, registry, nil, cfg, logger)

	signer := recording.NewURLSigner(cfg.SigningSecret, cfg.URLTTL)
	pipeline := recording.NewPipeline(
		recording.NewPgStore(pgPool), durable, fallback,
		sessions, signer, cfg.UploadMaxAttempts, cfg.UploadBudget, logger,
	)

	// Run once at startup
	runOnce(rootCtx, pipeline, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping upload worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, pipeline, logger)
		}
	}
}

func runOnce(ctx context.Context, pipeline *recording.Pipeline, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	if err := pipeline.RetryParked(runCtx, parkedBatchSize); err != nil {
		logger.Warn("upload retry run error", zap.Error(err))
		return
	}
	logger.Info("upload retry run complete", zap.Duration("took", time.Since(start)))
}
