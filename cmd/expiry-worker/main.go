package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/config"
	"github.com/hackgods/hospital-patient-flow/internal/db"
	"github.com/hackgods/hospital-patient-flow/internal/expiry"
	"github.com/hackgods/hospital-patient-flow/internal/logging"
	"github.com/hackgods/hospital-patient-flow/internal/queue"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "expiry-worker").Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("expiry-worker stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if cfg.StorageDriver != config.StoragePostgres {
		return errors.New("expiry-worker needs STORAGE_DRIVER=postgres; the api-server runs expiry itself with in-memory storage")
	}

	logger.Info().Str("schedule", cfg.WorkerSchedule).Int("batch_size", cfg.WorkerBatchSize).Msg("expiry-worker starting up")

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := appointment.NewPgRepository(pool)
	jobs := redisclient.NewJobQueue(rdb, cfg.JobVisibilityTimeout)
	engine := queue.NewEngine(repo, redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait), jobs,
		queue.Config{
			AdmissionLeadTime: cfg.AdmissionLeadTime,
			ExpiryGrace:       cfg.ExpiryGrace,
			BackgroundTimeout: cfg.BackgroundTimeout,
		},
		queue.WithLogger(logger),
	)
	defer engine.Wait()

	worker := expiry.NewWorker(jobs, engine,
		expiry.WithLogger(logger),
		expiry.WithBatchSize(cfg.WorkerBatchSize),
	)
	if err := worker.Start(ctx, cfg.WorkerSchedule); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, stopping expiry worker")
	worker.Stop()
	return nil
}
