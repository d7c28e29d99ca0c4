package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/api"
	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/config"
	"github.com/hackgods/hospital-patient-flow/internal/db"
	"github.com/hackgods/hospital-patient-flow/internal/directory"
	"github.com/hackgods/hospital-patient-flow/internal/expiry"
	"github.com/hackgods/hospital-patient-flow/internal/logging"
	"github.com/hackgods/hospital-patient-flow/internal/queue"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
	"github.com/hackgods/hospital-patient-flow/internal/ticket"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api-server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Str("http_port", cfg.HTTPPort).Str("storage", cfg.StorageDriver).Msg("api-server starting up")

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

	var (
		repo     appointment.Repository
		pgHealth api.PingFunc
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.Migrate(pgCtx, pool)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to Postgres")

		repo = appointment.NewPgRepository(pool)
		pgHealth = pool.Ping
	default:
		mem := appointment.NewMemoryRepository()
		depts := directory.NewGenerator(0).Hospital(4)
		directory.Register(mem, depts)
		for _, d := range depts {
			logger.Info().
				Str("department_id", d.ID.String()).
				Str("kind", string(d.Kind)).
				Str("name", d.Name).
				Msg("in-memory department")
		}
		repo = mem
	}

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	jobs := redisclient.NewJobQueue(rdb, cfg.JobVisibilityTimeout)

	manager := ticket.NewManager(repo, locker,
		ticket.WithLogger(logger),
		ticket.WithBackgroundTimeout(cfg.BackgroundTimeout),
	)
	engine := queue.NewEngine(repo, locker, jobs,
		queue.Config{
			AdmissionLeadTime: cfg.AdmissionLeadTime,
			ExpiryGrace:       cfg.ExpiryGrace,
			BackgroundTimeout: cfg.BackgroundTimeout,
		},
		queue.WithLogger(logger),
		queue.WithNotifier(redisclient.NewStreamNotifier(rdb, cfg.NotificationStream)),
		queue.WithCompletionHook(manager),
	)
	defer func() {
		engine.Wait()
		manager.Wait()
	}()

	// The standalone expiry worker cannot see in-process storage.
	if cfg.StorageDriver == config.StorageMemory {
		worker := expiry.NewWorker(jobs, engine,
			expiry.WithLogger(logger),
			expiry.WithBatchSize(cfg.WorkerBatchSize),
		)
		if err := worker.Start(ctx, cfg.WorkerSchedule); err != nil {
			return fmt.Errorf("start expiry worker: %w", err)
		}
		defer worker.Stop()
	}

	health := api.NewHealthHandler(pgHealth, func(ctx context.Context) error {
		return redisclient.Ping(ctx, rdb)
	}, cfg.Env, version)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Queue:   engine,
			Tickets: manager,
			Health:  health,
			Metrics: promhttp.Handler(),
			Logger:  logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
