package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostwell/event-platform/services/request-service/internal/audit"
	"github.com/hostwell/event-platform/services/request-service/internal/config"
	"github.com/hostwell/event-platform/services/request-service/internal/infrastructure/postgres"
	"github.com/hostwell/event-platform/services/request-service/internal/infrastructure/rabbitmq"
	"github.com/hostwell/event-platform/services/request-service/internal/infrastructure/redis"
	"github.com/hostwell/event-platform/services/request-service/internal/pkg/logger"
	"github.com/hostwell/event-platform/services/request-service/internal/security"
	"github.com/hostwell/event-platform/services/request-service/internal/service"
	"github.com/hostwell/event-platform/services/request-service/internal/sweeper"
	"github.com/hostwell/event-platform/services/request-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "request-service").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; the service degrades without redis, it does not die.
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Application service ----
	auditLog := audit.New(log)
	svc := service.NewRequestService(repo, cache, auditLog, cfg.HoldTTL)
	h := rest.NewHandler(svc)

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:          h,
		Verifier:         verifier,
		Cache:            cache,
		JWTIssuer:        cfg.JWTIssuer,
		RateLimitEnabled: cfg.RLEnabled,
		RateLimitMax:     cfg.RLLimit,
		RateLimitWindow:  cfg.RLWindow,
	})

	// ---- MQ consumer (inbound event snapshots) ----
	mqConsumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, repo, cache)
	if err := mqConsumer.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("rabbitmq consumer start failed")
	}

	// ---- Outbox publisher (outbound request.* events) ----
	if cfg.OutboxEnabled {
		repo.StartOutboxPublisher(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox publisher started")
	}

	// ---- Hold expiration sweeper ----
	if cfg.SweeperEnabled {
		sweeper.New(svc, repo, cfg.SweepInterval).Start(rootCtx)
		log.Info().Dur("interval", cfg.SweepInterval).Msg("hold sweeper started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
