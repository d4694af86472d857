package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerly/be-om-lineedits/internal/client"
	"github.com/ledgerly/be-om-lineedits/internal/config"
	"github.com/ledgerly/be-om-lineedits/internal/database"
	"github.com/ledgerly/be-om-lineedits/internal/editlock"
	"github.com/ledgerly/be-om-lineedits/internal/handler"
	"github.com/ledgerly/be-om-lineedits/internal/inventory"
	"github.com/ledgerly/be-om-lineedits/internal/logger"
	"github.com/ledgerly/be-om-lineedits/internal/middleware"
	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/service"
)

func main() {
	// Local development overrides; absent in deployed environments.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
	})

	log.Info().
		Str("environment", cfg.Environment).
		Msg("Starting Line Item Edits Service (OM-4)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.New(ctx, database.Config{DSN: cfg.PostgresDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Repositories
	lineItemRepo := repository.NewLineItemRepository(db)
	approvalRepo := repository.NewApprovalRecordRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	stockRepo := repository.NewStockRepository(db)

	// Edit lock backend: Redis when configured, in-memory otherwise.
	var locks editlock.Manager
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		locks = editlock.NewRedisManager(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis edit locks")
	} else {
		locks = editlock.NewMemoryManager()
		log.Info().Msg("Using in-memory edit locks")
	}

	// Notifications: NATS when configured, otherwise a no-op sink.
	var notifier service.Notifier
	if cfg.NATSURL != "" {
		publisher, err := client.NewNotificationPublisher(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer publisher.Close()
		notifier = publisher
		log.Info().Str("url", cfg.NATSURL).Msg("Notification publisher initialized")
	} else {
		notifier = client.NoopNotifier{}
		log.Info().Msg("Notifications disabled")
	}

	checker := inventory.NewChecker(stockRepo)

	// Services. The per-item mutex is shared so edit submissions and
	// approval commits on one line item serialize against each other.
	perItem := service.NewKeyedMutex()

	editService := service.NewEditService(
		lineItemRepo, lineItemRepo, approvalRepo, auditRepo,
		locks, checker, notifier,
		service.EditConfig{
			Thresholds:             cfg.Thresholds,
			LockTTL:                cfg.EditLockTTL,
			ApprovalTimeout:        cfg.ApprovalTimeout,
			BlockOnUnverifiedStock: cfg.BlockOnUnverifiedStock,
		},
		perItem, log,
	)

	approvalService := service.NewApprovalService(
		lineItemRepo, approvalRepo, auditRepo, notifier,
		cfg.Thresholds, cfg.ApprovalTimeout, perItem, log,
	)

	// Background sweep: expired locks and overdue approvals.
	sweeper := service.NewSweeper(locks, approvalService, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(editService, approvalService, checker, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery(log))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Mount("/", httpHandler.Routes())

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
