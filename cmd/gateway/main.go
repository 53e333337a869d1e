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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/api"
	"github.com/ntlabs/hookrelay/internal/config"
	"github.com/ntlabs/hookrelay/internal/db"
	"github.com/ntlabs/hookrelay/internal/dispatcher"
	"github.com/ntlabs/hookrelay/internal/metrics"
	"github.com/ntlabs/hookrelay/internal/observ"
	"github.com/ntlabs/hookrelay/internal/quota"
	"github.com/ntlabs/hookrelay/internal/redis"
	"github.com/ntlabs/hookrelay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting hookrelay gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("workers", cfg.Workers),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Initialize Redis for quotas, API rate limiting, and ingest idempotency
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, quotas and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		idempotencyService *redis.IdempotencyService
		apiLimiter         *redis.RateLimiter
		deliveryLimiter    *redis.RateLimiter
	)
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
		deliveryLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  quota.MaxDeliveriesPerHour,
			Window: 1 * time.Hour,
		})
		defer redisClient.Close()
	}

	enforcer := quota.NewEnforcer(repo, deliveryLimiter, logger)

	// Delivery engine: bounded queue, executor, worker pool, retry scheduler
	queue := worker.NewQueue(cfg.QueueSize)
	executor := worker.NewExecutor(repo, worker.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
	}, logger)
	pool := worker.NewPool(queue, executor, cfg.Workers, logger)
	scheduler := worker.NewScheduler(repo, queue, cfg.PollInterval, cfg.PollBatch, logger)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	go pool.Start(engineCtx)
	go scheduler.Start(engineCtx)

	logger.Info("delivery engine started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	disp := dispatcher.New(repo, enforcer, queue, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, disp, executor, queue, enforcer, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo, disp, executor, queue, enforcer)
	}

	r.Route("/v1", func(r chi.Router) {
		// Producer boundary: events flow in here
		r.Post("/events", handler.SubmitEvent)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.ProjectKeyFunc))

			r.Post("/subscriptions", handler.CreateSubscription)
			r.Get("/subscriptions", handler.ListSubscriptions)
			r.Get("/subscriptions/{id}", handler.GetSubscription)
			r.Patch("/subscriptions/{id}", handler.UpdateSubscription)
			r.Delete("/subscriptions/{id}", handler.DeleteSubscription)
			r.Post("/subscriptions/{id}/rotate-secret", handler.RotateSecret)
			r.Post("/subscriptions/{id}/rotate-secret/finalize", handler.FinalizeRotateSecret)

			r.Get("/deliveries", handler.ListDeliveries)
			r.Get("/deliveries/{id}", handler.GetDelivery)
			r.Post("/deliveries/{id}/redeliver", handler.Redeliver)

			r.Get("/dlq", handler.ListDLQ)

			r.Post("/webhooks/test-send", handler.TestSend)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop accepting work; claim leases make in-flight attempts
		// recoverable even on an abrupt stop.
		engineCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
