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

	"github.com/kindful-app/kindful/internal/api"
	"github.com/kindful-app/kindful/internal/circuitbreaker"
	"github.com/kindful-app/kindful/internal/config"
	"github.com/kindful-app/kindful/internal/db"
	"github.com/kindful-app/kindful/internal/delivery"
	"github.com/kindful-app/kindful/internal/metrics"
	"github.com/kindful-app/kindful/internal/observ"
	"github.com/kindful-app/kindful/internal/redis"
	"github.com/kindful-app/kindful/internal/schedule"
	"github.com/kindful-app/kindful/internal/sqs"
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

	logger.Info("starting kindful engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("horizon_days", cfg.HorizonDays),
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

	// Redis backs the suppression cache, the run lock, and the trigger
	// rate limiter. All three degrade gracefully when it is absent.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, suppression lookups go straight to the store",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var suppressions schedule.SuppressionChecker = repo
	var rateLimiter *redis.RateLimiter
	var runLock *redis.RunLock
	if redisClient != nil {
		suppressions = redis.NewSuppressionCache(redisClient, repo, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  10, // manual trigger budget
			Window: 1 * time.Minute,
		})
		runLock = redis.NewRunLock(redisClient, logger)
		defer redisClient.Close()
	}

	// Channel senders, each behind its own circuit breaker.
	sesSender, err := delivery.NewSESSender(ctx, delivery.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	snsSender, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS reminders disabled", zap.Error(err))
		snsSender = nil
	}

	webhookSender := delivery.NewWebhookSender(logger, delivery.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})

	emailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	webhookBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger)
	breakers := []*circuitbreaker.CircuitBreaker{emailBreaker, webhookBreaker}

	senders := []delivery.Sender{
		circuitbreaker.NewProtectedSender(sesSender, emailBreaker, logger),
		circuitbreaker.NewProtectedSender(webhookSender, webhookBreaker, logger),
	}
	if snsSender != nil {
		smsBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger)
		breakers = append(breakers, smsBreaker)
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender, smsBreaker, logger))
	}
	multiSender := delivery.NewMultiSender(logger, senders...)

	logger.Info("initialized channel senders",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("webhook_enabled", true),
	)

	// Outcome event fan-out is optional.
	var publisher delivery.OutcomePublisher
	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, outcome events will not be published",
				zap.Error(err),
			)
		} else {
			publisher = producer
			defer producer.Close()
		}
	}

	scheduler := schedule.NewScheduler(repo, suppressions, schedule.Config{
		HorizonDays:     cfg.HorizonDays,
		DefaultSendHour: cfg.DefaultSendHour,
	}, logger)

	dispatcher := delivery.NewDispatcher(repo, multiSender, publisher, delivery.Config{
		PollInterval: time.Duration(cfg.DispatchInterval) * time.Second,
	}, logger)

	retryTracker := schedule.NewRetryTracker(repo, cfg.MaxRetries, logger)

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go dispatcher.Start(bgCtx)
	go retryTracker.Start(bgCtx, time.Duration(cfg.RetrySweepInterval)*time.Minute)
	go runSchedulerLoop(bgCtx, scheduler, runLock, time.Duration(cfg.SchedulerInterval)*time.Minute, logger)

	logger.Info("background loops started",
		zap.Int("scheduler_interval_minutes", cfg.SchedulerInterval),
		zap.Int("dispatch_interval_seconds", cfg.DispatchInterval),
		zap.Int("retry_sweep_interval_minutes", cfg.RetrySweepInterval),
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	opts := []api.HandlerOption{
		api.WithBreakerStats(func() []circuitbreaker.Stats {
			stats := make([]circuitbreaker.Stats, 0, len(breakers))
			for _, b := range breakers {
				stats = append(stats, b.Stats())
			}
			return stats
		}),
	}
	if runLock != nil {
		opts = append(opts, api.WithRunGuard(runLock))
	}
	handler := api.NewHandler(logger, repo, scheduler, dispatcher, cfg.MaxRetries, opts...)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/scheduler/stats", handler.GetStats)
		r.Get("/sends/pending", handler.ListPendingSends)
		r.Get("/sends/failed", handler.ListFailedSends)
		r.Get("/sends/{id}", handler.GetSend)
		r.Get("/sends/{id}/status", handler.GetSendStatus)
		r.Post("/sends/{id}/pause", handler.PauseSend)
		r.Post("/sends/{id}/resume", handler.ResumeSend)
		r.Post("/sends/{id}/cancel", handler.CancelSend)

		// Manual triggers share one rate-limit bucket.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TriggerKeyFunc))
			r.Post("/scheduler/run", handler.RunScheduler)
			r.Post("/dispatcher/run", handler.RunDispatcher)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
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

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

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

// runSchedulerLoop runs a scheduling pass on an interval, serialized by
// the run lock when one is configured. The first pass runs at startup
// so a freshly deployed engine does not wait out a full interval.
func runSchedulerLoop(ctx context.Context, scheduler *schedule.Scheduler, lock *redis.RunLock, interval time.Duration, logger *zap.Logger) {
	runOnce := func() {
		if lock != nil {
			ok, err := lock.Acquire(ctx, "scheduler", interval)
			if err != nil {
				logger.Warn("run lock unavailable, proceeding", zap.Error(err))
			} else if !ok {
				logger.Info("scheduling pass skipped, lock held elsewhere")
				return
			} else {
				defer func() {
					if err := lock.Release(ctx, "scheduler"); err != nil {
						logger.Warn("failed to release run lock", zap.Error(err))
					}
				}()
			}
		}
		if _, err := scheduler.ScheduleUpcomingReminders(ctx, time.Now().UTC()); err != nil {
			logger.Error("scheduling pass failed", zap.Error(err))
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler loop stopping")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
