package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	"github.com/maheshrc27/postflow/internal/database"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
)

// backend is the running half of a job store: the SQL scheduler or the asynq server.
type backend struct {
	store  queue.JobStore
	pruner queue.Pruner
	redis  redis.UniversalClient
	start  func(ctx context.Context) error
	stop   func()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer shutdownTracing()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	postRepo := repository.NewPostRepository(db)
	scheduledPostRepo := repository.NewScheduledPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)

	registry := queue.NewRegistry()
	jobs := newBackend(cfg, db, registry, logger)

	manager := publisher.NewManager(socialAccountRepo, []byte(cfg.SecretKey), cfg.PublishTimeout, logger,
		publisher.NewLinkedIn(publisher.LinkedInConfig{
			ClientID:     cfg.LinkedIn.ClientID,
			ClientSecret: cfg.LinkedIn.ClientSecret,
		}),
		publisher.NewYoutube(publisher.YoutubeConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}),
	)

	retry := job.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	job.NewPublishWorker(db, postRepo, scheduledPostRepo, userRepo, manager, jobs.store, retry, logger).Register(registry)
	job.NewCleanupSweeper(scheduledPostRepo, jobs.pruner, cfg.Cleanup.Retention, logger).Register(registry)

	if err := jobs.start(ctx); err != nil {
		log.Fatalf("Failed to start job backend: %v", err)
	}
	if _, err := queue.Every(ctx, jobs.store, cfg.Cleanup.Schedule, queue.CleanupPayload{}); err != nil {
		log.Fatalf("Failed to register cleanup job: %v", err)
	}

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(socialAccountRepo, manager, logger)
	c := cron.New()
	if _, err := c.AddFunc(cfg.TokenRefreshEvery, func() { refreshTokenJob.RefreshTokens(ctx) }); err != nil {
		log.Fatalf("Invalid token refresh schedule: %v", err)
	}
	c.Start()

	r2, err := service.NewR2Client(ctx, cfg.R2)
	if err != nil {
		log.Fatalf("Failed to configure media storage: %v", err)
	}

	postService := service.NewPostService(db, postRepo, scheduledPostRepo, jobs.store, cfg.Retry.MaxAttempts, logger)
	mediaService := service.NewMediaService(r2, cfg.R2.BucketName, cfg.R2.PublicURL, logger)
	userService := service.NewUserService(userRepo, socialAccountRepo)

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    service.MaxMediaSize + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				logger.Error("request failed", "path", c.Path(), "err", err)
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	app.Get("/health", handlers.NewHealthHandler(db, jobs.redis).Check)

	authMiddleware := middleware.NewAuthMiddleware(cfg.SecretKey, cfg.CookieName)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)

	api := app.Group("/api", authMiddleware.AuthMiddleware(), rateLimiter.Handler())
	handlers.RegisterRoutes(api,
		handlers.NewPostHandler(postService),
		handlers.NewMediaHandler(mediaService),
		handlers.NewUserHandler(userService),
	)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	logger.Info("server is running", "port", cfg.Port, "job_backend", cfg.JobBackend)

	gracefulShutdown(app, func() {
		<-c.Stop().Done()
		jobs.stop()
		cancel()
	})
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Development() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// setupTracing installs an OTLP exporter when an endpoint is configured.
// Without one the global no-op provider stays in place.
func setupTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.OTLPEndpoint == "" {
		return func() {}, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "postflow"))),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer shutdown failed", "err", err)
		}
	}, nil
}

func newBackend(cfg *config.Config, db *sqlx.DB, registry *queue.Registry, logger *slog.Logger) backend {
	schedCfg := queue.SchedulerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Concurrency:  cfg.Scheduler.Concurrency,
	}

	if cfg.JobBackend == "redis" {
		redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
		store := queue.NewAsynqStore(redisConn, cfg.Scheduler.LockLifetime, logger)
		runner := queue.NewAsynqRunner(redisConn, store, registry, schedCfg, logger)
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
		return backend{
			store: store,
			redis: rdb,
			start: func(context.Context) error { return runner.Start() },
			stop: func() {
				runner.Stop()
				if err := store.Close(); err != nil {
					logger.Error("closing asynq store", "err", err)
				}
				rdb.Close()
			},
		}
	}

	store := queue.NewSQLStore(db, cfg.Scheduler.LockLifetime, logger)
	scheduler := queue.NewScheduler(store, registry, schedCfg, logger)
	return backend{
		store:  store,
		pruner: store,
		start: func(ctx context.Context) error {
			scheduler.Start(ctx)
			return nil
		},
		stop: scheduler.Stop,
	}
}

func closeDB(db *sqlx.DB) {
	slog.Info("closing database connection")
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "err", err)
	}
}

func gracefulShutdown(app *fiber.App, stopJobs func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	slog.Info("shutting down server")

	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		slog.Error("failed to shut down server", "err", err)
	}
	stopJobs()
	slog.Info("server shutdown complete")
}
