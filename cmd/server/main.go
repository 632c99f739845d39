package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/amura2406/songshake/internal/auth"
	"github.com/amura2406/songshake/internal/client"
	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/handler"
	"github.com/amura2406/songshake/internal/live"
	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/service"
	"github.com/amura2406/songshake/internal/store"
	ws "github.com/amura2406/songshake/internal/websocket"
	"github.com/amura2406/songshake/internal/worker"
	"github.com/amura2406/songshake/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}

	appLogger := logging.New(os.Stderr, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLogger.Warn("redis not available", "addr", cfg.Redis.Addr, "err", err)
	}

	jobStore, err := openStore(cfg, redisClient)
	if err != nil {
		appLogger.Fatal("failed to open store", "driver", cfg.Store.Driver, "err", err)
	}
	defer jobStore.Close()

	// External clients
	catalogClient := client.NewCatalogClient(&cfg.Catalog)
	geminiClient := client.NewGeminiClient(&cfg.Gemini, appLogger.With("component", "gemini"))
	if !geminiClient.IsConfigured() {
		appLogger.Warn("GEMINI_API_KEY not set, job creation is disabled")
	}

	// Services
	registry := live.NewRegistry()
	usageService := service.NewUsageService(jobStore, registry, appLogger)
	jobService := service.NewJobService(
		jobStore,
		registry,
		usageService,
		worker.NewRunner(catalogClient, geminiClient, jobStore, cfg.Pricing, appLogger.With("component", "runner")),
		worker.NewRetryEngine(catalogClient, geminiClient, jobStore, cfg.Pricing, appLogger.With("component", "retry")),
		geminiClient,
		service.JobServiceConfig{
			FlushEvery:   cfg.Jobs.FlushEvery,
			HistoryLimit: cfg.Jobs.HistoryLimit,
		},
		appLogger.With("component", "jobs"),
	)
	trackService := service.NewTrackService(jobStore)

	hub := ws.NewHub(appLogger.With("component", "websocket"))
	go hub.Run(ctx)
	jobService.SetBroadcaster(hub)

	// Job execution: asynq workers, or goroutines in this process
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var (
		asynqServer *asynq.Server
		localJobs   *service.LocalDispatcher
	)
	switch cfg.Worker.Mode {
	case config.WorkerModeLocal:
		localJobs = service.NewLocalDispatcher(jobsCtx, jobService, appLogger)
		jobService.SetDispatcher(localJobs)
	default:
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		jobService.SetDispatcher(worker.NewAsynqDispatcher(asynqClient))

		asynqServer = newWorkerServer(cfg, redisOpt, appLogger)
		mux := asynq.NewServeMux()
		mux.Handle(worker.TaskTypeJob, worker.NewTaskHandler(jobService, appLogger.With("component", "worker")))
		if err := asynqServer.Start(mux); err != nil {
			appLogger.Fatal("failed to start asynq worker", "err", err)
		}
	}

	validate := validator.New()
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	verifier, err := auth.NewJWKSVerifier(ctx, &cfg.Auth)
	if err != nil {
		appLogger.Fatal("failed to initialize OIDC verifier", "issuer", cfg.Auth.Issuer, "err", err)
	}
	if verifier != nil {
		authMiddleware = middleware.NewAuthMiddlewareWithVerifier(verifier, cfg.JWT.Secret)
		appLogger.Info("OIDC verification enabled", "issuer", cfg.Auth.Issuer)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, appLogger)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.RegisterRoutes(app, handler.Routes{
		Health:      handler.NewHealthHandler(jobStore, jobService.EnrichmentConfigured),
		Jobs:        handler.NewJobHandler(jobService, usageService, validate, appLogger),
		Streams:     handler.NewStreamHandler(jobService, usageService, cfg.Stream.JobPollInterval, cfg.Stream.UsagePollInterval, appLogger),
		Tracks:      handler.NewTrackHandler(trackService, validate, appLogger),
		Auth:        authMiddleware,
		RateLimiter: rateLimiter,
		JobsPerHour: cfg.RateLimit.JobsPerHour,
		Hub:         hub,
		JobService:  jobService,
	})

	go func() {
		<-ctx.Done()
		appLogger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLogger.Error("server shutdown error", "err", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	appLogger.Info("server starting", "addr", addr, "store", cfg.Store.Driver, "worker", cfg.Worker.Mode)
	if err := app.Listen(addr); err != nil {
		appLogger.Error("server error", "err", err)
	}

	// Running jobs stop at their next track boundary and are finalized.
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	cancelJobs()
	if localJobs != nil {
		localJobs.Wait()
	}
	appLogger.Info("server stopped")
}

func openStore(cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		return store.OpenSQLiteStore(cfg.Store.SQLitePath)
	case config.StoreDriverRedis:
		return store.NewRedisStore(redisClient, cfg.Store.JobRetention), nil
	}
	return nil, errors.New("unknown store driver: " + cfg.Store.Driver)
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, logger *log.Logger) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			worker.QueueEnrichment: 1,
		},
		Logger: asynqLogger{logger.With("component", "asynq")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("job task failed", "type", task.Type(), "err", err)
		}),
	})
}

// asynqLogger adapts the structured logger to asynq's printf-style interface.
type asynqLogger struct {
	l *log.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal(fmt.Sprint(args...)) }

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
