package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/content"
	"github.com/noah-isme/gema-assessment-api/internal/database"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	cloud "github.com/noah-isme/gema-assessment-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured; definition cache and cross-node feed disabled")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	var uploads service.UploadService
	if cfg.CloudinaryEnabled() {
		storage, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		uploads = service.NewUploadService(storage, cfg.UploadMaxSizeMB, logger)
	} else {
		logger.Warn().Msg("cloudinary not configured; file answers disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := realtime.NewFeed(redisClient, cfg.RealtimeChannel, natsConn, logger)
	feed.Start(ctx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	assessmentRepo := repository.NewAssessmentRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	answerRepo := repository.NewAnswerRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	definitionService := service.NewDefinitionService(policyRepo, redisClient, cfg.DefinitionCacheTTL, feed, logger)
	sessionService := service.NewSessionService(service.SessionServiceConfig{
		Definitions:  definitionService,
		Attempts:     attemptRepo,
		Answers:      answerRepo,
		Feed:         feed,
		Presenter:    content.NewPresenter(),
		Validator:    validate,
		Logger:       logger,
		TickInterval: cfg.CountdownInterval,
	})
	auditService := service.NewAuditService(auditRepo, validate, logger)
	authoringService := service.NewAuthoringService(service.AuthoringServiceConfig{
		Assessments: assessmentRepo,
		Policies:    policyRepo,
		Attempts:    attemptRepo,
		Definitions: definitionService,
		Feed:        feed,
		Audit:       auditService,
		Validator:   validate,
		Logger:      logger,
	})

	submitGuard := middleware.RateLimit("assessment-submit", cfg.SubmitRateLimit, cfg.SubmitRateWindow)
	sessionHandler := handler.NewSessionHandler(sessionService, uploads, submitGuard, logger)
	authoringHandler := handler.NewAuthoringHandler(authoringService, auditService, logger)

	probes := []handler.HealthProbe{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		probes = append(probes, handler.HealthProbe{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxSizeMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.AllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		SessionHandler:   sessionHandler,
		AuthoringHandler: authoringHandler,
		HealthProbes:     probes,
		JWTMiddleware:    middleware.JWTProtected(cfg.JWTSecret),
		MetricsHandler:   observability.MetricsHandler(),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdown(app, sessionService, cfg, logger)
}

// shutdown stops accepting requests first, then halts every countdown still held in memory.
func shutdown(app *fiber.App, sessions service.SessionService, cfg config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	sessions.Shutdown()

	logger.Info().Msg("server stopped")
}
