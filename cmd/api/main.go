package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	cloud "github.com/noah-isme/gema-grading-api/pkg/cloudinary"
)

// maxFilesPerRequest bounds the request body together with the per-file upload limit.
const maxFilesPerRequest = 4

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.AppEnv == "development" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis not configured, grading locks are process local")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Close()
	}

	var uploader service.FileUploader
	if cfg.CloudinaryCloudName != "" {
		cloudinaryService, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		uploader = cloudinaryService
	} else {
		logger.Warn().Msg("cloudinary not configured, submission attachments are disabled")
	}

	grader, err := ai.NewChatGrader(ai.ChatConfig{
		Provider:    cfg.AIProvider,
		APIKey:      cfg.ProviderAPIKey(),
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		ReplyFormat: ai.ReplyFormat(cfg.GradingReplyFormat),
		ScorePolicy: ai.ScorePolicy(cfg.GradingScorePolicy),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid grading configuration")
	}
	if cfg.ProviderAPIKey() == "" {
		logger.Warn().Str("provider", grader.Provider()).Msg("provider api key missing, grading requests will fail")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)

	dispatcher := service.NewGradingDispatcher(grader, service.GradingDispatcherConfig{
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.EventChannel,
		LockTTL:     cfg.GradingLockTTL,
	}, logger)

	assignmentService := service.NewAssignmentService(assignmentRepo, validate, logger)
	submissionService := service.NewSubmissionService(submissionRepo, assignmentRepo, dispatcher, uploader, validate, service.SubmissionOptions{
		MaxUploadBytes: int64(cfg.UploadMaxSizeMB) << 20,
		AutoGrade:      cfg.AutoGrade,
	}, logger)

	app := fiber.New(router.ServerConfig(cfg, (cfg.UploadMaxSizeMB*maxFilesPerRequest+1)<<20))

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLogger: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler:    handler.NewGradingHandler(grader, logger),
		AssignmentHandler: handler.NewAssignmentHandler(assignmentService, logger),
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, logger),
		HealthChecks:      dependencyChecks(db, redisClient, natsConn),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("starting http server")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, dispatcher, cfg.GradingShutdownTimeout, logger)
}

func waitForShutdown(app *fiber.App, dispatcher service.GradingDispatcher, gradingTimeout time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Dur("timeout", gradingTimeout).Msg("waiting for background grading jobs")
	gradingCtx, cancelGrading := context.WithTimeout(context.Background(), gradingTimeout)
	defer cancelGrading()
	if err := dispatcher.WaitContext(gradingCtx); err != nil {
		logger.Warn().Err(err).Msg("stopping with grading jobs still running")
	}

	logger.Info().Msg("server stopped")
}

func dependencyChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) []handler.DependencyCheck {
	checks := []handler.DependencyCheck{{
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
		checks = append(checks, handler.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	if natsConn != nil {
		checks = append(checks, handler.DependencyCheck{
			Name: "nats",
			Check: func(context.Context) error {
				if !natsConn.IsConnected() {
					return fmt.Errorf("nats connection %s", natsConn.Status())
				}
				return nil
			},
		})
	}

	return checks
}
