package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/config"
	"github.com/noah-isme/gema-scoring-api/internal/database"
	"github.com/noah-isme/gema-scoring-api/internal/handler"
	"github.com/noah-isme/gema-scoring-api/internal/middleware"
	"github.com/noah-isme/gema-scoring-api/internal/queue"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/internal/router"
	"github.com/noah-isme/gema-scoring-api/internal/service"
	"github.com/noah-isme/gema-scoring-api/internal/worker"
	cloud "github.com/noah-isme/gema-scoring-api/pkg/cloudinary"
	"github.com/noah-isme/gema-scoring-api/pkg/extract"
	"github.com/noah-isme/gema-scoring-api/pkg/scorer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis disabled; status cache and cross-node events are off")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	var uploader service.FileUploader
	cloudCfg := cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}
	if cloudCfg.Configured() {
		archive, err := cloud.New(cloudCfg, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		uploader = archive
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	scorerImpl, err := buildScorer(rootCtx, cfg.Scorer, logger)
	if err != nil {
		log.Fatalf("failed to create scorer: %v", err)
	}
	if closer, ok := scorerImpl.(io.Closer); ok {
		defer closer.Close()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	corpusRepo := repository.NewCorpusRepository(db)

	events := service.NewStatusBroadcaster(redisClient, cfg.Scoring.EventChannel, natsConn, logger)
	events.Start(rootCtx)

	extractor, err := buildExtractor(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to create document extractor: %v", err)
	}
	state := service.NewSubmissionStateMachine(submissionRepo, events, redisClient, logger)
	orchestrator := service.NewScoringOrchestrator(state, submissionRepo, assignmentRepo, corpusRepo, extractor, scorerImpl,
		service.OrchestratorConfig{
			PlagiarismThreshold: cfg.Scoring.PlagiarismThreshold,
			ProcessingTimeout:   cfg.Scoring.ProcessingTimeout,
		}, logger)

	pool := worker.NewPool(cfg.Scoring.Workers, cfg.Scoring.QueueCapacity, logger)
	pool.Start(rootCtx)

	var (
		dispatcher service.Dispatcher
		rabbit     *queue.RabbitDispatcher
	)
	switch cfg.Queue.Driver {
	case config.QueueDriverRabbitMQ:
		rabbit, err = queue.NewRabbitDispatcher(cfg.Queue.RabbitMQURL, cfg.Queue.RabbitMQQueue, pool, orchestrator.Process, logger)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		if err := rabbit.Start(rootCtx, cfg.Queue.RabbitPrefetch); err != nil {
			log.Fatalf("failed to consume scoring queue: %v", err)
		}
		dispatcher = rabbit
	default:
		dispatcher = queue.NewLocalDispatcher(pool, orchestrator.Process, logger)
	}

	submissionService := service.NewSubmissionService(service.SubmissionServiceDeps{
		State:       state,
		Submissions: submissionRepo,
		Assignments: assignmentRepo,
		Students:    studentRepo,
		Sniffer:     extractor,
		Dispatcher:  dispatcher,
		Events:      events,
		Uploader:    uploader,
		Validator:   validate,
		Cache:       redisClient,
	}, service.SubmissionServiceConfig{
		PollInterval:   cfg.Scoring.PollInterval,
		StatusCacheTTL: cfg.Scoring.StatusCacheTTL,
		MaxUploadBytes: cfg.Scoring.MaxUploadBytes,
	}, logger)
	assignmentService := service.NewAssignmentService(assignmentRepo, submissionRepo, validate, redisClient, cfg.Scoring.StatsCacheTTL, logger)

	submissionHandler := handler.NewSubmissionHandler(submissionService, handler.SubmissionHandlerOptions{
		SubmitLimit:  cfg.Scoring.SubmitRateLimit,
		SubmitWindow: cfg.Scoring.SubmitRateWindow,
	}, logger)
	assignmentHandler := handler.NewAssignmentHandler(assignmentService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.Scoring.MaxUploadBytes) + 1<<20,
	})

	middleware.Register(app, middleware.Config{
		Logger:        &logger,
		MetricsPrefix: "/api",
		AllowOrigins:  cfg.CORSOrigins,
		AccessLog:     cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		AssignmentHandler: assignmentHandler,
		Workers:           pool,
		JWTMiddleware: middleware.JWTProtected(middleware.JWTConfig{
			Secret:      cfg.JWTSecret,
			DefaultRole: cfg.JWTDefaultRole,
		}),
	})

	if err := orchestrator.Recover(rootCtx, dispatcher); err != nil {
		logger.Error().Err(err).Msg("startup recovery incomplete")
	}
	sweepCtx, stopSweep := context.WithCancel(rootCtx)
	go orchestrator.Sweep(sweepCtx, dispatcher, cfg.Scoring.RecoveryInterval)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger)
	stopSweep()

	if rabbit != nil {
		if err := rabbit.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close rabbitmq dispatcher")
		}
	}
	pool.Stop()
	cancelRoot()
	logger.Info().Msg("scoring workers stopped")
}

func buildScorer(ctx context.Context, cfg config.ScorerConfig, logger zerolog.Logger) (scorer.Scorer, error) {
	lexical := scorer.NewLexicalScorer()

	switch cfg.Provider {
	case config.ScorerProviderOpenAI:
		return scorer.NewOpenAIScorer(scorer.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Logger:  logger,
		}, lexical)
	case config.ScorerProviderGemini:
		return scorer.NewGeminiScorer(ctx, scorer.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger,
		}, lexical)
	default:
		return lexical, nil
	}
}

func buildExtractor(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*extract.DocumentExtractor, error) {
	text := extract.NewTextExtractor(int(cfg.Scoring.MaxUploadBytes))

	switch cfg.Extract.OCRProvider {
	case config.OCRProviderGemini:
		ocr, err := extract.NewGeminiOCR(ctx, extract.GeminiOCRConfig{
			APIKey:   cfg.Scorer.GeminiAPIKey,
			Model:    cfg.Extract.OCRModel,
			MaxBytes: int(cfg.Scoring.MaxUploadBytes),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			_ = ocr.Close()
		}()
		logger.Info().Str("model", cfg.Extract.OCRModel).Msg("pdf submissions enabled through gemini ocr")
		return extract.NewDocumentExtractor(text, ocr), nil
	default:
		return extract.NewDocumentExtractor(text, nil), nil
	}
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
