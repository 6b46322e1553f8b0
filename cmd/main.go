package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mythoria-pt/story-generation-workflow/internal/clients/redis"
	"github.com/mythoria-pt/story-generation-workflow/internal/data/db"
	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	httpx "github.com/mythoria-pt/story-generation-workflow/internal/http"
	"github.com/mythoria-pt/story-generation-workflow/internal/http/handlers"
	"github.com/mythoria-pt/story-generation-workflow/internal/http/middleware"
	"github.com/mythoria-pt/story-generation-workflow/internal/observability"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/envutil"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/googleai"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/openai"
	"github.com/mythoria-pt/story-generation-workflow/internal/services"
)

const serviceName = "story-generation-workflow"

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	})
	if shutdownOtel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOtel(shutdownCtx); err != nil {
				log.Warn("otel shutdown failed", "error", err)
			}
		}()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos...")
	runRepo := repos.NewRunRepo(thePG, log)
	stepRepo := repos.NewStepRepo(thePG, log)
	contextRepo := repos.NewContextRepo(thePG, log)
	storyRepo := repos.NewStoryRepo(thePG, log)

	// Clients
	log.Info("Setting up clients...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}
	var progressBus services.ProgressPublisher
	if bus, err := redis.NewProgressBus(log); err != nil {
		log.Warn("Could not init progress bus, progress events disabled", "error", err)
	} else {
		progressBus = bus
		defer bus.Close()
	}

	// Step time model
	stepTimeModel := services.DefaultStepTimeModel()
	if path := envutil.String("STEP_TIME_MODEL_PATH", ""); path != "" {
		m, err := services.LoadStepTimeModel(path)
		if err != nil {
			log.Error("Could not load step time model", "path", path, "error", err)
			os.Exit(1)
		}
		stepTimeModel = m
	}

	// Services
	log.Info("Setting up services...")
	ledgerService := services.NewLedgerService(thePG, log, runRepo, stepRepo)
	contextManager := services.NewContextManager(thePG, log, contextRepo)
	progressService := services.NewProgressService(thePG, log, ledgerService, storyRepo, stepTimeModel, progressBus)

	var textGen services.TextGenerator
	switch provider := envutil.String("TEXT_PROVIDER", "openai"); provider {
	case "googleai":
		googleaiClient, err := googleai.NewClient(ctx, log)
		if err != nil {
			log.Error("Could not init GoogleAIClient", "error", err)
			os.Exit(1)
		}
		textGen = services.NewGoogleAITextGenerator(log, googleaiClient, contextManager)
	case "openai":
		textGen = services.NewOpenAITextGenerator(log, openaiClient, contextManager)
	default:
		log.Error("Unknown TEXT_PROVIDER", "provider", provider)
		os.Exit(1)
	}

	runService := services.NewRunService(log, ledgerService, contextManager, storyRepo, progressService)
	outlineService := services.NewOutlineService(log, ledgerService, contextManager, storyRepo, progressService, textGen)
	chapterService := services.NewChapterService(log, ledgerService, contextManager, storyRepo, progressService, textGen)
	illustrationService := services.NewIllustrationService(log, ledgerService, contextManager, storyRepo, progressService, openaiClient, bucketService)
	assemblyService := services.NewAssemblyService(log, ledgerService, contextManager, storyRepo, progressService, bucketService)
	audiobookService := services.NewAudiobookService(log, ledgerService, contextManager, storyRepo, progressService, openaiClient, bucketService)

	// Handlers
	log.Info("Setting up handlers...")
	healthHandler := handlers.NewHealthHandler()
	runHandler := handlers.NewRunHandler(runService, progressService)
	stepHandler := handlers.NewStepHandler(outlineService, chapterService, illustrationService, assemblyService, audiobookService)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log)

	// Router
	router := httpx.NewRouter(httpx.RouterConfig{
		Log:            log,
		ServiceName:    serviceName,
		AuthMiddleware: authMiddleware,
		RunHandler:     runHandler,
		StepHandler:    stepHandler,
		HealthHandler:  healthHandler,
	})

	port := envutil.String("PORT", "8080")
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
