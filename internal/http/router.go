package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/mythoria-pt/story-generation-workflow/internal/http/handlers"
	httpMW "github.com/mythoria-pt/story-generation-workflow/internal/http/middleware"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	AuthMiddleware *httpMW.AuthMiddleware

	RunHandler  *httpH.RunHandler
	StepHandler *httpH.StepHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Middleware
		if cfg.AuthMiddleware != nil {
			api.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Runs
		if cfg.RunHandler != nil {
			api.POST("/stories/:id/runs", cfg.RunHandler.StartRun)
			api.GET("/runs/:id", cfg.RunHandler.GetRun)
			api.GET("/runs/:id/progress", cfg.RunHandler.GetProgress)
			api.POST("/runs/:id/cancel", cfg.RunHandler.CancelRun)
			api.POST("/runs/:id/finalize", cfg.RunHandler.FinalizeRun)
		}

		// Steps
		if cfg.StepHandler != nil {
			api.POST("/runs/:id/steps/outline", cfg.StepHandler.GenerateOutline)
			api.POST("/runs/:id/steps/chapters/:chapter", cfg.StepHandler.WriteChapter)
			api.POST("/runs/:id/steps/images/:chapter", cfg.StepHandler.GenerateChapterImage)
			api.POST("/runs/:id/steps/front-cover", cfg.StepHandler.GenerateFrontCover)
			api.POST("/runs/:id/steps/back-cover", cfg.StepHandler.GenerateBackCover)
			api.POST("/runs/:id/steps/assemble", cfg.StepHandler.AssembleBook)
			api.POST("/runs/:id/steps/audiobook", cfg.StepHandler.GenerateAudiobook)
		}
	}

	return r
}
