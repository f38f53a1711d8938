package app

import (
	"context"
	"net/http"
	"time"

	"github.com/quotefleet/rpatrack/internal/controllers"
	"github.com/quotefleet/rpatrack/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	// Carrier callback surface. Unauthenticated by boundary contract: the
	// automation vendors cannot hold credentials for us, so the endpoint is
	// guarded by validation, idempotent merges and a per-IP rate limit.
	webhook := app.Engine.Group("/webhooks", middleware.WebhookCORS())
	{
		complete := controllers.NewRPACompleteController(app.Ingest)
		webhook.POST("/rpa-complete", middleware.RateLimitWebhook(app.RateLimiter, app.Config), complete.Handle)
		webhook.GET("/rpa-complete", complete.HandleLiveness)
		webhook.OPTIONS("/rpa-complete", func(*gin.Context) {})
	}

	v1 := app.Engine.Group("/v1/rpa")
	producer := v1.Group("", middleware.AuthMiddleware(app.ProducerValidator, app.Config))
	{
		producer.POST("/submissions", middleware.RateLimitProducer(app.RateLimiter, app.Config), controllers.NewCreateSubmissionController(app.Dispatch).Handle)
		producer.POST("/submissions/:id/dispatch", middleware.RateLimitProducer(app.RateLimiter, app.Config), controllers.NewDispatchController(app.Dispatch).Handle)
		producer.GET("/submissions/:id/tasks", controllers.NewGetStatusesController(app.Status).Handle)

		admin := producer.Group("/admin", middleware.RequireAdmin())
		admin.GET("/submissions/:id", controllers.NewAdminSubmissionController(app.Status).Handle)
	}

	app.Engine.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := app.Persist.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
