package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/dalston/internal/http/handlers"
	httpMW "github.com/yungbote/dalston/internal/http/middleware"
	"github.com/yungbote/dalston/internal/http/ws"
	"github.com/yungbote/dalston/internal/observability"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// RouterConfig bundles every handler/middleware the gateway process wires
// together. Fields are nil-checked so a process running only a subset of
// the surface (e.g. the session router standalone) can still build a
// router with just its own routes mounted.
type RouterConfig struct {
	Log             *logger.Logger
	AuthMiddleware  *httpMW.AuthMiddleware
	Metrics         *observability.Metrics
	HealthHandler   *httpH.HealthHandler
	Transcriptions  *httpH.TranscriptionHandler
	Webhooks        *httpH.WebhookHandler
	Stream          *ws.Handler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("dalston"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	v1 := r.Group("/v1")
	if cfg.AuthMiddleware != nil {
		v1.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.Transcriptions != nil {
		v1.POST("/audio/transcriptions", cfg.Transcriptions.Create)
		v1.GET("/audio/transcriptions/:job_id", cfg.Transcriptions.Get)
		v1.POST("/audio/transcriptions/:job_id/cancel", cfg.Transcriptions.Cancel)
		v1.GET("/audio/transcriptions/:job_id/export/:format", cfg.Transcriptions.Export)
	}

	if cfg.Stream != nil {
		v1.GET("/audio/transcriptions/stream", cfg.Stream.Serve)
	}

	if cfg.Webhooks != nil {
		v1.POST("/webhooks", cfg.Webhooks.Create)
		v1.GET("/webhooks", cfg.Webhooks.List)
		v1.PATCH("/webhooks/:id", cfg.Webhooks.Update)
		v1.POST("/webhooks/:id/rotate_secret", cfg.Webhooks.RotateSecret)
		v1.GET("/webhooks/:id/deliveries", cfg.Webhooks.ListDeliveries)
		v1.POST("/webhooks/:id/deliveries/:delivery_id/retry", cfg.Webhooks.RetryDelivery)
	}

	return r
}
