// Package http is the operator surface: task submission and inspection,
// healthcheck, and the metrics scrape endpoint. The execution engine never
// depends on this package.
package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/make-ware/video-ware-sub003/internal/http/handlers"
	httpMW "github.com/make-ware/video-ware-sub003/internal/http/middleware"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	TaskHandler   *httpH.TaskHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("video-ware"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	{
		if cfg.TaskHandler != nil {
			api.POST("/tasks", cfg.TaskHandler.CreateTask)
			api.GET("/tasks/:id", cfg.TaskHandler.GetTask)
			api.POST("/tasks/:id/cancel", cfg.TaskHandler.CancelTask)
		}
	}

	return r
}
