package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/fuzziecoder/Flexi-Roaster/internal/http/handlers"
	httpMW "github.com/fuzziecoder/Flexi-Roaster/internal/http/middleware"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type RouterConfig struct {
	PipelineHandler  *httpH.PipelineHandler
	ExecutionHandler *httpH.ExecutionHandler
	AirflowHandler   *httpH.AirflowHandler
	InsightHandler   *httpH.InsightHandler
	MetricHandler    *httpH.MetricHandler
	HealthHandler    *httpH.HealthHandler

	AirflowSecret string
	Log           *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("flexiroaster"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Pipelines
		if cfg.PipelineHandler != nil {
			api.POST("/pipelines", cfg.PipelineHandler.Create)
			api.GET("/pipelines", cfg.PipelineHandler.List)
			api.GET("/pipelines/:id", cfg.PipelineHandler.Get)
			api.PUT("/pipelines/:id", cfg.PipelineHandler.Update)
			api.DELETE("/pipelines/:id", cfg.PipelineHandler.Delete)
		}

		// Executions
		if cfg.ExecutionHandler != nil {
			api.POST("/pipelines/:id/trigger", cfg.ExecutionHandler.Trigger)
			api.GET("/executions", cfg.ExecutionHandler.List)
			api.GET("/executions/:id", cfg.ExecutionHandler.Status)
			api.GET("/executions/:id/logs", cfg.ExecutionHandler.Logs)
			api.POST("/executions/:id/stop", cfg.ExecutionHandler.Stop)
			api.POST("/executions/:id/pause", cfg.ExecutionHandler.Pause)
			api.POST("/executions/:id/resume", cfg.ExecutionHandler.Resume)
		}

		// Insights
		if cfg.InsightHandler != nil {
			api.GET("/insights", cfg.InsightHandler.List)
			api.POST("/insights/:id/resolve", cfg.InsightHandler.Resolve)
		}

		// Metrics
		if cfg.MetricHandler != nil {
			api.GET("/metrics/history", cfg.MetricHandler.History)
			api.GET("/metrics/latest", cfg.MetricHandler.Latest)
		}
	}

	// Orchestrator channel, authenticated by shared secret when configured.
	if cfg.AirflowHandler != nil {
		airflow := api.Group("/airflow")
		airflow.Use(httpMW.RequireAirflowSecret(cfg.AirflowSecret))
		airflow.POST("/trigger", cfg.AirflowHandler.Trigger)
		airflow.POST("/callback", cfg.AirflowHandler.Callback)
	}

	return r
}
