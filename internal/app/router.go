package app

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func wireRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("calliope"))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", h.Metrics)

	v1 := r.Group("/v1")
	{
		v1.POST("/respond", h.Respond)
		v1.POST("/interject/:channel_id", h.InterjectCheck)
		v1.GET("/search", h.Search)
		v1.GET("/context", h.Context)
		v1.GET("/usage", h.Usage)
		v1.POST("/prompt-tests", h.RegisterPromptTest)
		v1.GET("/prompt-tests/:id/winner", h.PromptTestWinner)
		v1.GET("/prompt-tests/:id/metrics", h.PromptTestMetrics)
	}
	return r
}
