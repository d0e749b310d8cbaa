package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"giftcode-redeemer/pkg/health"
)

var Module = fx.Module("httpapi",
	fx.Invoke(RegisterOperational),
)

// RegisterOperational mounts the probes and the metrics endpoint.
func RegisterOperational(engine *gin.Engine, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
