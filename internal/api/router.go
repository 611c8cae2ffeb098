// Package api exposes the beamline core to operator front-ends over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beamlinecore/internal/core"
)

// NewRouter builds the gin engine serving /api and /metrics. A nil gatherer
// serves the default Prometheus registry.
func NewRouter(svc *core.Service, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	NewHandler(svc).RegisterRoutes(r.Group("/api"))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	return r
}
