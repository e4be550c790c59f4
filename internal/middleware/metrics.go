package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/engagement-pipeline/internal/service"
)

// Pipeline surfaces used as the surface label on request metrics.
const (
	SurfaceIngest    = "ingest"
	SurfaceRollups   = "rollups"
	SurfaceAdmin     = "admin"
	SurfaceOps       = "ops"
	SurfaceUnmatched = "unmatched"
)

// Metrics records the latency and status of every request, labelled by pipeline surface and
// route template. Requests that match no route share one label so scanners cannot inflate the
// series count.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		metricsSvc.ObserveRequest(SurfaceOf(route), c.Request.Method, routeLabel(route), c.Writer.Status(), time.Since(start))
	}
}

// SurfaceOf maps a route template to the pipeline surface serving it.
func SurfaceOf(route string) string {
	switch {
	case route == "":
		return SurfaceUnmatched
	case strings.Contains(route, "/ingest/"):
		return SurfaceIngest
	case strings.Contains(route, "/admin/"):
		return SurfaceAdmin
	case strings.Contains(route, "/rollups"):
		return SurfaceRollups
	default:
		return SurfaceOps
	}
}

func routeLabel(route string) string {
	if route == "" {
		return SurfaceUnmatched
	}
	return route
}
