package web

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

const unmatchedRoute = "unmatched"

// AccessLog logs one line per request after the handler chain completes.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		logger.Info("http request",
			zap.String("code", "http.access"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.FullPath()),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}

// RequestMetrics counts requests and observes their latency by method, route template, and status.
// Unmatched paths share one route label so scanners cannot grow the series set.
func RequestMetrics(metrics authkit.MetricsRecorder) gin.HandlerFunc {
	if metrics == nil {
		metrics = authkit.NopMetrics{}
	}
	return func(contextGin *gin.Context) {
		started := time.Now()
		contextGin.Next()
		route := contextGin.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		labels := map[string]string{
			"method": contextGin.Request.Method,
			"route":  route,
			"status": strconv.Itoa(contextGin.Writer.Status()),
		}
		metrics.Record("http.requests", labels)
		metrics.Observe(authkit.HTTPRequestDurationMetric, time.Since(started).Seconds(), labels)
	}
}
