package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/CanopyHQ/xylem/internal/apperror"
)

// observe logs each request and records it in the metrics registry.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.deps.Metrics.ObserveHTTP(route, c.Request.Method, strconv.Itoa(status), elapsed)
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		s.log.Debug("request", attrs...)
	}
}

// deadline bounds the work done for one request.
func deadline(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type limiter struct {
	lim *rate.Limiter
}

// newLimiter returns a shared token bucket. A non-positive rps disables it.
func newLimiter(rps float64, burst int) *limiter {
	if rps <= 0 {
		return &limiter{}
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &limiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.lim != nil && !l.lim.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"code":     "RateLimited",
				"message":  "too many requests",
				"recovery": "Retry after a short pause",
			}})
			return
		}
		c.Next()
	}
}

// bodyLimit caps request bodies at max bytes.
func bodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}

// fail renders err as the error envelope. Causes of internal failures are
// logged, never returned.
func (s *Server) fail(c *gin.Context, err error) {
	ae := apperror.From(err)
	if ae.Code == apperror.Internal || ae.Code == apperror.EmbeddingFailed {
		s.log.Error("request failed",
			"route", c.FullPath(),
			"code", ae.Code,
			"message", ae.Message,
			"error", ae.Cause,
		)
	}
	c.AbortWithStatusJSON(ae.Status(), gin.H{"error": ae})
}
