// README: Prometheus request metrics middleware.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace/internal/metrics"
)

func Metrics(m *metrics.Collectors) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
