// README: Access log middleware.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"marketplace/internal/logx"
)

func Logging(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.Event("http_request"),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
		}
		if uid := CallerUID(c); uid != "" {
			fields = append(fields, logx.String("caller", uid))
		}
		if c.Writer.Status() >= 500 {
			log.Error("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
