// README: Recovery middleware; turns panics into 500s and logs them.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/logx"
)

func Recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("panic in handler",
					logx.String("path", c.Request.URL.Path),
					logx.String("panic", fmt.Sprint(p)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
			}
		}()
		c.Next()
	}
}
