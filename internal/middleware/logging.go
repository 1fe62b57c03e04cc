package middleware

import (
	"fmt"
	"time"

	"mqdash/internal/utils"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per completed request to the service log.
// Probe and websocket paths are skipped unless verbose logging is enabled,
// to keep the log readable under dashboard auto-refresh traffic.
func RequestLogger(logger *utils.Logger, verbose bool) gin.HandlerFunc {
	noisy := map[string]bool{
		"/healthz": true,
		"/ws":      true,
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if !verbose && noisy[c.Request.URL.Path] {
			return
		}
		msg := fmt.Sprintf("%s %s -> %d (%s) from %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Microsecond),
			c.ClientIP(),
		)
		if logger != nil {
			logger.Write(msg)
		}
	}
}
