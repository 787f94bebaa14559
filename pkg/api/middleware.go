package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

func logRequest(c *gin.Context, elapsed time.Duration) {
	status := c.Writer.Status()
	attrs := []any{
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if status >= 500 {
		slog.Error("HTTP request", attrs...)
		return
	}
	slog.Info("HTTP request", attrs...)
}
