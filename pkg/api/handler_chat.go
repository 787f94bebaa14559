package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scoopge/scoop/pkg/engine"
)

// ChatRequest is the request body for both chat endpoints.
type ChatRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Message       string `json:"message" binding:"required"`
	SessionID     string `json:"session_id"`
	ForceFallback bool   `json:"force_fallback"`
}

func (r ChatRequest) toEngine() engine.Request {
	return engine.Request{
		UserID:        r.UserID,
		SessionID:     r.SessionID,
		Message:       r.Message,
		ForceFallback: r.ForceFallback,
	}
}

// chat handles POST /api/chat: one blocking turn.
func (s *Server) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.Process(c.Request.Context(), req.toEngine())
	if err != nil {
		// Only context cancellation reaches here; the client is gone.
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, result)
}

// chatStream handles POST /api/chat/stream: the turn as server-sent
// events. Each engine event becomes "event: <type>" with a JSON data line.
func (s *Server) chatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	events := s.engine.ProcessStream(c.Request.Context(), req.toEngine())
	for ev := range events {
		if !writeSSE(c, ev) {
			return
		}
	}
}

func writeSSE(c *gin.Context, ev engine.Event) bool {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return true
	}
	if _, err := c.Writer.WriteString("event: " + ev.Type + "\ndata: " + string(payload) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// requestLogger is a minimal structured access log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logRequest(c, time.Since(start))
	}
}
