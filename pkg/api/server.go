// Package api exposes the conversation engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scoopge/scoop/pkg/engine"
	"github.com/scoopge/scoop/pkg/inference"
)

// Server is the HTTP surface: chat, streaming chat, health and status.
type Server struct {
	engine    *engine.Engine
	inference *inference.Manager
	ping      func(ctx context.Context) error

	httpServer *http.Server
}

// NewServer wires the server. The ping func checks storage health and may
// be nil.
func NewServer(eng *engine.Engine, mgr *inference.Manager, ping func(ctx context.Context) error) *Server {
	return &Server{engine: eng, inference: mgr, ping: ping}
}

// Routes builds the gin engine with all routes registered.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/api/status", s.status)
	r.POST("/api/chat", s.chat)
	r.POST("/api/chat/stream", s.chatStream)
	return r
}

// Start begins serving on addr. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.ping != nil {
		if err := s.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.inference.Status())
}
