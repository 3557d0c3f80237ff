// Package httpapi is the ambient HTTP surface around the dispatcher: route
// registration, shared-secret auth, and request/response plumbing between
// gin and the core's opaque AiStudio envelope. None of the logic here is
// part of the core per spec.md §1 — it exists only to expose it.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-proxy/gemini-nexus/internal/dispatcher"
	"github.com/nexus-proxy/gemini-nexus/internal/pool"
)

// Server bundles the dependencies the router needs to build handlers.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Pool       *pool.Pool
	NexusKey   string
}

// NewEngine builds the gin.Engine serving the AiStudio surface. gin.Default's
// built-in logger is replaced by a structured logrus middleware, matching the
// rest of the ambient stack; gin's recovery middleware is kept.
func NewEngine(s *Server) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger())

	engine.GET("/healthz", s.handleHealthz)

	authorized := engine.Group("/v1internal/aistudio")
	authorized.Use(sharedSecretAuth(s.NexusKey))
	authorized.POST("/generateContent", s.handleGenerateContent)
	authorized.POST("/streamGenerateContent", s.handleStreamGenerateContent)

	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"credentials": s.Pool.Size(c.Request.Context()),
	})
}
