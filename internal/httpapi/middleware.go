package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// requestIDHeader carries a per-request correlation id, generated the way
// the teacher generates session/response ids (uuid.New().String()) rather
// than trusting a client-supplied value.
const requestIDHeader = "X-Request-Id"

// requestID stamps every request with a fresh UUID, surfaced both on the
// response and in the structured log line so a single exchange can be
// traced across dispatcher retries.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// sharedSecretAuth rejects requests that do not carry the configured NEXUS_KEY
// as a bearer token in the Authorization header, using a constant-time
// comparison so response timing cannot leak the secret (spec.md §1 names
// this the router's sole client-auth responsibility; the core itself has no
// auth concept).
func sharedSecretAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		supplied, isBearer := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !isBearer || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing Authorization bearer token"})
			return
		}
		c.Next()
	}
}

// requestLogger mirrors the teacher's structured request logging, swapped
// from its logger onto logrus fields per SPEC_FULL.md's ambient stack.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
		}).Info("request handled")
	}
}
