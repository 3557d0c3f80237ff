package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nexus-proxy/gemini-nexus/internal/dispatcher"
	"github.com/nexus-proxy/gemini-nexus/internal/translate"
)

// extractModel peels just the "model" field out of the opaque AiStudio
// envelope; the rest of the body is forwarded untouched as payload.request
// per spec.md §6.
func extractModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// redactedForLog replaces the bulky "contents" field (prompt/conversation
// history) with a placeholder before a body is included in a debug log
// line, so request logging doesn't balloon to the size of the prompt
// itself. Falls back to the original body if the rewrite fails.
func redactedForLog(body []byte) []byte {
	out, err := sjson.SetBytes(body, "contents", "[omitted]")
	if err != nil {
		return body
	}
	return out
}

func (s *Server) handleGenerateContent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var opaque any
	if err := json.Unmarshal(body, &opaque); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	model := extractModel(body)
	log.WithFields(log.Fields{"request_id": c.GetString("request_id"), "model": model, "body": string(redactedForLog(body))}).Debug("httpapi: dispatching unary request")

	req := dispatcher.Request{Model: model, Stream: false, Payload: opaque}
	out, err := s.Dispatcher.DispatchUnary(c.Request.Context(), req)
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	for k, v := range out.Header {
		for _, vv := range v {
			c.Writer.Header().Add(k, vv)
		}
	}
	c.Data(out.StatusCode, out.Header.Get("Content-Type"), out.Body)
}

func (s *Server) handleStreamGenerateContent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var opaque any
	if err := json.Unmarshal(body, &opaque); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	model := extractModel(body)
	log.WithFields(log.Fields{"request_id": c.GetString("request_id"), "model": model, "body": string(redactedForLog(body))}).Debug("httpapi: dispatching streaming request")

	req := dispatcher.Request{Model: model, Stream: true, Payload: opaque}
	out, err := s.Dispatcher.DispatchStream(c.Request.Context(), req)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	defer out.Upstream.Close()

	for k, v := range out.Header {
		for _, vv := range v {
			c.Writer.Header().Add(k, vv)
		}
	}
	c.Writer.WriteHeader(out.StatusCode)

	flusher, canFlush := c.Writer.(http.Flusher)

	reader := translate.NewEventReader(out.Upstream)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.WithError(err).Warn("httpapi: error reading upstream SSE stream")
			return
		}

		translated, terr := translate.SSEData(ev.Data)
		if terr != nil {
			log.WithError(terr).Debug("httpapi: sse event translation failed, passing through")
			ev.Data = strings.TrimSpace(ev.Data)
		} else {
			ev.Data = translated
		}

		wrote, werr := translate.WriteEvent(c.Writer, ev)
		if werr != nil {
			log.WithError(werr).Warn("httpapi: failed to write SSE event to client")
			return
		}
		if wrote && canFlush {
			flusher.Flush()
		}
	}
}

// writeDispatchError maps the dispatcher's sentinel errors to the client
// statuses spec.md §7 names; an *dispatcher.UpstreamHTTPError is forwarded
// verbatim.
func writeDispatchError(c *gin.Context, err error) {
	var httpErr *dispatcher.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		for k, v := range httpErr.Header {
			for _, vv := range v {
				c.Writer.Header().Add(k, vv)
			}
		}
		c.Data(httpErr.StatusCode, httpErr.Header.Get("Content-Type"), httpErr.Body)
		return
	}

	switch {
	case errors.Is(err, dispatcher.ErrNoAvailableCredential):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no available credential"})
	case errors.Is(err, dispatcher.ErrUpstreamNetwork):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream network error"})
	case errors.Is(err, dispatcher.ErrCredentialServiceDown):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential service unavailable"})
	default:
		log.WithError(err).Error("httpapi: unexpected dispatcher error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
