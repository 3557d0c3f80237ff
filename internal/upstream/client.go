// Package upstream implements the one-shot POST to Google's Gemini CLI
// ("CloudCode") endpoint, with transport-level retry only. HTTP status codes
// are never retried here — that is the dispatcher's job (spec.md §4.D, §9).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Gemini CLI endpoint the teacher targets.
const DefaultBaseURL = "https://cloudcode-pa.googleapis.com"

// Payload is the envelope posted upstream: { model, project, request }.
type Payload struct {
	Model   string `json:"model"`
	Project string `json:"project"`
	Request any    `json:"request"`
}

// Response is what PostCLI returns on a completed HTTP round trip (any
// status code) — the dispatcher interprets StatusCode itself.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte        // populated for unary responses and non-2xx streaming responses
	Stream     io.ReadCloser // populated for 2xx streaming responses; caller must Close it
}

// Client posts requests to the CLI endpoint with a shared, HTTP/2-tuned
// transport, the same tuning the teacher's httputil.SharedHTTPClient applies.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	UserAgent  string

	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// New builds a Client with the retry envelope spec.md §4.D names: 200ms-1s
// backoff, 2 retries, transport errors only.
func New(httpClient *http.Client, userAgent string) *Client {
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    DefaultBaseURL,
		UserAgent:  userAgent,
		MinDelay:   200 * time.Millisecond,
		MaxDelay:   1000 * time.Millisecond,
		MaxRetries: 2,
	}
}

// PostCLI sends payload to the streaming or unary CLI endpoint. Only pure
// transport errors (connect/read/TLS) are retried, up to MaxRetries times,
// with exponential backoff bounded by [MinDelay, MaxDelay]. A non-2xx HTTP
// response is not an error from this layer's point of view — it is returned
// as a Response for the dispatcher to interpret.
func (c *Client) PostCLI(ctx context.Context, accessToken string, stream bool, payload Payload) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal payload: %w", err)
	}

	url := c.BaseURL + "/v1internal:generateContent"
	if stream {
		url = c.BaseURL + "/v1internal:streamGenerateContent?alt=sse"
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			// http.Client.Do only ever fails on transport errors (connect,
			// TLS, timeout, context) — never on a non-2xx status.
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Warn("upstream: transport error, retrying")
			continue
		}

		if stream && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp.Body}, nil
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			log.WithError(readErr).WithField("attempt", attempt).Warn("upstream: body read error, retrying")
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	return nil, fmt.Errorf("upstream: transport error after %d retries: %w", c.MaxRetries, lastErr)
}

// backoff returns an exponentially increasing delay bounded by
// [MinDelay, MaxDelay], with up to half a MinDelay of jitter to avoid
// synchronized retries across concurrent dispatchers.
func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.MinDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := time.Duration(rand.Int63n(int64(c.MinDelay) + 1))
	return time.Duration(base) + jitter/2
}
