// Package dispatcher implements the per-request orchestration spec.md §4.E
// names: acquire a credential, post upstream, interpret the status code as
// pool health feedback, retry on a different credential when the failure is
// recoverable, and translate the response on success.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nexus-proxy/gemini-nexus/internal/pool"
	"github.com/nexus-proxy/gemini-nexus/internal/translate"
	"github.com/nexus-proxy/gemini-nexus/internal/upstream"
)

// MaxCredentials bounds the outer retry loop (spec.md §4.E step 2, and the
// explicit decision for open question (b) in spec.md §9).
const MaxCredentials = 3

// DefaultRateLimitCooldown is applied when a 429 body carries no usable
// quotaResetTimeStamp.
const DefaultRateLimitCooldown = 90 * time.Second

// Sentinel errors surfaced by Dispatch, mapped to client-visible statuses by
// the HTTP layer per spec.md §7.
var (
	ErrNoAvailableCredential = errors.New("dispatcher: no available credential")
	ErrUpstreamNetwork       = errors.New("dispatcher: upstream network error")
	ErrCredentialServiceDown = errors.New("dispatcher: credential service unavailable")
)

// Request is the minimal information the dispatcher needs from a validated
// client envelope; the body's full AiStudio shape is opaque to the core.
type Request struct {
	Model   string
	Stream  bool
	Payload any // becomes payload.request in the upstream envelope
}

// UnaryOutcome is returned for a successful non-streaming exchange, with the
// response already translated back to the AiStudio shape.
type UnaryOutcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StreamOutcome hands the caller the upstream status/header prelude plus the
// raw upstream byte stream; the caller (internal/httpapi) owns pumping SSE
// events through translate.EventReader/WriteEvent while this stream is open.
type StreamOutcome struct {
	StatusCode int
	Header     http.Header
	Upstream   io.ReadCloser
}

// UpstreamHTTPError is a non-2xx upstream response forwarded verbatim,
// either because it is non-retriable (anything other than 401/403/429) or
// because the outer retry loop was exhausted (spec.md §4.E step 4/i).
type UpstreamHTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamHTTPError) Error() string {
	return "dispatcher: upstream responded with non-retriable status"
}

// UpstreamPoster is the subset of *upstream.Client the dispatcher depends on.
type UpstreamPoster interface {
	PostCLI(ctx context.Context, accessToken string, stream bool, payload upstream.Payload) (*upstream.Response, error)
}

// Dispatcher wires the pool and upstream client together per request.
type Dispatcher struct {
	Pool     *pool.Pool
	Upstream UpstreamPoster
	Clock    func() time.Time

	MaxCredentials  int
	DefaultCooldown time.Duration
}

// New builds a Dispatcher with spec.md's default constants.
func New(p *pool.Pool, up UpstreamPoster) *Dispatcher {
	return &Dispatcher{
		Pool:            p,
		Upstream:        up,
		Clock:           time.Now,
		MaxCredentials:  MaxCredentials,
		DefaultCooldown: DefaultRateLimitCooldown,
	}
}

// DispatchUnary runs the full acquire/post/interpret/retry/translate cycle
// for a non-streaming request.
func (d *Dispatcher) DispatchUnary(ctx context.Context, req Request) (*UnaryOutcome, error) {
	resp, err := d.run(ctx, req)
	if err != nil {
		return nil, err
	}

	translated, terr := translate.Unary(resp.Body)
	if terr != nil {
		log.WithError(terr).Warn("dispatcher: unary translation failed, passing through upstream body")
		translated = resp.Body
	}

	header := cloneHeader(resp.Header)
	header.Set("Content-Type", "application/json")
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(translated)))

	return &UnaryOutcome{StatusCode: resp.StatusCode, Header: header, Body: translated}, nil
}

// DispatchStream runs the acquire/post/interpret/retry cycle for a streaming
// request and returns the upstream prelude for the caller to pump as SSE.
func (d *Dispatcher) DispatchStream(ctx context.Context, req Request) (*StreamOutcome, error) {
	resp, err := d.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return &StreamOutcome{StatusCode: resp.StatusCode, Header: cloneHeader(resp.Header), Upstream: resp.Stream}, nil
}

// run performs the outer retry loop shared by both unary and streaming
// dispatch; on success it returns the raw, untranslated upstream response.
func (d *Dispatcher) run(ctx context.Context, req Request) (*upstream.Response, error) {
	maxCredentials := d.MaxCredentials
	if maxCredentials <= 0 {
		maxCredentials = MaxCredentials
	}

	var lastHTTPErr *UpstreamHTTPError

	for attempt := 0; attempt < maxCredentials; attempt++ {
		assigned, err := d.Pool.GetCredential(ctx, req.Model)
		if err != nil {
			if errors.Is(err, pool.ErrClosed) {
				return nil, ErrCredentialServiceDown
			}
			return nil, ErrNoAvailableCredential
		}

		payload := upstream.Payload{Model: req.Model, Project: assigned.ProjectID, Request: req.Payload}
		resp, err := d.Upstream.PostCLI(ctx, assigned.AccessToken, req.Stream, payload)
		if err != nil {
			return nil, ErrUpstreamNetwork
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := d.parseRateLimitDelay(resp.Body)
			if rerr := d.Pool.ReportRateLimit(ctx, assigned.ID, req.Model, delay); rerr != nil {
				log.WithError(rerr).WithField("credential_id", assigned.ID).Warn("dispatcher: failed to report rate limit")
			}
			lastHTTPErr = &UpstreamHTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			if rerr := d.Pool.ReportInvalid(ctx, assigned.ID); rerr != nil {
				log.WithError(rerr).WithField("credential_id", assigned.ID).Warn("dispatcher: failed to report invalid")
			}
			lastHTTPErr = &UpstreamHTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
			continue

		case resp.StatusCode == http.StatusForbidden:
			if rerr := d.Pool.ReportBanned(ctx, assigned.ID); rerr != nil {
				log.WithError(rerr).WithField("credential_id", assigned.ID).Warn("dispatcher: failed to report banned")
			}
			lastHTTPErr = &UpstreamHTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
			continue

		default:
			// Any other status is forwarded immediately, no retry.
			return nil, &UpstreamHTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
		}
	}

	// Outer loop exhausted: surface the last 4xx verbatim.
	return nil, lastHTTPErr
}

// parseRateLimitDelay extracts error.details[*].metadata.quotaResetTimeStamp
// from a 429 body, per spec.md §6. The first detail carrying a parseable
// RFC3339 timestamp decides: the delay is the time left until it, or zero if
// it is already past. Absence, a non-string value, or an unparseable
// timestamp falls back to DefaultCooldown.
func (d *Dispatcher) parseRateLimitDelay(body []byte) time.Duration {
	now := d.clockNow()
	details := gjson.GetBytes(body, "error.details")
	if details.IsArray() {
		for _, detail := range details.Array() {
			ts := detail.Get("metadata.quotaResetTimeStamp")
			if !ts.Exists() || ts.Type != gjson.String {
				continue
			}
			parsed, err := time.Parse(time.RFC3339, ts.String())
			if err != nil {
				continue
			}
			if delay := parsed.Sub(now); delay > 0 {
				return delay
			}
			return 0
		}
	}
	return d.defaultCooldown()
}

func (d *Dispatcher) clockNow() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Dispatcher) defaultCooldown() time.Duration {
	if d.DefaultCooldown > 0 {
		return d.DefaultCooldown
	}
	return DefaultRateLimitCooldown
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

