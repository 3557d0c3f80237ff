package dispatcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
	"github.com/nexus-proxy/gemini-nexus/internal/pool"
	"github.com/nexus-proxy/gemini-nexus/internal/refresh"
	"github.com/nexus-proxy/gemini-nexus/internal/store"
	"github.com/nexus-proxy/gemini-nexus/internal/upstream"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, c credential.Credential) (refresh.Result, error) {
	return refresh.Result{AccessToken: c.AccessToken, Expiry: c.Expiry}, nil
}

type scriptedUpstream struct {
	responses []*upstream.Response
	errs      []error
	calls     []upstream.Payload
}

func (s *scriptedUpstream) PostCLI(ctx context.Context, accessToken string, stream bool, payload upstream.Payload) (*upstream.Response, error) {
	i := len(s.calls)
	s.calls = append(s.calls, payload)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	return s.responses[i], nil
}

func newTestDispatcher(t *testing.T, now time.Time, up UpstreamPoster, creds ...credential.Credential) (*Dispatcher, *store.Fake) {
	t.Helper()
	repo := store.NewFake()
	for i := range creds {
		c := creds[i]
		require.NoError(t, repo.Upsert(context.Background(), &c))
	}
	p := pool.New(repo, noopRefresher{}, pool.Options{Clock: func() time.Time { return now }})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	d := New(p, up)
	d.Clock = func() time.Time { return now }
	return d, repo
}

func freshCred(refreshToken, project string, expiry time.Time) credential.Credential {
	return credential.Credential{
		ClientID: "c", ClientSecret: "s", ProjectID: project,
		RefreshToken: refreshToken, AccessToken: "tok-" + refreshToken,
		Expiry: expiry, Status: true,
	}
}

func TestHappyUnaryTranslatesAndSetsHeaders(t *testing.T) {
	now := time.Now()
	c := freshCred("rt-1", "p1", now.Add(time.Hour))
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 200, Header: http.Header{"X-Upstream": {"yes"}}, Body: []byte(`{"response":{"candidates":[{"index":0}]}}`)},
	}}
	d, _ := newTestDispatcher(t, now, up, c)

	out, err := d.DispatchUnary(context.Background(), Request{Model: "gemini-2.5-pro", Payload: map[string]any{"q": 1}})
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "application/json", out.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"candidates":[{"index":0}]}`, string(out.Body))
	assert.Equal(t, "yes", out.Header.Get("X-Upstream"))
}

func TestRateLimitRetriesOnNextCredential(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	b := freshCred("rt-b", "p2", now.Add(time.Hour))
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 429, Body: []byte(`{"error":{"details":[{"metadata":{"quotaResetTimeStamp":"2099-01-01T00:00:00Z"}}]}}`)},
		{StatusCode: 200, Body: []byte(`{"response":{"ok":true}}`)},
	}}
	d, _ := newTestDispatcher(t, now, up, a, b)

	out, err := d.DispatchUnary(context.Background(), Request{Model: "m", Payload: nil})
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "p2", up.calls[1].Project)
}

func TestStreamingRateLimitRetriesOnNextCredential(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	b := freshCred("rt-b", "p2", now.Add(time.Hour))
	sseBody := "data: {\"response\":{\"ok\":true}}\n\n"
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 429, Body: []byte(`{"error":{"details":[{"metadata":{"quotaResetTimeStamp":"2099-01-01T00:00:00Z"}}]}}`)},
		{StatusCode: 200, Header: http.Header{"Content-Type": {"text/event-stream"}}, Stream: io.NopCloser(strings.NewReader(sseBody))},
	}}
	d, repo := newTestDispatcher(t, now, up, a, b)

	out, err := d.DispatchStream(context.Background(), Request{Model: "m", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, "p2", up.calls[1].Project)

	raw, rerr := io.ReadAll(out.Upstream)
	require.NoError(t, rerr)
	assert.Equal(t, sseBody, string(raw))

	rows, err := repo.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestUnauthorizedCascadeExhaustsAndReturns503Signal(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	b := freshCred("rt-b", "p2", now.Add(time.Hour))
	c := freshCred("rt-c", "p3", now.Add(time.Hour))
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 401, Body: []byte(`{"error":"unauthorized"}`)},
		{StatusCode: 401, Body: []byte(`{"error":"unauthorized"}`)},
		{StatusCode: 401, Body: []byte(`{"error":"unauthorized"}`)},
	}}
	d, repo := newTestDispatcher(t, now, up, a, b, c)

	_, err := d.DispatchUnary(context.Background(), Request{Model: "m"})
	var httpErr *UpstreamHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 401, httpErr.StatusCode)

	_, err = d.DispatchUnary(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrNoAvailableCredential)

	rows, err := repo.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.False(t, row.Status)
	}
}

func TestOtherStatusForwardsImmediatelyWithoutRetry(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 500, Body: []byte(`{"error":"boom"}`)},
	}}
	d, _ := newTestDispatcher(t, now, up, a)

	_, err := d.DispatchUnary(context.Background(), Request{Model: "m"})
	var httpErr *UpstreamHTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
	assert.Len(t, up.calls, 1, "non-retriable status must not trigger an outer retry")
}

func TestRateLimitMissingTimestampUsesDefaultCooldown(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	up := &scriptedUpstream{responses: []*upstream.Response{
		{StatusCode: 429, Body: []byte(`{"error":{}}`)},
	}}
	d, _ := newTestDispatcher(t, now, up, a)

	// The only credential is now cooling down, so the retry finds none.
	_, err := d.DispatchUnary(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrNoAvailableCredential)

	delay := d.parseRateLimitDelay([]byte(`{"error":{}}`))
	assert.Equal(t, DefaultRateLimitCooldown, delay)
}

func TestRateLimitPastTimestampYieldsZeroCooldown(t *testing.T) {
	now := time.Now()
	a := freshCred("rt-a", "p1", now.Add(time.Hour))
	d, _ := newTestDispatcher(t, now, &scriptedUpstream{}, a)

	body := []byte(`{"error":{"details":[{"metadata":{"quotaResetTimeStamp":"2000-01-01T00:00:00Z"}}]}}`)
	delay := d.parseRateLimitDelay(body)
	assert.Equal(t, time.Duration(0), delay)
}

func TestNoAvailableCredentialShortCircuitsOuterRetry(t *testing.T) {
	now := time.Now()
	d, _ := newTestDispatcher(t, now, &scriptedUpstream{})

	_, err := d.DispatchUnary(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrNoAvailableCredential)
}
