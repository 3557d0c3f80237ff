package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
	"github.com/nexus-proxy/gemini-nexus/internal/dispatcher"
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
	response *upstream.Response
}

func (s *scriptedUpstream) PostCLI(ctx context.Context, accessToken string, stream bool, payload upstream.Payload) (*upstream.Response, error) {
	return s.response, nil
}

func newTestServer(t *testing.T, nexusKey string, up dispatcher.UpstreamPoster) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := store.NewFake()
	now := time.Now()
	cred := credential.Credential{
		ClientID: "c", ClientSecret: "s", ProjectID: "p1",
		RefreshToken: "rt-1", AccessToken: "tok", Expiry: now.Add(time.Hour), Status: true,
	}
	require.NoError(t, repo.Upsert(context.Background(), &cred))

	p := pool.New(repo, noopRefresher{}, pool.Options{Clock: func() time.Time { return now }})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	d := dispatcher.New(p, up)
	return NewEngine(&Server{Dispatcher: d, Pool: p, NexusKey: nexusKey})
}

func TestHealthzReportsCredentialCount(t *testing.T) {
	engine := newTestServer(t, "", &scriptedUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credentials":1`)
}

func TestGenerateContentRejectsMissingAuthorizationHeader(t *testing.T) {
	engine := newTestServer(t, "secret", &scriptedUpstream{})

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/generateContent", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateContentRejectsWrongBearerToken(t *testing.T) {
	engine := newTestServer(t, "secret", &scriptedUpstream{})

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/generateContent", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateContentAcceptsCorrectBearerToken(t *testing.T) {
	up := &scriptedUpstream{response: &upstream.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       []byte(`{"response":{"candidates":[]}}`),
	}}
	engine := newTestServer(t, "secret", up)

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/generateContent", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateContentTranslatesSuccessResponse(t *testing.T) {
	up := &scriptedUpstream{response: &upstream.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       []byte(`{"response":{"candidates":[{"index":0}]}}`),
	}}
	engine := newTestServer(t, "", up)

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/generateContent", strings.NewReader(`{"model":"gemini-2.5-pro"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"candidates":[{"index":0}]}`, rec.Body.String())
}

func TestStreamGenerateContentTranslatesThreeEventsInOrder(t *testing.T) {
	sseBody := "data: {\"response\":{\"v\":1}}\n\n" +
		"data: {\"notAResponse\":2}\n\n" +
		"data: {\"response\":{\"v\":3}}\n\n"
	up := &scriptedUpstream{response: &upstream.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Stream:     io.NopCloser(strings.NewReader(sseBody)),
	}}
	engine := newTestServer(t, "", up)

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/streamGenerateContent", strings.NewReader(`{"model":"gemini-2.5-pro"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	idxV1 := strings.Index(body, `data: {"v":1}`)
	idxV2 := strings.Index(body, `data: {"notAResponse":2}`)
	idxV3 := strings.Index(body, `data: {"v":3}`)
	require.True(t, idxV1 >= 0 && idxV2 > idxV1 && idxV3 > idxV2, "expected translate(V1), V2.trim(), translate(V3) in order, got: %s", body)
}

func TestRedactedForLogReplacesContentsField(t *testing.T) {
	body := []byte(`{"model":"gemini-2.5-pro","contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)
	redacted := redactedForLog(body)

	assert.Contains(t, string(redacted), `"contents":"[omitted]"`)
	assert.Contains(t, string(redacted), `"model":"gemini-2.5-pro"`)
}

func TestHealthzResponseCarriesRequestIDHeader(t *testing.T) {
	engine := newTestServer(t, "", &scriptedUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestGenerateContentNoAvailableCredentialReturns503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := store.NewFake()
	p := pool.New(repo, noopRefresher{}, pool.Options{})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	d := dispatcher.New(p, &scriptedUpstream{})
	engine := NewEngine(&Server{Dispatcher: d, Pool: p, NexusKey: ""})

	req := httptest.NewRequest(http.MethodPost, "/v1internal/aistudio/generateContent", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
