// Package refresh exchanges a credential's refresh token for a fresh access
// token. It is a pure black-box collaborator: it never mutates the
// credential it is given, leaving write-back to the pool's own lock
// discipline, per spec.md §4.B.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

// Kind enumerates the three failure modes spec.md §4.B names.
type Kind int

const (
	// TokenRequestFailed means the transport call to the OAuth2 token
	// endpoint itself failed (connect/read/TLS error).
	TokenRequestFailed Kind = iota
	// ProviderRejected means the OAuth2 server answered with an error
	// response (invalid_grant, etc).
	ProviderRejected
	// MalformedResponse means the OAuth2 server's response could not be
	// decoded into a token.
	MalformedResponse
)

// Error wraps a refresh failure with its Kind and, for ProviderRejected, the
// provider's error code.
type Error struct {
	Kind      Kind
	ErrorCode string
	Err       error
}

func (e *Error) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("refresh: %s (%s): %v", kindString(e.Kind), e.ErrorCode, e.Err)
	}
	return fmt.Sprintf("refresh: %s: %v", kindString(e.Kind), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindString(k Kind) string {
	switch k {
	case TokenRequestFailed:
		return "token request failed"
	case ProviderRejected:
		return "provider rejected"
	case MalformedResponse:
		return "malformed response"
	default:
		return "unknown"
	}
}

// Result is the new access token/expiry pair on success.
type Result struct {
	AccessToken string
	Expiry      time.Time
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, cred credential.Credential) (Result, error)
}

// OAuth2Refresher talks to Google's OAuth2 token endpoint via
// golang.org/x/oauth2, mirroring the teacher's TokenRefreshManager but
// without any credential mutation or file-locking side effects — those
// belong to the pool actor now.
type OAuth2Refresher struct {
	Endpoint oauth2.Endpoint
}

// NewOAuth2Refresher builds a refresher against Google's standard OAuth2
// endpoint.
func NewOAuth2Refresher() *OAuth2Refresher {
	return &OAuth2Refresher{Endpoint: google.Endpoint}
}

// Refresh exchanges cred.RefreshToken under cred.ClientID/ClientSecret.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred credential.Credential) (Result, error) {
	if cred.RefreshToken == "" {
		return Result{}, &Error{Kind: MalformedResponse, Err: errors.New("missing refresh token")}
	}

	cfg := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     r.Endpoint,
	}

	seed := &oauth2.Token{RefreshToken: cred.RefreshToken}
	tokenSource := cfg.TokenSource(ctx, seed)

	newToken, err := tokenSource.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return Result{}, &Error{Kind: ProviderRejected, ErrorCode: extractErrorCode(retrieveErr), Err: err}
		}
		return Result{}, &Error{Kind: TokenRequestFailed, Err: err}
	}

	if newToken.AccessToken == "" || newToken.Expiry.IsZero() {
		return Result{}, &Error{Kind: MalformedResponse, Err: errors.New("token response missing access_token or expiry")}
	}

	return Result{AccessToken: newToken.AccessToken, Expiry: newToken.Expiry}, nil
}

func extractErrorCode(e *oauth2.RetrieveError) string {
	if e == nil || len(e.Body) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	return body.Error
}
