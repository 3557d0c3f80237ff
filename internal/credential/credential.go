// Package credential defines the pool's value types: the persisted credential
// row and the minimal view handed out to dispatchers.
package credential

import "time"

// Credential is a stable row identifying one Google OAuth refresh token tied
// to a Cloud project. It is value-semantic: the pool holds the single
// authoritative copy and callers only ever see clones or derived views.
type Credential struct {
	ID           int64
	Email        string // optional
	ClientID     string
	ClientSecret string
	ProjectID    string
	Scopes       []string // optional, ordered
	RefreshToken string
	AccessToken  string // optional
	Expiry       time.Time
	Status       bool // persisted active flag
}

// Clone returns a deep copy so the pool can hand out a credential without the
// caller aliasing pool-owned slices.
func (c Credential) Clone() Credential {
	clone := c
	if c.Scopes != nil {
		clone.Scopes = append([]string(nil), c.Scopes...)
	}
	return clone
}

// Assigned is the minimal, immutable view handed to a dispatcher. It never
// changes after being returned, even if the underlying record in the pool is
// later refreshed or disabled.
type Assigned struct {
	ID          int64
	ProjectID   string
	AccessToken string
}
