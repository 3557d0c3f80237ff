package store

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

// Fake is an in-memory Repository used by pool tests so the credential
// state machine can be exercised without a live Postgres instance.
type Fake struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]credential.Credential
	byToken map[string]int64
}

// NewFake returns an empty in-memory repository.
func NewFake() *Fake {
	return &Fake{
		rows:    make(map[int64]credential.Credential),
		byToken: make(map[string]int64),
	}
}

func (f *Fake) LoadActive(ctx context.Context) ([]credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]credential.Credential, 0, len(f.rows))
	for _, c := range f.rows {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (f *Fake) Upsert(ctx context.Context, cred *credential.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.byToken[cred.RefreshToken]; ok {
		cred.ID = id
		f.rows[id] = cred.Clone()
		return nil
	}

	f.nextID++
	cred.ID = f.nextID
	f.rows[cred.ID] = cred.Clone()
	f.byToken[cred.RefreshToken] = cred.ID
	return nil
}

func (f *Fake) UpdateStatus(ctx context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil
	}
	row.Status = active
	f.rows[id] = row
	return nil
}

func (f *Fake) UpdateToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil
	}
	row.AccessToken = accessToken
	row.Expiry = expiry
	f.rows[id] = row
	return nil
}

func (f *Fake) Close() error { return nil }

var _ Repository = (*Fake)(nil)
