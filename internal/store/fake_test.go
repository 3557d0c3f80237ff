package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

func TestFakeUpsertAssignsIDOnInsert(t *testing.T) {
	f := NewFake()
	c := credential.Credential{RefreshToken: "rt-1", Status: true}
	require.NoError(t, f.Upsert(context.Background(), &c))
	assert.NotZero(t, c.ID)
}

func TestFakeUpsertDedupsByRefreshToken(t *testing.T) {
	f := NewFake()
	a := credential.Credential{RefreshToken: "rt-1", Email: "a@x.com", Status: true}
	require.NoError(t, f.Upsert(context.Background(), &a))

	b := credential.Credential{RefreshToken: "rt-1", Email: "b@x.com", Status: true}
	require.NoError(t, f.Upsert(context.Background(), &b))

	assert.Equal(t, a.ID, b.ID)

	rows, err := f.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b@x.com", rows[0].Email)
}

func TestFakeUpdateStatus(t *testing.T) {
	f := NewFake()
	c := credential.Credential{RefreshToken: "rt-1", Status: true}
	require.NoError(t, f.Upsert(context.Background(), &c))

	require.NoError(t, f.UpdateStatus(context.Background(), c.ID, false))

	rows, err := f.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Status)
}

func TestFakeUpdateToken(t *testing.T) {
	f := NewFake()
	c := credential.Credential{RefreshToken: "rt-1", Status: true}
	require.NoError(t, f.Upsert(context.Background(), &c))

	newExpiry := time.Now().Add(time.Hour)
	require.NoError(t, f.UpdateToken(context.Background(), c.ID, "new-tok", newExpiry))

	rows, err := f.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new-tok", rows[0].AccessToken)
	assert.True(t, rows[0].Expiry.Equal(newExpiry))
}

func TestFakeUpdateOperationsOnUnknownIDAreNoop(t *testing.T) {
	f := NewFake()
	assert.NoError(t, f.UpdateStatus(context.Background(), 999, false))
	assert.NoError(t, f.UpdateToken(context.Background(), 999, "tok", time.Now()))
}
