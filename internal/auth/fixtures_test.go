package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "test-signing-secret-with-enough-bytes-0123456789"
	testIssuer   = "patient-records"
	testAudience = "patient-records-api"
	testPassword = "correct horse battery staple"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock   *fakeClock
	creds   *MemoryCredentialStore
	refresh *MemoryRefreshStore
	signer  *TokenSigner
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	signer, err := NewTokenSigner(SignerConfig{
		Secret:   testSecret,
		Issuer:   testIssuer,
		Audience: testAudience,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	creds := NewMemoryCredentialStore()
	refreshStore := NewMemoryRefreshStore()
	registry := NewRefreshTokenRegistry(refreshStore, 7*24*time.Hour, clock.Now)

	service := NewService(creds, signer, registry, Config{
		AccessTTL:        15 * time.Minute,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		Now:              clock.Now,
	})

	return &testEnv{
		clock:   clock,
		creds:   creds,
		refresh: refreshStore,
		signer:  signer,
		service: service,
	}
}

func (e *testEnv) seed(t *testing.T, id, email string, active bool, roles ...string) Credential {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	cred := Credential{
		ID:           id,
		Email:        email,
		PasswordHash: string(hash),
		Active:       active,
		Roles:        roles,
	}
	require.NoError(t, e.creds.Upsert(context.Background(), cred))

	return cred
}

func (e *testEnv) credential(t *testing.T, id string) Credential {
	t.Helper()

	cred, err := e.creds.GetByID(context.Background(), id)
	require.NoError(t, err)
	return cred
}
