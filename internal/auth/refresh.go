package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	refreshTokenBytes = 48
)

// RefreshStore persists refresh token records. Rotate must run lookup, checks
// and the consume+insert as one atomic step.
type RefreshStore interface {
	Insert(ctx context.Context, record RefreshTokenRecord) error
	FindByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error)
	// Rotate marks the record matching oldHash consumed and inserts next in the
	// same chain, copying owner and chain id from the consumed record onto next.
	// A consumed or revoked match revokes its whole chain and returns
	// ErrReplayDetected; the revocation is kept even though an error is returned.
	Rotate(ctx context.Context, oldHash, subject string, next RefreshTokenRecord, now time.Time) (RefreshTokenRecord, error)
	RevokeChain(ctx context.Context, chainID string, now time.Time) error
	DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type Rotation struct {
	Previous RefreshTokenRecord
	Next     RefreshTokenRecord
	RawNext  string
}

type RefreshTokenRegistry struct {
	store RefreshStore
	ttl   time.Duration
	now   func() time.Time
}

func NewRefreshTokenRegistry(store RefreshStore, ttl time.Duration, now func() time.Time) *RefreshTokenRegistry {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RefreshTokenRegistry{store: store, ttl: ttl, now: now}
}

// Issue returns the raw token exactly once; only its hash is stored.
// An empty chainID starts a new chain.
func (r *RefreshTokenRegistry) Issue(ctx context.Context, userID, chainID string) (string, RefreshTokenRecord, error) {
	if userID == "" {
		return "", RefreshTokenRecord{}, errors.New("refresh token owner is required")
	}

	raw, record, err := r.newRecord(userID)
	if err != nil {
		return "", RefreshTokenRecord{}, err
	}
	if chainID == "" {
		chain, err := uuid.NewV7()
		if err != nil {
			return "", RefreshTokenRecord{}, fmt.Errorf("generate refresh chain id: %w", err)
		}
		chainID = chain.String()
	}
	record.ChainID = chainID

	if err := r.store.Insert(ctx, record); err != nil {
		return "", RefreshTokenRecord{}, err
	}

	return raw, record, nil
}

// Redeem consumes raw and rotates it. subject, when set, must own the token.
func (r *RefreshTokenRegistry) Redeem(ctx context.Context, raw, subject string) (Rotation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rotation{}, ErrRefreshNotFound
	}

	rawNext, next, err := r.newRecord(subject)
	if err != nil {
		return Rotation{}, err
	}

	previous, err := r.store.Rotate(ctx, HashToken(raw), subject, next, r.now())
	if err != nil {
		return Rotation{}, err
	}
	next.UserID = previous.UserID
	next.ChainID = previous.ChainID

	return Rotation{Previous: previous, Next: next, RawNext: rawNext}, nil
}

func (r *RefreshTokenRegistry) RevokeChain(ctx context.Context, chainID string) error {
	if chainID == "" {
		return nil
	}
	return r.store.RevokeChain(ctx, chainID, r.now())
}

// ChainOf looks up the record behind raw without consuming it.
func (r *RefreshTokenRegistry) ChainOf(ctx context.Context, raw string) (RefreshTokenRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	return r.store.FindByHash(ctx, HashToken(raw))
}

func (r *RefreshTokenRegistry) newRecord(userID string) (string, RefreshTokenRecord, error) {
	raw, err := randomToken(refreshTokenBytes)
	if err != nil {
		return "", RefreshTokenRecord{}, fmt.Errorf("generate refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", RefreshTokenRecord{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	now := r.now().UTC()
	return raw, RefreshTokenRecord{
		ID:        id.String(),
		UserID:    userID,
		TokenHash: HashToken(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	}, nil
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isRefreshRejection(err error) bool {
	return errors.Is(err, ErrRefreshNotFound) ||
		errors.Is(err, ErrRefreshExpired) ||
		errors.Is(err, ErrReplayDetected)
}
