package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCredentialStore keeps credentials in process memory. It backs tests
// and the "memory" store driver used for local development.
type MemoryCredentialStore struct {
	mu      sync.Mutex
	byID    map[string]Credential
	byEmail map[string]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:    make(map[string]Credential),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryCredentialStore) GetByEmail(_ context.Context, email string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cloneCredential(s.byID[id]), nil
}

func (s *MemoryCredentialStore) GetByID(_ context.Context, userID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[userID]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cloneCredential(cred), nil
}

func (s *MemoryCredentialStore) RecordFailure(_ context.Context, userID string, now time.Time, policy LockoutPolicy) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[userID]
	if !ok {
		return Credential{}, false, ErrCredentialNotFound
	}
	if policy.Evaluate(cred, now).Locked {
		return cloneCredential(cred), false, nil
	}

	next := policy.RecordFailure(cred, now)
	next.Version++
	s.byID[userID] = next

	return cloneCredential(next), true, nil
}

func (s *MemoryCredentialStore) ResetLockout(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[userID]
	if !ok {
		return ErrCredentialNotFound
	}

	cred.FailedAttempts = 0
	cred.LockoutUntil = nil
	cred.Version++
	s.byID[userID] = cred

	return nil
}

func (s *MemoryCredentialStore) Upsert(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred.Email = NormalizeEmail(cred.Email)
	if ownerID, ok := s.byEmail[cred.Email]; ok && ownerID != cred.ID {
		return ErrEmailTaken
	}
	if existing, ok := s.byID[cred.ID]; ok {
		delete(s.byEmail, existing.Email)
		cred.Version = existing.Version + 1
	}

	s.byID[cred.ID] = cloneCredential(cred)
	s.byEmail[cred.Email] = cred.ID

	return nil
}

// MemoryRefreshStore serializes every operation behind one mutex, which gives
// Rotate the same test-and-set guarantee as a row lock.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]RefreshTokenRecord
	byHash  map[string]string
}

func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{
		records: make(map[string]RefreshTokenRecord),
		byHash:  make(map[string]string),
	}
}

func (s *MemoryRefreshStore) Insert(_ context.Context, record RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertLocked(record)
	return nil
}

func (s *MemoryRefreshStore) FindByHash(_ context.Context, tokenHash string) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	return s.records[id], nil
}

func (s *MemoryRefreshStore) Rotate(_ context.Context, oldHash, subject string, next RefreshTokenRecord, now time.Time) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[oldHash]
	if !ok {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	old := s.records[id]
	if subject != "" && old.UserID != subject {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}
	if old.Consumed() || old.Revoked() {
		s.revokeChainLocked(old.ChainID, now)
		return RefreshTokenRecord{}, ErrReplayDetected
	}
	if !now.Before(old.ExpiresAt) {
		return RefreshTokenRecord{}, ErrRefreshExpired
	}

	next.UserID = old.UserID
	next.ChainID = old.ChainID
	s.insertLocked(next)

	consumedAt := now.UTC()
	old.ConsumedAt = &consumedAt
	s.records[old.ID] = old

	return old, nil
}

func (s *MemoryRefreshStore) RevokeChain(_ context.Context, chainID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeChainLocked(chainID, now)
	return nil
}

func (s *MemoryRefreshStore) DeleteExpired(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]RefreshTokenRecord, 0)
	for _, record := range s.records {
		if record.ExpiresAt.Before(cutoff) || (record.RevokedAt != nil && record.RevokedAt.Before(cutoff)) {
			stale = append(stale, record)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].IssuedAt.Before(stale[j].IssuedAt) })
	if batchSize > 0 && len(stale) > batchSize {
		stale = stale[:batchSize]
	}

	for _, record := range stale {
		delete(s.records, record.ID)
		delete(s.byHash, record.TokenHash)
	}

	return int64(len(stale)), nil
}

// Chain returns every record of chainID ordered by issue time.
func (s *MemoryRefreshStore) Chain(chainID string) []RefreshTokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RefreshTokenRecord, 0)
	for _, record := range s.records {
		if record.ChainID == chainID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (s *MemoryRefreshStore) insertLocked(record RefreshTokenRecord) {
	s.records[record.ID] = record
	s.byHash[record.TokenHash] = record.ID
}

func (s *MemoryRefreshStore) revokeChainLocked(chainID string, now time.Time) {
	revokedAt := now.UTC()
	for id, record := range s.records {
		if record.ChainID != chainID || record.Revoked() {
			continue
		}
		record.RevokedAt = &revokedAt
		s.records[id] = record
	}
}

func cloneCredential(cred Credential) Credential {
	out := cred
	out.Roles = append([]string(nil), cred.Roles...)
	out.LockoutUntil = copyTime(cred.LockoutUntil)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}
