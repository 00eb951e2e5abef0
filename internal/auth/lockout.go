package auth

import "time"

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

type LockoutDecision struct {
	Locked bool
	Until  time.Time
}

// LockoutPolicy holds the threshold K and duration D. All methods are pure:
// they return updated copies and never touch storage.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func NewLockoutPolicy(threshold int, duration time.Duration) LockoutPolicy {
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}
	if duration <= 0 {
		duration = defaultLockoutDuration
	}
	return LockoutPolicy{Threshold: threshold, Duration: duration}
}

func (p LockoutPolicy) Evaluate(cred Credential, now time.Time) LockoutDecision {
	if cred.LockoutUntil != nil && now.Before(*cred.LockoutUntil) {
		return LockoutDecision{Locked: true, Until: *cred.LockoutUntil}
	}
	return LockoutDecision{}
}

func (p LockoutPolicy) RecordFailure(cred Credential, now time.Time) Credential {
	next := cred
	if next.LockoutUntil != nil && !now.Before(*next.LockoutUntil) {
		// a served lockout starts a fresh window
		next.FailedAttempts = 0
		next.LockoutUntil = nil
	}

	next.FailedAttempts++
	if next.FailedAttempts >= p.Threshold {
		until := now.UTC().Add(p.Duration)
		next.LockoutUntil = &until
	}

	return next
}

func (p LockoutPolicy) RecordSuccess(cred Credential) Credential {
	next := cred
	next.FailedAttempts = 0
	next.LockoutUntil = nil
	return next
}

func lockoutChanged(before, after Credential) bool {
	if before.FailedAttempts != after.FailedAttempts {
		return true
	}
	if (before.LockoutUntil == nil) != (after.LockoutUntil == nil) {
		return true
	}
	return before.LockoutUntil != nil && !before.LockoutUntil.Equal(*after.LockoutUntil)
}
