package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrAccountLocked     = errors.New("account locked")
	ErrAccountInactive   = errors.New("account inactive")
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
	ErrInvalidRefresh    = errors.New("invalid refresh token")
	ErrReplayDetected    = errors.New("refresh token reuse detected")
)

// Store-level outcomes. They never cross the HTTP boundary as-is.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrRefreshNotFound    = errors.New("refresh token not found")
	ErrRefreshExpired     = errors.New("refresh token expired")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

func (e ErrLoginLocked) Is(target error) bool {
	return target == ErrAccountLocked
}
