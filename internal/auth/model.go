package auth

import "time"

type Credential struct {
	ID             string
	Email          string
	PasswordHash   string
	Active         bool
	Roles          []string
	FailedAttempts int
	LockoutUntil   *time.Time
	Version        int64
}

func (c Credential) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type RefreshTokenRecord struct {
	ID         string
	UserID     string
	TokenHash  string
	ChainID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	RevokedAt  *time.Time
}

func (r RefreshTokenRecord) Consumed() bool {
	return r.ConsumedAt != nil
}

func (r RefreshTokenRecord) Revoked() bool {
	return r.RevokedAt != nil
}

// Outstanding reports whether the record can still be redeemed at now.
func (r RefreshTokenRecord) Outstanding(now time.Time) bool {
	return !r.Consumed() && !r.Revoked() && now.Before(r.ExpiresAt)
}

type UserView struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    int64     `json:"expiresIn"`
	User         *UserView `json:"user,omitempty"`
}

// Principal is the verified identity attached to a request by Middleware.
type Principal struct {
	UserID  string   `json:"userId"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	ChainID string   `json:"-"`
}
