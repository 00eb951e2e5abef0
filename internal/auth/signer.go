package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	minSigningKeyBytes = 32
	signingKeyInfo     = "patient-records-auth access token hs256"
	base64SecretPrefix = "base64:"
)

// Claims is the decoded content of an access token.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	ChainID   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type VerifyOptions struct {
	// IgnoreExpiry still checks signature, algorithm, issuer and audience.
	// Only the refresh flow uses it, to recover the principal of an expired token.
	IgnoreExpiry bool
}

type accessClaims struct {
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	ChainID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type SignerConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Now      func() time.Time
}

// TokenSigner signs and verifies HS256 access tokens with a key fixed at construction.
type TokenSigner struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewTokenSigner(cfg SignerConfig) (*TokenSigner, error) {
	key, err := deriveSigningKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &TokenSigner{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      cfg.Now,
	}, nil
}

func (s *TokenSigner) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Subject == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token ttl must be positive")
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}

	registered := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   claims.Subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        jti.String(),
	}
	if s.audience != "" {
		registered.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Email:            claims.Email,
		Roles:            claims.Roles,
		ChainID:          claims.ChainID,
		RegisteredClaims: registered,
	})
	encoded, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, expiresAt, nil
}

func (s *TokenSigner) Verify(tokenStr string, opts VerifyOptions) (Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Claims{}, ErrInvalidToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		// one accepted encoding per token: no slack in the trailing base64 bits
		jwt.WithStrictDecoding(),
	}
	if opts.IgnoreExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	} else {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
		if s.issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
		}
		if s.audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(s.audience))
		}
	}

	var parsed accessClaims
	token, err := jwt.ParseWithClaims(tokenStr, &parsed, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if opts.IgnoreExpiry && !s.sameIssuerAndAudience(parsed.RegisteredClaims) {
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		Subject:   parsed.Subject,
		Email:     parsed.Email,
		Roles:     parsed.Roles,
		ChainID:   parsed.ChainID,
		ID:        parsed.ID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		out.IssuedAt = parsed.IssuedAt.Time.UTC()
	}

	return out, nil
}

func (s *TokenSigner) sameIssuerAndAudience(claims jwt.RegisteredClaims) bool {
	if s.issuer != "" && claims.Issuer != s.issuer {
		return false
	}
	if s.audience == "" {
		return true
	}
	for _, aud := range claims.Audience {
		if aud == s.audience {
			return true
		}
	}
	return false
}

// deriveSigningKey expands secrets shorter than 256 bits with HKDF-SHA-256.
// A "base64:" prefix marks a base64-encoded secret.
func deriveSigningKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}

	raw := []byte(secret)
	if strings.HasPrefix(secret, base64SecretPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, base64SecretPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		if len(decoded) == 0 {
			return nil, errors.New("signing secret is required")
		}
		raw = decoded
	}

	if len(raw) >= minSigningKeyBytes {
		return raw, nil
	}

	key := make([]byte, minSigningKeyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("expand signing secret: %w", err)
	}

	return key, nil
}
