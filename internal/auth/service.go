package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL = 15 * time.Minute
	tokenTypeBearer  = "Bearer"

	RoleAdmin = "Admin"
)

// CredentialStore is the user/credential storage engine.
type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (Credential, error)
	GetByID(ctx context.Context, userID string) (Credential, error)
	// RecordFailure applies policy.RecordFailure to the stored row as one
	// atomic step. It is skipped while a lockout is active at now; applied
	// reports whether the failure was counted. The returned credential is the
	// state after the call either way.
	RecordFailure(ctx context.Context, userID string, now time.Time, policy LockoutPolicy) (cred Credential, applied bool, err error)
	// ResetLockout clears the failure counter and any lockout.
	ResetLockout(ctx context.Context, userID string) error
	Upsert(ctx context.Context, cred Credential) error
}

type Config struct {
	AccessTTL        time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
	Now              func() time.Time
}

type Service struct {
	creds     CredentialStore
	signer    *TokenSigner
	refresh   *RefreshTokenRegistry
	policy    LockoutPolicy
	accessTTL time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *Metrics
}

func NewService(creds CredentialStore, signer *TokenSigner, refresh *RefreshTokenRegistry, cfg Config) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		creds:     creds,
		signer:    signer,
		refresh:   refresh,
		policy:    NewLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutDuration),
		accessTTL: cfg.AccessTTL,
		now:       cfg.Now,
		logger:    zap.NewNop(),
	}
}

func (s *Service) WithObservability(logger *zap.Logger, metrics *Metrics) {
	if logger != nil {
		s.logger = logger
	}
	s.metrics = metrics
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		s.metrics.login("invalid")
		return Session{}, ErrInvalidCredential
	}

	cred, err := s.creds.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			burnPasswordCheck(password)
			s.metrics.login("invalid")
			return Session{}, ErrInvalidCredential
		}
		return Session{}, fmt.Errorf("load credential: %w", err)
	}

	if !cred.Active {
		s.metrics.login("inactive")
		if passwordMatches(cred.PasswordHash, password) {
			return Session{}, ErrAccountInactive
		}
		return Session{}, ErrInvalidCredential
	}

	now := s.now()
	if decision := s.policy.Evaluate(cred, now); decision.Locked {
		s.metrics.login("locked")
		return Session{}, ErrLoginLocked{Until: decision.Until}
	}

	if !passwordMatches(cred.PasswordHash, password) {
		return Session{}, s.registerFailure(ctx, cred, now)
	}

	if err := s.registerSuccess(ctx, cred); err != nil {
		return Session{}, err
	}

	chainID, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh chain id: %w", err)
	}

	// sign before persisting so a signing failure leaves no orphan chain
	access, err := s.signAccess(cred, chainID.String())
	if err != nil {
		return Session{}, err
	}

	raw, _, err := s.refresh.Issue(ctx, cred.ID, chainID.String())
	if err != nil {
		return Session{}, fmt.Errorf("issue refresh token: %w", err)
	}

	session := s.newSession(access, raw)
	session.User = &UserView{ID: cred.ID, Email: cred.Email, Roles: cred.Roles}

	s.metrics.login("success")
	return session, nil
}

func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string) (Session, error) {
	claims, err := s.signer.Verify(accessToken, VerifyOptions{IgnoreExpiry: true})
	if err != nil {
		s.metrics.refresh("invalid_token")
		return Session{}, ErrInvalidToken
	}

	rotation, err := s.refresh.Redeem(ctx, refreshToken, claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, ErrReplayDetected):
			s.metrics.replay()
			s.metrics.refresh("replay")
			s.logger.Warn("auth_refresh_replay_detected", zap.String("user_id", claims.Subject))
			return Session{}, ErrReplayDetected
		case isRefreshRejection(err):
			s.metrics.refresh("invalid_refresh")
			return Session{}, ErrInvalidRefresh
		default:
			return Session{}, fmt.Errorf("rotate refresh token: %w", err)
		}
	}

	cred, err := s.creds.GetByID(ctx, rotation.Previous.UserID)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return Session{}, fmt.Errorf("load credential: %w", err)
	}
	if err != nil || !cred.Active {
		if revokeErr := s.refresh.RevokeChain(ctx, rotation.Next.ChainID); revokeErr != nil {
			return Session{}, fmt.Errorf("revoke chain of inactive credential: %w", revokeErr)
		}
		s.metrics.refresh("invalid_credential")
		return Session{}, ErrInvalidCredential
	}

	access, err := s.signAccess(cred, rotation.Next.ChainID)
	if err != nil {
		// the rotated token never reaches the client, so the chain is dead
		if revokeErr := s.refresh.RevokeChain(ctx, rotation.Next.ChainID); revokeErr != nil {
			s.logger.Error("auth_refresh_revoke_failed", zap.Error(revokeErr))
		}
		return Session{}, err
	}

	s.metrics.refresh("success")
	return s.newSession(access, rotation.RawNext), nil
}

// Logout revokes the chain owning refreshToken. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	record, err := s.refresh.ChainOf(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return nil
		}
		return fmt.Errorf("find refresh token: %w", err)
	}

	return s.LogoutChain(ctx, record.ChainID)
}

func (s *Service) LogoutChain(ctx context.Context, chainID string) error {
	if err := s.refresh.RevokeChain(ctx, chainID); err != nil {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	return nil
}

// LogoutSession ends the caller's session: the chain named by the bearer
// token, plus the chain of refreshToken when the caller owns it.
func (s *Service) LogoutSession(ctx context.Context, principal Principal, refreshToken string) error {
	if strings.TrimSpace(refreshToken) != "" {
		record, err := s.refresh.ChainOf(ctx, refreshToken)
		switch {
		case err == nil:
			if record.UserID == principal.UserID && record.ChainID != principal.ChainID {
				if err := s.LogoutChain(ctx, record.ChainID); err != nil {
					return err
				}
			}
		case errors.Is(err, ErrRefreshNotFound):
		default:
			return fmt.Errorf("find refresh token: %w", err)
		}
	}

	return s.LogoutChain(ctx, principal.ChainID)
}

// Unlock clears failure counters and any active lockout.
func (s *Service) Unlock(ctx context.Context, userID string) error {
	if err := s.creds.ResetLockout(ctx, userID); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return err
		}
		return fmt.Errorf("unlock credential: %w", err)
	}

	s.logger.Info("auth_credential_unlocked", zap.String("user_id", userID))
	return nil
}

func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	cred, err := s.creds.GetByEmail(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, ErrCredentialNotFound):
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate uuid v7: %w", err)
		}
		cred = Credential{ID: id.String(), Email: email}
	default:
		return fmt.Errorf("load admin credential: %w", err)
	}

	cred.PasswordHash = string(hash)
	cred.Active = true
	if !cred.HasRole(RoleAdmin) {
		cred.Roles = append(cred.Roles, RoleAdmin)
	}
	cred.FailedAttempts = 0
	cred.LockoutUntil = nil

	return s.creds.Upsert(ctx, cred)
}

func (s *Service) registerFailure(ctx context.Context, cred Credential, now time.Time) error {
	next, applied, err := s.creds.RecordFailure(ctx, cred.ID, now, s.policy)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			s.metrics.login("invalid")
			return ErrInvalidCredential
		}
		return fmt.Errorf("record failed login: %w", err)
	}

	decision := s.policy.Evaluate(next, now)
	if !decision.Locked {
		s.metrics.login("invalid")
		return ErrInvalidCredential
	}

	if applied {
		s.metrics.lockout()
		s.logger.Warn("auth_lockout_triggered",
			zap.String("user_id", cred.ID),
			zap.Int("failed_attempts", next.FailedAttempts),
			zap.Time("until", decision.Until),
		)
	}
	s.metrics.login("locked")
	return ErrLoginLocked{Until: decision.Until}
}

func (s *Service) registerSuccess(ctx context.Context, cred Credential) error {
	if !lockoutChanged(cred, s.policy.RecordSuccess(cred)) {
		return nil
	}
	if err := s.creds.ResetLockout(ctx, cred.ID); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func (s *Service) signAccess(cred Credential, chainID string) (string, error) {
	access, _, err := s.signer.Issue(Claims{
		Subject: cred.ID,
		Email:   cred.Email,
		Roles:   cred.Roles,
		ChainID: chainID,
	}, s.accessTTL)
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return access, nil
}

func (s *Service) newSession(access, rawRefresh string) Session {
	return Session{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func passwordMatches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// burnPasswordCheck spends one bcrypt comparison so unknown emails take as
// long to reject as wrong passwords.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
