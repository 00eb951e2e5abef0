package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

var ErrEmailTaken = errors.New("email already registered")

// Repository is the PostgreSQL CredentialStore and RefreshStore.
type Repository struct {
	db *sql.DB
}

var (
	_ CredentialStore = (*Repository)(nil)
	_ RefreshStore    = (*Repository)(nil)
)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const credentialColumns = `id, email, password_hash, is_active, roles, failed_attempts, lockout_until, version`

func (r *Repository) GetByEmail(ctx context.Context, email string) (Credential, error) {
	return r.getCredential(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE email = $1`, NormalizeEmail(email))
}

func (r *Repository) GetByID(ctx context.Context, userID string) (Credential, error) {
	return r.getCredential(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, userID)
}

func (r *Repository) getCredential(ctx context.Context, query string, args ...any) (Credential, error) {
	var cred Credential
	var roles []byte
	var lockoutUntil sql.NullTime

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&cred.ID, &cred.Email, &cred.PasswordHash, &cred.Active, &roles,
		&cred.FailedAttempts, &lockoutUntil, &cred.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("query credential: %w", err)
	}

	if err := json.Unmarshal(roles, &cred.Roles); err != nil {
		return Credential{}, fmt.Errorf("decode credential roles: %w", err)
	}
	if lockoutUntil.Valid {
		value := lockoutUntil.Time.UTC()
		cred.LockoutUntil = &value
	}

	return cred, nil
}

// RecordFailure counts one failure in a single UPDATE so concurrent attempts
// cannot lose increments. Rows under an active lockout are left untouched.
func (r *Repository) RecordFailure(ctx context.Context, userID string, now time.Time, policy LockoutPolicy) (Credential, bool, error) {
	now = now.UTC()
	cred, err := r.getCredential(ctx, `
		UPDATE credentials
		SET failed_attempts = CASE
				WHEN lockout_until IS NOT NULL AND lockout_until <= $2 THEN 1
				ELSE failed_attempts + 1
			END,
			lockout_until = CASE
				WHEN (CASE
					WHEN lockout_until IS NOT NULL AND lockout_until <= $2 THEN 1
					ELSE failed_attempts + 1
				END) >= $3 THEN $4::timestamptz
				ELSE NULL
			END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND (lockout_until IS NULL OR lockout_until <= $2)
		RETURNING `+credentialColumns,
		userID, now, policy.Threshold, now.Add(policy.Duration),
	)
	if err == nil {
		return cred, true, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return Credential{}, false, fmt.Errorf("record credential failure: %w", err)
	}

	// no row updated: either unknown or currently locked
	cred, err = r.GetByID(ctx, userID)
	if err != nil {
		return Credential{}, false, err
	}
	return cred, false, nil
}

func (r *Repository) ResetLockout(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET failed_attempts = 0,
			lockout_until = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("reset credential lockout: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credential lockout rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *Repository) Upsert(ctx context.Context, cred Credential) error {
	roles, err := json.Marshal(nonNilRoles(cred.Roles))
	if err != nil {
		return fmt.Errorf("encode credential roles: %w", err)
	}

	var until any
	if cred.LockoutUntil != nil {
		until = cred.LockoutUntil.UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, email, password_hash, is_active, roles, failed_attempts, lockout_until, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, 0, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			is_active = EXCLUDED.is_active,
			roles = EXCLUDED.roles,
			failed_attempts = EXCLUDED.failed_attempts,
			lockout_until = EXCLUDED.lockout_until,
			version = credentials.version + 1,
			updated_at = NOW()
	`, cred.ID, NormalizeEmail(cred.Email), cred.PasswordHash, cred.Active, string(roles), cred.FailedAttempts, until)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

func (r *Repository) Insert(ctx context.Context, record RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, chain_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.UserID, record.TokenHash, record.ChainID, record.IssuedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

const refreshColumns = `id, user_id, token_hash, chain_id, issued_at, expires_at, consumed_at, revoked_at`

func (r *Repository) FindByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	record, err := scanRefreshToken(r.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+`
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrRefreshNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("read refresh token: %w", err)
	}

	return record, nil
}

func (r *Repository) Rotate(ctx context.Context, oldHash, subject string, next RefreshTokenRecord, now time.Time) (RefreshTokenRecord, error) {
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	old, err := scanRefreshToken(tx.QueryRowContext(ctx, `
		SELECT `+refreshColumns+`
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrRefreshNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("read refresh token: %w", err)
	}
	if subject != "" && old.UserID != subject {
		return RefreshTokenRecord{}, ErrRefreshNotFound
	}

	if old.Consumed() || old.Revoked() {
		if err := revokeChain(ctx, tx, old.ChainID, now); err != nil {
			return RefreshTokenRecord{}, err
		}
		if err := tx.Commit(); err != nil {
			return RefreshTokenRecord{}, fmt.Errorf("commit chain revocation tx: %w", err)
		}
		return RefreshTokenRecord{}, ErrReplayDetected
	}
	if !now.Before(old.ExpiresAt) {
		return RefreshTokenRecord{}, ErrRefreshExpired
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, chain_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, next.ID, old.UserID, next.TokenHash, old.ChainID, next.IssuedAt.UTC(), next.ExpiresAt.UTC())
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET consumed_at = $2, replaced_by = $3
		WHERE id = $1
	`, old.ID, now, next.ID)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("consume refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	old.ConsumedAt = &now
	return old, nil
}

func (r *Repository) RevokeChain(ctx context.Context, chainID string, now time.Time) error {
	return revokeChain(ctx, r.db, chainID, now.UTC())
}

func (r *Repository) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func revokeChain(ctx context.Context, db execer, chainID string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE chain_id = $1
	`, chainID, now)
	if err != nil {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}

	return nil
}

func scanRefreshToken(row *sql.Row) (RefreshTokenRecord, error) {
	var record RefreshTokenRecord
	var consumedAt, revokedAt sql.NullTime

	if err := row.Scan(
		&record.ID, &record.UserID, &record.TokenHash, &record.ChainID,
		&record.IssuedAt, &record.ExpiresAt, &consumedAt, &revokedAt,
	); err != nil {
		return RefreshTokenRecord{}, err
	}

	record.IssuedAt = record.IssuedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if consumedAt.Valid {
		value := consumedAt.Time.UTC()
		record.ConsumedAt = &value
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}

	return record, nil
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
