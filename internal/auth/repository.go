// AngelaMos | 2026
// repository.go

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carterperez-dev/dmarc-hub/backend/internal/core"
)

type Repository interface {
	Create(ctx context.Context, token *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	FindByID(ctx context.Context, id string) (*RefreshToken, error)

	// ConsumeForRotation atomically marks the token revoked with
	// reason=rotation, but only if it is still unrevoked. It reports
	// whether this caller won the rotation. A false result on an
	// existing token is the theft signal: someone already consumed it.
	ConsumeForRotation(ctx context.Context, id string) (bool, error)

	RevokeByID(ctx context.Context, id, reason string) error
	RevokeFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
	ListActiveForUser(ctx context.Context, userID string) ([]RefreshToken, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (
			id, user_id, token_hash, family_id, expires_at,
			user_agent, ip_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at`

	err := r.db.GetContext(ctx, &token.CreatedAt, query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.FamilyID,
		token.ExpiresAt,
		token.UserAgent,
		token.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}

	return nil
}

func (r *repository) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*RefreshToken, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, revoked, revocation_reason,
			expires_at, created_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE token_hash = $1`

	var token RefreshToken
	err := r.db.GetContext(ctx, &token, query, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return &token, nil
}

func (r *repository) FindByID(
	ctx context.Context,
	id string,
) (*RefreshToken, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, revoked, revocation_reason,
			expires_at, created_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE id = $1`

	var token RefreshToken
	err := r.db.GetContext(ctx, &token, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return &token, nil
}

// ConsumeForRotation is the one place where a read-then-write sequence
// would be unsafe: two concurrent rotations of the same token must
// resolve to exactly one winner. The conditional UPDATE collapses the
// check and the write into a single statement; the loser observes zero
// affected rows.
func (r *repository) ConsumeForRotation(
	ctx context.Context,
	id string,
) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revocation_reason = $2
		WHERE id = $1 AND revoked = false`

	result, err := r.db.ExecContext(ctx, query, id, ReasonRotation)
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}

	return rows == 1, nil
}

// RevokeByID is idempotent: revoking an already-revoked token is a
// no-op, which keeps logout safe to retry.
func (r *repository) RevokeByID(ctx context.Context, id, reason string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revocation_reason = $2
		WHERE id = $1 AND revoked = false`

	if _, err := r.db.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func (r *repository) RevokeFamily(
	ctx context.Context,
	familyID, reason string,
) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revocation_reason = $2
		WHERE family_id = $1 AND revoked = false`

	result, err := r.db.ExecContext(ctx, query, familyID, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}

	return rows, nil
}

func (r *repository) RevokeAllForUser(
	ctx context.Context,
	userID, reason string,
) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = true, revocation_reason = $2
		WHERE user_id = $1 AND revoked = false`

	result, err := r.db.ExecContext(ctx, query, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke all user tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all user tokens: %w", err)
	}

	return rows, nil
}

func (r *repository) ListActiveForUser(
	ctx context.Context,
	userID string,
) ([]RefreshToken, error) {
	query := `
		SELECT
			id, user_id, token_hash, family_id, revoked, revocation_reason,
			expires_at, created_at, user_agent, ip_address
		FROM refresh_tokens
		WHERE user_id = $1
			AND revoked = false
			AND expires_at > NOW()
		ORDER BY created_at DESC`

	var tokens []RefreshToken
	err := r.db.SelectContext(ctx, &tokens, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	return tokens, nil
}

// DeleteExpired removes rows long past their expiry. Housekeeping only;
// expiry is enforced at read time.
func (r *repository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1`

	cutoff := time.Now().Add(-24 * time.Hour)

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	return rows, nil
}
