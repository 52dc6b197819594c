// AngelaMos | 2026
// family.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carterperez-dev/dmarc-hub/backend/internal/core"
)

// FamilyEngine issues, rotates, and revokes chains of refresh tokens.
// Every token descended from one login shares a family_id (a flat tag,
// not a lineage tree), so detecting reuse anywhere in the chain lets us
// kill the whole chain in one statement.
type FamilyEngine struct {
	repo   Repository
	ttl    time.Duration
	logger *slog.Logger
}

func NewFamilyEngine(
	repo Repository,
	ttl time.Duration,
	logger *slog.Logger,
) *FamilyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &FamilyEngine{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
	}
}

// IssuedToken pairs a stored row with the opaque secret handed to the
// client. The secret exists only in memory and in the client's cookie.
type IssuedToken struct {
	Token  *RefreshToken
	Secret string
}

// IssueInitial creates a fresh token starting a new family. The family
// id is the token's own id.
func (e *FamilyEngine) IssueInitial(
	ctx context.Context,
	userID, userAgent, ipAddress string,
) (*IssuedToken, error) {
	id := uuid.New().String()
	return e.issue(ctx, userID, id, id, userAgent, ipAddress)
}

// Rotate exchanges a presented refresh secret for a new token in the
// same family. Reuse of an already-revoked token is treated as theft:
// the entire family is revoked and ErrSessionCompromised is returned.
func (e *FamilyEngine) Rotate(
	ctx context.Context,
	presentedSecret, userAgent, ipAddress string,
) (*IssuedToken, error) {
	token, err := e.repo.FindByHash(ctx, core.HashToken(presentedSecret))
	if errors.Is(err, core.ErrNotFound) {
		// Unknown token: nothing to revoke, plain invalid-token failure.
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}
	if err != nil {
		// Storage failure, not a bad token. Propagate so callers return
		// a retryable 5xx instead of forcing a client-side logout.
		return nil, fmt.Errorf("rotate: %w", err)
	}

	if token.IsExpired() {
		return nil, fmt.Errorf("rotate: %w", core.ErrTokenInvalid)
	}

	won, err := e.repo.ConsumeForRotation(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}

	if !won {
		// The token was already consumed, by a prior rotation, logout,
		// password change, or an earlier theft marking. Someone is
		// replaying it.
		e.logger.Warn("refresh token reuse detected",
			"token_id", token.ID,
			"family_id", token.FamilyID,
			"user_id", token.UserID,
			"original_reason", token.Reason(),
			"ip_address", ipAddress,
		)

		revoked, revErr := e.repo.RevokeFamily(
			ctx,
			token.FamilyID,
			ReasonTheftDetected,
		)
		if revErr != nil {
			return nil, fmt.Errorf("rotate: revoke family: %w", revErr)
		}

		e.logger.Warn("token family revoked",
			"family_id", token.FamilyID,
			"user_id", token.UserID,
			"tokens_revoked", revoked,
		)

		return nil, fmt.Errorf("rotate: %w", core.ErrSessionCompromised)
	}

	return e.issue(
		ctx,
		token.UserID,
		uuid.New().String(),
		token.FamilyID,
		userAgent,
		ipAddress,
	)
}

// Revoke terminates a single token, leaving the rest of its family
// untouched. Used by logout; idempotent. A non-empty ownerID must match
// the token's user before anything is mutated, so a caller holding
// someone else's token cannot destroy that session.
func (e *FamilyEngine) Revoke(
	ctx context.Context,
	presentedSecret, ownerID, reason string,
) (*RefreshToken, error) {
	token, err := e.repo.FindByHash(ctx, core.HashToken(presentedSecret))
	if err != nil {
		return nil, err
	}

	if ownerID != "" && token.UserID != ownerID {
		return nil, fmt.Errorf("revoke: %w", core.ErrForbidden)
	}

	if err := e.repo.RevokeByID(ctx, token.ID, reason); err != nil {
		return nil, err
	}

	return token, nil
}

// RevokeFamily terminates every still-active token in a family.
func (e *FamilyEngine) RevokeFamily(
	ctx context.Context,
	familyID, reason string,
) error {
	if _, err := e.repo.RevokeFamily(ctx, familyID, reason); err != nil {
		return err
	}
	return nil
}

// RevokeAllForUser terminates every active token across all of the
// user's families. Used on password change, where the compromised
// credential could have been used from any device.
func (e *FamilyEngine) RevokeAllForUser(
	ctx context.Context,
	userID, reason string,
) error {
	revoked, err := e.repo.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		return err
	}

	e.logger.Info("revoked all refresh tokens for user",
		"user_id", userID,
		"reason", reason,
		"tokens_revoked", revoked,
	)

	return nil
}

func (e *FamilyEngine) issue(
	ctx context.Context,
	userID, id, familyID, userAgent, ipAddress string,
) (*IssuedToken, error) {
	secret, err := core.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	token := &RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: core.HashToken(secret),
		FamilyID:  familyID,
		ExpiresAt: time.Now().Add(e.ttl),
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}

	if err := e.repo.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &IssuedToken{Token: token, Secret: secret}, nil
}
