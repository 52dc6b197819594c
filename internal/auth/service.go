// AngelaMos | 2026
// service.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carterperez-dev/dmarc-hub/backend/internal/core"
	"github.com/carterperez-dev/dmarc-hub/backend/internal/middleware"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSetupComplete      = errors.New("setup already completed")
)

type UserInfo struct {
	ID           string
	Email        string
	PasswordHash *string
	Role         string
	TokenVersion int
}

type UserProvider interface {
	GetByEmail(ctx context.Context, email string) (*UserInfo, error)
	GetByID(ctx context.Context, id string) (*UserInfo, error)
	CreateFirstAdmin(
		ctx context.Context,
		email, passwordHash string,
	) (*UserInfo, error)
	Count(ctx context.Context) (int, error)
	IncrementTokenVersion(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// Service orchestrates the externally visible session lifecycle:
// first-run setup, login, refresh, logout, and password change. It
// composes the login guard, the password hasher, and the token family
// engine, and decides which error each caller sees.
type Service struct {
	repo         Repository
	engine       *FamilyEngine
	jwt          *JWTManager
	userProvider UserProvider
	guard        LoginGuard
	redis        *redis.Client
	accessTTL    time.Duration
}

func NewService(
	repo Repository,
	engine *FamilyEngine,
	jwtManager *JWTManager,
	userProvider UserProvider,
	guard LoginGuard,
	redisClient *redis.Client,
	accessTTL time.Duration,
) *Service {
	return &Service{
		repo:         repo,
		engine:       engine,
		jwt:          jwtManager,
		userProvider: userProvider,
		guard:        guard,
		redis:        redisClient,
		accessTTL:    accessTTL,
	}
}

// Login authenticates an email/password pair. The IP limiter runs
// before the account lock so a rate-limited caller learns nothing
// about whether the account exists; only genuine verification failures
// feed the counters, and a success clears them.
func (s *Service) Login(
	ctx context.Context,
	req LoginRequest,
	userAgent, ipAddress string,
) (*AuthResponse, error) {
	ipAddress = NormalizeIP(ipAddress)

	if d := s.guard.CheckIP(ctx, ipAddress); !d.Allowed {
		return nil, core.RateLimitedError(d.RetryAfter)
	}

	if d := s.guard.CheckAccount(ctx, req.Email); !d.Allowed {
		return nil, core.AccountLockedError(d.RetryAfter)
	}

	user, err := s.userProvider.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			//nolint:errcheck // timing attack prevention - always verify to prevent enumeration
			_, _, _ = core.VerifyPasswordTimingSafe(req.Password, nil)
			s.guard.RecordFailure(ctx, ipAddress, req.Email)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	valid, newHash, err := core.VerifyPasswordTimingSafe(
		req.Password,
		user.PasswordHash,
	)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		s.guard.RecordFailure(ctx, ipAddress, req.Email)
		return nil, ErrInvalidCredentials
	}

	if newHash != "" {
		//nolint:errcheck // best-effort rehash upgrade
		_ = s.userProvider.UpdatePassword(ctx, user.ID, newHash)
	}

	s.guard.RecordSuccess(ctx, ipAddress, req.Email)

	return s.createAuthResponse(ctx, user, userAgent, ipAddress)
}

// CheckSetup reports whether first-run setup is still pending.
func (s *Service) CheckSetup(ctx context.Context) (bool, error) {
	count, err := s.userProvider.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count == 0, nil
}

// Setup creates the first account and grants it the administrator
// role. It fails once any user exists.
func (s *Service) Setup(
	ctx context.Context,
	req SetupRequest,
	userAgent, ipAddress string,
) (*AuthResponse, error) {
	count, err := s.userProvider.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil, ErrSetupComplete
	}

	if violations := core.ValidatePasswordStrength(req.Password); len(violations) > 0 {
		return nil, weakPasswordError(violations)
	}

	passwordHash, err := core.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// The insert itself is conditional on the table being empty, so two
	// racing setups cannot both create an admin; the loser sees a
	// duplicate-key failure regardless of which email it used.
	user, err := s.userProvider.CreateFirstAdmin(ctx, req.Email, passwordHash)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			return nil, ErrSetupComplete
		}
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	return s.createAuthResponse(ctx, user, userAgent, NormalizeIP(ipAddress))
}

// Refresh rotates the presented refresh token and mints a new access
// token. A core.ErrSessionCompromised failure means the family has
// been revoked; the caller must clear all client-side session state.
func (s *Service) Refresh(
	ctx context.Context,
	refreshToken, userAgent, ipAddress string,
) (*AuthResponse, error) {
	issued, err := s.engine.Rotate(
		ctx,
		refreshToken,
		userAgent,
		NormalizeIP(ipAddress),
	)
	if err != nil {
		return nil, err
	}

	user, err := s.userProvider.GetByID(ctx, issued.Token.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	return s.buildResponse(user, issued)
}

// Logout revokes the presented refresh token (one token, not the
// family) and blacklists the caller's access token until its natural
// expiry. Idempotent: an unknown or already-revoked token succeeds.
func (s *Service) Logout(
	ctx context.Context,
	refreshToken string,
	claims *middleware.AccessTokenClaims,
) error {
	if refreshToken != "" {
		ownerID := ""
		if claims != nil {
			ownerID = claims.UserID
		}

		_, err := s.engine.Revoke(ctx, refreshToken, ownerID, ReasonLogout)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("revoke token: %w", err)
		}
	}

	if claims != nil && claims.JTI != "" {
		if err := s.blacklistAccessToken(ctx, claims.JTI, claims.ExpiresAt); err != nil {
			return err
		}
	}

	return nil
}

// LogoutAll terminates every session for the user: all refresh tokens
// across all families, plus a token_version bump that invalidates
// outstanding access tokens.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.engine.RevokeAllForUser(ctx, userID, ReasonLogout); err != nil {
		return fmt.Errorf("revoke all tokens: %w", err)
	}

	if err := s.userProvider.IncrementTokenVersion(ctx, userID); err != nil {
		return fmt.Errorf("increment token version: %w", err)
	}

	return nil
}

// ChangePassword verifies the current password, stores the new hash,
// and forces re-login everywhere: the credential compromise could
// affect any session, so the blast radius is every family the user
// owns.
func (s *Service) ChangePassword(
	ctx context.Context,
	userID, currentPassword, newPassword string,
) error {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	valid, _, err := core.VerifyPasswordTimingSafe(
		currentPassword,
		user.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}

	if !valid {
		return ErrInvalidCredentials
	}

	if violations := core.ValidatePasswordStrength(newPassword); len(violations) > 0 {
		return weakPasswordError(violations)
	}

	newHash, err := core.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.userProvider.UpdatePassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := s.engine.RevokeAllForUser(ctx, userID, ReasonPasswordChange); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	if err := s.userProvider.IncrementTokenVersion(ctx, userID); err != nil {
		return fmt.Errorf("increment token version: %w", err)
	}

	return nil
}

func (s *Service) blacklistAccessToken(
	ctx context.Context,
	jti string,
	expiresAt time.Time,
) error {
	if s.redis == nil {
		return nil
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	key := "blacklist:" + jti
	if err := s.redis.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}

	return nil
}

func (s *Service) IsAccessTokenBlacklisted(
	ctx context.Context,
	jti string,
) (bool, error) {
	if s.redis == nil {
		return false, nil
	}

	exists, err := s.redis.Exists(ctx, "blacklist:"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}

	return exists > 0, nil
}

func (s *Service) GetActiveSessions(
	ctx context.Context,
	userID string,
) ([]SessionInfo, error) {
	tokens, err := s.repo.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		sessions = append(sessions, SessionInfo{
			ID:        t.ID,
			FamilyID:  t.FamilyID,
			UserAgent: t.UserAgent,
			IPAddress: t.IPAddress,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
		})
	}

	return sessions, nil
}

// RevokeSession terminates one session by its token id. Blast radius
// is the single token, same as a logout of that device.
func (s *Service) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
) error {
	token, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}

	if token.UserID != userID {
		return fmt.Errorf("revoke session: %w", core.ErrForbidden)
	}

	if err := s.repo.RevokeByID(ctx, sessionID, ReasonLogout); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return nil
}

func (s *Service) ValidateTokenVersion(
	ctx context.Context,
	userID string,
	tokenVersion int,
) error {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if tokenVersion < user.TokenVersion {
		return fmt.Errorf("validate token version: %w", core.ErrTokenRevoked)
	}

	return nil
}

// PurgeExpiredSessions removes refresh token rows long past expiry.
// Intended for a periodic maintenance call, not the request path.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

func (s *Service) GetCurrentUser(
	ctx context.Context,
	userID string,
) (*UserResponse, error) {
	user, err := s.userProvider.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserResponse{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	}, nil
}

func (s *Service) createAuthResponse(
	ctx context.Context,
	user *UserInfo,
	userAgent, ipAddress string,
) (*AuthResponse, error) {
	issued, err := s.engine.IssueInitial(ctx, user.ID, userAgent, ipAddress)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	return s.buildResponse(user, issued)
}

func (s *Service) buildResponse(
	user *UserInfo,
	issued *IssuedToken,
) (*AuthResponse, error) {
	accessToken, _, err := s.jwt.CreateAccessToken(AccessTokenClaims{
		UserID:       user.ID,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &AuthResponse{
		User: UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  user.Role,
		},
		AccessToken:      accessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.accessTTL / time.Second),
		RefreshToken:     issued.Secret,
		RefreshExpiresAt: issued.Token.ExpiresAt,
	}, nil
}

func weakPasswordError(violations []string) *core.AppError {
	return core.NewAppError(
		core.ErrInvalidInput,
		strings.Join(violations, "; "),
		http.StatusBadRequest,
		"WEAK_PASSWORD",
	)
}
