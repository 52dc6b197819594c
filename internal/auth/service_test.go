// AngelaMos | 2026
// service_test.go

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/dmarc-hub/backend/internal/config"
	"github.com/carterperez-dev/dmarc-hub/backend/internal/core"
	"github.com/carterperez-dev/dmarc-hub/backend/internal/middleware"
)

type fakeUserProvider struct {
	mu      sync.Mutex
	byID    map[string]*UserInfo
	byEmail map[string]*UserInfo
}

func newFakeUserProvider() *fakeUserProvider {
	return &fakeUserProvider{
		byID:    make(map[string]*UserInfo),
		byEmail: make(map[string]*UserInfo),
	}
}

func (p *fakeUserProvider) add(email, password, role string) *UserInfo {
	hash, err := core.HashPassword(password)
	if err != nil {
		panic(err)
	}

	user := &UserInfo{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &hash,
		Role:         role,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[user.ID] = user
	p.byEmail[user.Email] = user
	return user
}

func (p *fakeUserProvider) GetByEmail(
	_ context.Context,
	email string,
) (*UserInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("get user by email: %w", core.ErrNotFound)
	}
	cp := *user
	return &cp, nil
}

func (p *fakeUserProvider) GetByID(
	_ context.Context,
	id string,
) (*UserInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	cp := *user
	return &cp, nil
}

func (p *fakeUserProvider) CreateFirstAdmin(
	_ context.Context,
	email, passwordHash string,
) (*UserInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Emptiness check and insert happen under one lock, mirroring the
	// single-statement conditional insert in the SQL repository.
	if len(p.byID) > 0 {
		return nil, fmt.Errorf("create first admin: %w", core.ErrDuplicateKey)
	}

	user := &UserInfo{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &passwordHash,
		Role:         "admin",
	}
	p.byID[user.ID] = user
	p.byEmail[user.Email] = user

	cp := *user
	return &cp, nil
}

func (p *fakeUserProvider) Count(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID), nil
}

func (p *fakeUserProvider) IncrementTokenVersion(
	_ context.Context,
	userID string,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.byID[userID]
	if !ok {
		return fmt.Errorf("increment token version: %w", core.ErrNotFound)
	}
	user.TokenVersion++
	return nil
}

func (p *fakeUserProvider) UpdatePassword(
	_ context.Context,
	userID, passwordHash string,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, ok := p.byID[userID]
	if !ok {
		return fmt.Errorf("update password: %w", core.ErrNotFound)
	}
	user.PasswordHash = &passwordHash
	return nil
}

var _ UserProvider = (*fakeUserProvider)(nil)

func newTestJWTManager(t *testing.T) *JWTManager {
	t.Helper()

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, GenerateKeyPair(privPath, pubPath))

	manager, err := NewJWTManager(config.JWTConfig{
		PrivateKeyPath:    privPath,
		PublicKeyPath:     pubPath,
		AccessTokenExpire: 15 * time.Minute,
		Issuer:            "dmarc-hub",
		Audience:          "dmarc-hub-api",
	})
	require.NoError(t, err)
	return manager
}

type serviceFixture struct {
	svc      *Service
	store    *memoryTokenStore
	provider *fakeUserProvider
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	store := newMemoryTokenStore()
	provider := newFakeUserProvider()
	engine := NewFamilyEngine(store, time.Hour, slog.Default())
	guard := NewLoginGuard(nil, GuardConfig{
		MaxAttemptsPerIP:      10,
		IPAttemptWindow:       15 * time.Minute,
		MaxAttemptsPerAccount: 5,
		AccountLockDuration:   15 * time.Minute,
	}, slog.Default())

	svc := NewService(
		store,
		engine,
		newTestJWTManager(t),
		provider,
		guard,
		nil,
		15*time.Minute,
	)

	return &serviceFixture{svc: svc, store: store, provider: provider}
}

const testPassword = "Sufficiently-Strong-1!"

func TestLogin_Success(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")

	resp, err := f.svc.Login(context.Background(), LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "admin@example.com", resp.User.Email)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int((15 * time.Minute).Seconds()), resp.ExpiresIn)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")

	_, err := f.svc.Login(context.Background(), LoginRequest{
		Email:    "admin@example.com",
		Password: "wrong-password",
	}, "agent", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownEmailSameError(t *testing.T) {
	f := newServiceFixture(t)

	// Nonexistent account yields the identical error as a bad password,
	// so callers cannot enumerate accounts.
	_, err := f.svc.Login(context.Background(), LoginRequest{
		Email:    "nobody@example.com",
		Password: "whatever-password",
	}, "agent", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_AccountLocksAfterFiveFailures(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("victim@example.com", testPassword, "user")
	ctx := context.Background()

	for range 5 {
		_, err := f.svc.Login(ctx, LoginRequest{
			Email:    "victim@example.com",
			Password: "wrong-password",
		}, "agent", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Sixth attempt is rejected before password verification, even with
	// the correct password.
	_, err := f.svc.Login(ctx, LoginRequest{
		Email:    "victim@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.Error(t, err)

	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusLocked, appErr.Status)
	assert.Equal(t, "ACCOUNT_LOCKED", appErr.Code)
	assert.Greater(t, appErr.RetryAfter, time.Duration(0))
}

func TestLogin_IPLimitedAfterTenFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Spread failures over distinct accounts so only the IP counter
	// accumulates.
	for i := range 10 {
		_, err := f.svc.Login(ctx, LoginRequest{
			Email:    fmt.Sprintf("user%d@example.com", i),
			Password: "wrong-password",
		}, "agent", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, LoginRequest{
		Email:    "user99@example.com",
		Password: "wrong-password",
	}, "agent", "10.0.0.1")
	require.Error(t, err)

	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, appErr.Status)
	assert.Equal(t, "RATE_LIMITED", appErr.Code)

	// A different IP is unaffected.
	_, err = f.svc.Login(ctx, LoginRequest{
		Email:    "user99@example.com",
		Password: "wrong-password",
	}, "agent", "10.0.0.2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_SuccessResetsCounters(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	for range 4 {
		_, err := f.svc.Login(ctx, LoginRequest{
			Email:    "admin@example.com",
			Password: "wrong-password",
		}, "agent", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	// Budget is fully restored after the success.
	for range 4 {
		_, err = f.svc.Login(ctx, LoginRequest{
			Email:    "admin@example.com",
			Password: "wrong-password",
		}, "agent", "10.0.0.1")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestCheckSetup(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	needed, err := f.svc.CheckSetup(ctx)
	require.NoError(t, err)
	assert.True(t, needed)

	f.provider.add("admin@example.com", testPassword, "admin")

	needed, err = f.svc.CheckSetup(ctx)
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestSetup_CreatesFirstAdmin(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.svc.Setup(context.Background(), SetupRequest{
		Email:                "admin@example.com",
		Password:             testPassword,
		PasswordConfirmation: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "admin", resp.User.Role)
	assert.NotEmpty(t, resp.RefreshToken)
}

func TestSetup_RejectedOnceUserExists(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")

	_, err := f.svc.Setup(context.Background(), SetupRequest{
		Email:                "second@example.com",
		Password:             testPassword,
		PasswordConfirmation: testPassword,
	}, "agent", "10.0.0.1")
	assert.ErrorIs(t, err, ErrSetupComplete)
}

func TestSetup_ConcurrentSetupsCreateOneAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	const racers = 4
	results := make(chan error, racers)

	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Setup(ctx, SetupRequest{
				Email:                fmt.Sprintf("admin%d@example.com", i),
				Password:             testPassword,
				PasswordConfirmation: testPassword,
			}, "agent", "10.0.0.1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, rejected int
	for err := range results {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, ErrSetupComplete)
		rejected++
	}

	assert.Equal(t, 1, created, "exactly one setup may create an admin")
	assert.Equal(t, racers-1, rejected)

	count, err := f.provider.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSetup_WeakPasswordListsAllViolations(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Setup(context.Background(), SetupRequest{
		Email:                "admin@example.com",
		Password:             "weak",
		PasswordConfirmation: "weak",
	}, "agent", "10.0.0.1")
	require.Error(t, err)

	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "WEAK_PASSWORD", appErr.Code)
	assert.Contains(t, appErr.Message, "12 characters")
	assert.Contains(t, appErr.Message, "uppercase")
}

func TestRefresh_RotatesToken(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	refreshed, err := f.svc.Refresh(ctx, login.RefreshToken, "agent", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestRefresh_ReplaySignalsCompromise(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	refreshed, err := f.svc.Refresh(ctx, login.RefreshToken, "agent", "10.0.0.1")
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, login.RefreshToken, "agent", "6.6.6.6")
	require.ErrorIs(t, err, core.ErrSessionCompromised)

	// The fresh token died with the family.
	_, err = f.svc.Refresh(ctx, refreshed.RefreshToken, "agent", "10.0.0.1")
	assert.ErrorIs(t, err, core.ErrSessionCompromised)
}

func TestLogout_Idempotent(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	claims := &middleware.AccessTokenClaims{UserID: user.ID}

	require.NoError(t, f.svc.Logout(ctx, login.RefreshToken, claims))
	require.NoError(t, f.svc.Logout(ctx, login.RefreshToken, claims))
	require.NoError(t, f.svc.Logout(ctx, "never-issued-token", claims))
}

func TestLogout_RejectsForeignToken(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.add("owner@example.com", testPassword, "user")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginRequest{
		Email:    "owner@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	err = f.svc.Logout(ctx, login.RefreshToken, &middleware.AccessTokenClaims{
		UserID: "someone-else",
	})
	require.ErrorIs(t, err, core.ErrForbidden)

	// The rejected logout must not have touched the owner's session: the
	// token still rotates cleanly, with no theft detection tripped.
	refreshed, err := f.svc.Refresh(ctx, login.RefreshToken, "agent", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.RefreshToken)
}

func TestChangePassword_RevokesEverything(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	desktop, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "desktop", "10.0.0.1")
	require.NoError(t, err)

	phone, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "phone", "10.0.0.2")
	require.NoError(t, err)

	const newPassword = "Even-Stronger-Passw0rd!"
	require.NoError(
		t,
		f.svc.ChangePassword(ctx, user.ID, testPassword, newPassword),
	)

	// Every session across every family is gone.
	_, err = f.svc.Refresh(ctx, desktop.RefreshToken, "desktop", "10.0.0.1")
	require.ErrorIs(t, err, core.ErrSessionCompromised)
	_, err = f.svc.Refresh(ctx, phone.RefreshToken, "phone", "10.0.0.2")
	require.ErrorIs(t, err, core.ErrSessionCompromised)

	// Outstanding access tokens are invalidated via the version bump.
	err = f.svc.ValidateTokenVersion(ctx, user.ID, 0)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)

	// Old password no longer works, new one does.
	_, err = f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.3")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: newPassword,
	}, "agent", "10.0.0.3")
	require.NoError(t, err)
}

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")

	err := f.svc.ChangePassword(
		context.Background(),
		user.ID,
		"not-the-password",
		"Even-Stronger-Passw0rd!",
	)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword_WeakNewPassword(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")

	err := f.svc.ChangePassword(
		context.Background(),
		user.ID,
		testPassword,
		"weak",
	)
	require.Error(t, err)

	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "WEAK_PASSWORD", appErr.Code)
}

func TestGetActiveSessions(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	_, err := f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "desktop", "10.0.0.1")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, LoginRequest{
		Email:    "admin@example.com",
		Password: testPassword,
	}, "phone", "10.0.0.2")
	require.NoError(t, err)

	sessions, err := f.svc.GetActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRevokeSession_OwnershipEnforced(t *testing.T) {
	f := newServiceFixture(t)
	owner := f.provider.add("owner@example.com", testPassword, "user")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginRequest{
		Email:    "owner@example.com",
		Password: testPassword,
	}, "agent", "10.0.0.1")
	require.NoError(t, err)

	sessions, err := f.svc.GetActiveSessions(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	err = f.svc.RevokeSession(ctx, "intruder", sessions[0].ID)
	require.ErrorIs(t, err, core.ErrForbidden)

	require.NoError(t, f.svc.RevokeSession(ctx, owner.ID, sessions[0].ID))

	_, err = f.svc.Refresh(ctx, login.RefreshToken, "agent", "10.0.0.1")
	assert.ErrorIs(t, err, core.ErrSessionCompromised)
}

func TestValidateTokenVersion(t *testing.T) {
	f := newServiceFixture(t)
	user := f.provider.add("admin@example.com", testPassword, "admin")
	ctx := context.Background()

	require.NoError(t, f.svc.ValidateTokenVersion(ctx, user.ID, 0))

	require.NoError(t, f.provider.IncrementTokenVersion(ctx, user.ID))

	err := f.svc.ValidateTokenVersion(ctx, user.ID, 0)
	assert.ErrorIs(t, err, core.ErrTokenRevoked)

	require.NoError(t, f.svc.ValidateTokenVersion(ctx, user.ID, 1))
}
