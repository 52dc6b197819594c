// AngelaMos | 2026
// family_test.go

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/dmarc-hub/backend/internal/core"
)

// memoryTokenStore is an in-memory Repository with the same atomicity
// guarantees as the SQL implementation: one mutex serializes all
// conditional updates, so ConsumeForRotation has exactly one winner.
type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
	byHash map[string]string
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{
		tokens: make(map[string]*RefreshToken),
		byHash: make(map[string]string),
	}
}

func (s *memoryTokenStore) Create(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.CreatedAt = time.Now()
	s.tokens[cp.ID] = &cp
	s.byHash[cp.TokenHash] = cp.ID
	return nil
}

func (s *memoryTokenStore) FindByHash(
	_ context.Context,
	tokenHash string,
) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}

	cp := *s.tokens[id]
	return &cp, nil
}

func (s *memoryTokenStore) FindByID(
	_ context.Context,
	id string,
) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}

	cp := *token
	return &cp, nil
}

func (s *memoryTokenStore) ConsumeForRotation(
	_ context.Context,
	id string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token.Revoked {
		return false, nil
	}

	reason := ReasonRotation
	token.Revoked = true
	token.RevocationReason = &reason
	return true, nil
}

func (s *memoryTokenStore) RevokeByID(
	_ context.Context,
	id, reason string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token.Revoked {
		return nil
	}

	r := reason
	token.Revoked = true
	token.RevocationReason = &r
	return nil
}

func (s *memoryTokenStore) RevokeFamily(
	_ context.Context,
	familyID, reason string,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, token := range s.tokens {
		if token.FamilyID == familyID && !token.Revoked {
			r := reason
			token.Revoked = true
			token.RevocationReason = &r
			revoked++
		}
	}
	return revoked, nil
}

func (s *memoryTokenStore) RevokeAllForUser(
	_ context.Context,
	userID, reason string,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, token := range s.tokens {
		if token.UserID == userID && !token.Revoked {
			r := reason
			token.Revoked = true
			token.RevocationReason = &r
			revoked++
		}
	}
	return revoked, nil
}

func (s *memoryTokenStore) ListActiveForUser(
	_ context.Context,
	userID string,
) ([]RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []RefreshToken
	for _, token := range s.tokens {
		if token.UserID == userID && token.IsActive() {
			active = append(active, *token)
		}
	}
	return active, nil
}

func (s *memoryTokenStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	var deleted int64
	for id, token := range s.tokens {
		if token.ExpiresAt.Before(cutoff) {
			delete(s.byHash, token.TokenHash)
			delete(s.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryTokenStore) get(id string) *RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.tokens[id]
	return &cp
}

var _ Repository = (*memoryTokenStore)(nil)

func newTestEngine(store *memoryTokenStore) *FamilyEngine {
	return NewFamilyEngine(store, time.Hour, slog.Default())
}

func TestIssueInitial_StartsNewFamily(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)

	issued, err := engine.IssueInitial(
		context.Background(),
		"user-1",
		"agent",
		"10.0.0.1",
	)
	require.NoError(t, err)

	assert.Equal(t, issued.Token.ID, issued.Token.FamilyID)
	assert.Equal(t, core.HashToken(issued.Secret), issued.Token.TokenHash)
	assert.False(t, issued.Token.Revoked)
	assert.Equal(t, "user-1", issued.Token.UserID)
}

func TestRotate_IssuesNewTokenInSameFamily(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.IssueInitial(ctx, "user-1", "agent", "10.0.0.1")
	require.NoError(t, err)

	second, err := engine.Rotate(ctx, first.Secret, "agent", "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, first.Token.FamilyID, second.Token.FamilyID)
	assert.NotEqual(t, first.Token.ID, second.Token.ID)
	assert.NotEqual(t, first.Secret, second.Secret)

	consumed := store.get(first.Token.ID)
	assert.True(t, consumed.Revoked)
	assert.Equal(t, ReasonRotation, consumed.Reason())

	assert.False(t, second.Token.Revoked)
}

func TestRotate_UnknownToken(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)

	_, err := engine.Rotate(
		context.Background(),
		"never-issued",
		"agent",
		"10.0.0.1",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

// brokenLookupStore simulates a storage outage on lookups while the
// rest of the Repository keeps working.
type brokenLookupStore struct {
	*memoryTokenStore
	lookupErr error
}

func (s *brokenLookupStore) FindByHash(
	_ context.Context,
	_ string,
) (*RefreshToken, error) {
	return nil, s.lookupErr
}

func TestRotate_StorageErrorIsNotInvalidToken(t *testing.T) {
	inner := newMemoryTokenStore()
	engine := newTestEngine(inner)
	ctx := context.Background()

	issued, err := engine.IssueInitial(ctx, "user-1", "agent", "10.0.0.1")
	require.NoError(t, err)

	lookupErr := fmt.Errorf("find refresh token: connection refused")
	broken := &brokenLookupStore{memoryTokenStore: inner, lookupErr: lookupErr}

	_, err = NewFamilyEngine(broken, time.Hour, slog.Default()).
		Rotate(ctx, issued.Secret, "agent", "10.0.0.1")
	require.Error(t, err)

	// A storage failure must surface as itself, not as a bad token that
	// would force every refreshing client to log out.
	assert.ErrorIs(t, err, lookupErr)
	assert.NotErrorIs(t, err, core.ErrTokenInvalid)
	assert.NotErrorIs(t, err, core.ErrSessionCompromised)

	// The token survives the outage untouched.
	assert.False(t, inner.get(issued.Token.ID).Revoked)
}

func TestRotate_ExpiredToken(t *testing.T) {
	store := newMemoryTokenStore()
	engine := NewFamilyEngine(store, -time.Minute, slog.Default())

	issued, err := engine.IssueInitial(
		context.Background(),
		"user-1",
		"agent",
		"10.0.0.1",
	)
	require.NoError(t, err)

	_, err = engine.Rotate(
		context.Background(),
		issued.Secret,
		"agent",
		"10.0.0.1",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

func TestRotate_ReplayRevokesWholeFamily(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.IssueInitial(ctx, "user-1", "agent", "10.0.0.1")
	require.NoError(t, err)

	second, err := engine.Rotate(ctx, first.Secret, "agent", "10.0.0.1")
	require.NoError(t, err)

	third, err := engine.Rotate(ctx, second.Secret, "agent", "10.0.0.1")
	require.NoError(t, err)

	// Replay of the already-consumed first secret.
	_, err = engine.Rotate(ctx, first.Secret, "agent", "6.6.6.6")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSessionCompromised)

	// The still-active head of the chain is dead too.
	head := store.get(third.Token.ID)
	assert.True(t, head.Revoked)
	assert.Equal(t, ReasonTheftDetected, head.Reason())

	// And the legitimate holder cannot rotate it any more.
	_, err = engine.Rotate(ctx, third.Secret, "agent", "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSessionCompromised)
}

func TestRotate_TheftDoesNotTouchOtherFamilies(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	desktop, err := engine.IssueInitial(ctx, "user-1", "desktop", "10.0.0.1")
	require.NoError(t, err)
	phone, err := engine.IssueInitial(ctx, "user-1", "phone", "10.0.0.2")
	require.NoError(t, err)

	rotated, err := engine.Rotate(ctx, desktop.Secret, "desktop", "10.0.0.1")
	require.NoError(t, err)

	_, err = engine.Rotate(ctx, desktop.Secret, "desktop", "6.6.6.6")
	require.ErrorIs(t, err, core.ErrSessionCompromised)

	assert.True(t, store.get(rotated.Token.ID).Revoked)

	// The phone's session survives and keeps rotating.
	stillActive := store.get(phone.Token.ID)
	assert.False(t, stillActive.Revoked)

	_, err = engine.Rotate(ctx, phone.Secret, "phone", "10.0.0.2")
	require.NoError(t, err)
}

func TestRotate_ConcurrentUseHasOneWinner(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	issued, err := engine.IssueInitial(ctx, "user-1", "agent", "10.0.0.1")
	require.NoError(t, err)

	const attempts = 8
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, rotErr := engine.Rotate(ctx, issued.Secret, "agent", "10.0.0.1")
			results <- rotErr
		}()
	}
	wg.Wait()
	close(results)

	var wins, compromised int
	for err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, core.ErrSessionCompromised)
			compromised++
		}
	}

	assert.Equal(t, 1, wins, "exactly one rotation may win")
	assert.Equal(t, attempts-1, compromised)
}

func TestRevoke_SingleTokenOnly(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.IssueInitial(ctx, "user-1", "agent", "10.0.0.1")
	require.NoError(t, err)
	second, err := engine.Rotate(ctx, first.Secret, "agent", "10.0.0.1")
	require.NoError(t, err)

	token, err := engine.Revoke(ctx, second.Secret, "user-1", ReasonLogout)
	require.NoError(t, err)
	assert.Equal(t, second.Token.ID, token.ID)

	revoked := store.get(second.Token.ID)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, ReasonLogout, revoked.Reason())

	// The earlier token in the family keeps its rotation reason; logout
	// does not rewrite history.
	assert.Equal(t, ReasonRotation, store.get(first.Token.ID).Reason())
}

func TestRevoke_ForeignOwnerLeavesTokenIntact(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	issued, err := engine.IssueInitial(ctx, "victim", "agent", "10.0.0.1")
	require.NoError(t, err)

	// The ownership check must run before any mutation: a rejected
	// revoke leaves the victim's token untouched.
	_, err = engine.Revoke(ctx, issued.Secret, "intruder", ReasonLogout)
	require.ErrorIs(t, err, core.ErrForbidden)

	assert.False(t, store.get(issued.Token.ID).Revoked)

	// The victim's next rotation still works, with no theft signal.
	_, err = engine.Rotate(ctx, issued.Secret, "agent", "10.0.0.1")
	require.NoError(t, err)
}

func TestRevokeAllForUser_AcrossFamilies(t *testing.T) {
	store := newMemoryTokenStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	a, err := engine.IssueInitial(ctx, "user-1", "a", "10.0.0.1")
	require.NoError(t, err)
	b, err := engine.IssueInitial(ctx, "user-1", "b", "10.0.0.2")
	require.NoError(t, err)
	other, err := engine.IssueInitial(ctx, "user-2", "c", "10.0.0.3")
	require.NoError(t, err)

	require.NoError(
		t,
		engine.RevokeAllForUser(ctx, "user-1", ReasonPasswordChange),
	)

	assert.True(t, store.get(a.Token.ID).Revoked)
	assert.True(t, store.get(b.Token.ID).Revoked)
	assert.Equal(t, ReasonPasswordChange, store.get(a.Token.ID).Reason())

	assert.False(t, store.get(other.Token.ID).Revoked)
}
