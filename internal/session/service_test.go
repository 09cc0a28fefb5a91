package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"store-gateway/internal/observability"
)

type fakeStore struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	attempts     map[string]LoginAttempt
	refresh      map[string]*RefreshTokenRecord
	history      map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		attempts:     make(map[string]LoginAttempt),
		refresh:      make(map[string]*RefreshTokenRecord),
		history:      make(map[string][]string),
	}
}

func (f *fakeStore) addUser(t *testing.T, user User, password string) User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user.PasswordHash = string(hash)

	f.usersByEmail[user.Email] = user
	f.usersByID[user.ID] = user
	return user
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[email]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (User, error) {
	user, ok := f.usersByID[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpsertAdminUser(ctx context.Context, email, plainPassword string) error {
	return nil
}

func (f *fakeStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	user, ok := f.usersByID[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.usersByID[userID] = user
	f.usersByEmail[user.Email] = user
	return nil
}

func (f *fakeStore) GetLoginAttempt(ctx context.Context, identity string) (LoginAttempt, error) {
	attempt, ok := f.attempts[identity]
	if !ok {
		return LoginAttempt{Identity: identity}, nil
	}
	return attempt, nil
}

func (f *fakeStore) RegisterFailedAttempt(ctx context.Context, identity string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	attempt := f.attempts[identity]

	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return attempt.LockedUntil, nil
	}

	attempt.Identity = identity
	attempt.FailedAttempts++
	attempt.LockedUntil = nil
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
	}
	f.attempts[identity] = attempt

	return attempt.LockedUntil, nil
}

func (f *fakeStore) ResetLoginAttempt(ctx context.Context, identity string) error {
	delete(f.attempts, identity)
	return nil
}

func (f *fakeStore) CreateRefreshToken(ctx context.Context, userID, sessionID, rawToken string, expiresAt time.Time) error {
	f.refresh[rawToken] = &RefreshTokenRecord{UserID: userID, SessionID: sessionID, ExpiresAt: expiresAt}
	return nil
}

func (f *fakeStore) RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, string, error) {
	record, ok := f.refresh[rawOldToken]
	if !ok || record.RevokedAt != nil || time.Now().After(record.ExpiresAt) {
		return "", "", ErrInvalidRefreshToken
	}

	now := time.Now()
	record.RevokedAt = &now
	f.refresh[rawNewToken] = &RefreshTokenRecord{UserID: record.UserID, SessionID: record.SessionID, ExpiresAt: newExpiresAt}

	return record.UserID, record.SessionID, nil
}

func (f *fakeStore) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	if record, ok := f.refresh[rawToken]; ok {
		now := time.Now()
		record.RevokedAt = &now
	}
	return nil
}

func (f *fakeStore) PasswordHistory(ctx context.Context, userID string, limit int) ([]string, error) {
	hashes := f.history[userID]
	if len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (f *fakeStore) AppendPasswordHistory(ctx context.Context, userID, passwordHash string, keep int) error {
	hashes := append([]string{passwordHash}, f.history[userID]...)
	if len(hashes) > keep {
		hashes = hashes[:keep]
	}
	f.history[userID] = hashes
	return nil
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, NewTokenManager(testSecret), observability.NewLogger())
}

const goodPassword = "Correct Horse 9!"

func TestLoginSuccess(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)

	tokens, err := s.Login(context.Background(), "alice@example.com", goodPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)

	claims := s.Tokens().Verify(tokens.AccessToken)
	require.NotNil(t, claims)
	assert.NotEmpty(t, claims.SessionID)
}

func TestLoginFreshSessionIDPerLogin(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	first, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)
	second, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)

	assert.NotEqual(t,
		s.Tokens().Verify(first.AccessToken).SessionID,
		s.Tokens().Verify(second.AccessToken).SessionID,
	)
}

func TestLoginLockoutAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Login(ctx, "alice@example.com", "Wrong Horse 9!!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Fifth consecutive failure starts the lockout window.
	_, err := s.Login(ctx, "alice@example.com", "Wrong Horse 9!!!")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)

	// Even the correct password is rejected while locked; the hash is
	// never consulted.
	_, err = s.Login(ctx, "alice@example.com", goodPassword)
	require.ErrorAs(t, err, &locked)
}

func TestLoginLockoutExpires(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	store.attempts["alice@example.com"] = LoginAttempt{Identity: "alice@example.com", LockedUntil: &past}

	_, err := s.Login(ctx, "alice@example.com", goodPassword)
	assert.NoError(t, err)
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = s.Login(ctx, "alice@example.com", "Wrong Horse 9!!!")
	}

	_, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)

	// Counter starts over: four more failures do not lock.
	for i := 0; i < 4; i++ {
		_, err := s.Login(ctx, "alice@example.com", "Wrong Horse 9!!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestLoginUnknownUserCountsAsFailure(t *testing.T) {
	store := newFakeStore()
	s := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Login(ctx, "ghost@example.com", "Wrong Horse 9!!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := s.Login(ctx, "ghost@example.com", "Wrong Horse 9!!!")
	var locked ErrLoginLocked
	assert.ErrorAs(t, err, &locked)
}

func TestCheckLoginLockout(t *testing.T) {
	store := newFakeStore()
	s := newTestService(store)
	ctx := context.Background()

	allowed, _, err := s.CheckLoginLockout(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, allowed)

	until := time.Now().UTC().Add(10 * time.Minute)
	store.attempts["alice@example.com"] = LoginAttempt{LockedUntil: &until}

	allowed, remaining, err := s.CheckLoginLockout(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, remaining, 9*time.Minute)
}

func TestRefreshRotatesToken(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	tokens, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)

	rotated, err := s.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	// Session id survives rotation.
	assert.Equal(t,
		s.Tokens().Verify(tokens.AccessToken).SessionID,
		s.Tokens().Verify(rotated.AccessToken).SessionID,
	)

	// The old refresh token is single-use.
	_, err = s.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	tokens, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)

	_, err = s.Refresh(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	tokens, err := s.Login(ctx, "alice@example.com", goodPassword)
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, tokens.RefreshToken))

	_, err = s.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestChangePasswordRejectsWeakAndReused(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	var weak ErrWeakPassword
	err := s.ChangePassword(ctx, user.ID, goodPassword, "weak")
	require.ErrorAs(t, err, &weak)
	assert.NotEmpty(t, weak.Validation.Errors)

	require.NoError(t, s.ChangePassword(ctx, user.ID, goodPassword, "Str0ng&Unique"))

	// The new password is now in the history: switching back to it is
	// rejected.
	err = s.ChangePassword(ctx, "0192fc3e-user", "Str0ng&Unique", "Str0ng&Unique")
	assert.ErrorIs(t, err, ErrPasswordReused)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)

	err := s.ChangePassword(context.Background(), user.ID, "Wrong Horse 9!!!", "Str0ng&Unique")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBootstrapAdminRequiresBoth(t *testing.T) {
	store := newFakeStore()
	s := newTestService(store)
	ctx := context.Background()

	assert.NoError(t, s.BootstrapAdmin(ctx, "", ""))
	assert.Error(t, s.BootstrapAdmin(ctx, "admin@example.com", ""))
	assert.NoError(t, s.BootstrapAdmin(ctx, "admin@example.com", goodPassword))
}

func TestErrorsAreGeneric(t *testing.T) {
	// Oracle resistance: unknown user and wrong password yield the same
	// error value.
	store := newFakeStore()
	store.addUser(t, testUser(), goodPassword)
	s := newTestService(store)
	ctx := context.Background()

	_, errUnknown := s.Login(ctx, "ghost@example.com", "Wrong Horse 9!!!")
	_, errWrong := s.Login(ctx, "alice@example.com", "Wrong Horse 9!!!")

	assert.True(t, errors.Is(errUnknown, ErrInvalidCredentials))
	assert.True(t, errors.Is(errWrong, ErrInvalidCredentials))
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}
