package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"store-gateway/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrPasswordReused      = errors.New("password was used recently")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type ErrWeakPassword struct {
	Validation PasswordValidation
}

func (e ErrWeakPassword) Error() string {
	return "password does not meet the policy"
}

// Store is the persistence surface the session authority needs. Repository
// is the Postgres implementation.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	UpsertAdminUser(ctx context.Context, email, plainPassword string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	GetLoginAttempt(ctx context.Context, identity string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, identity string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, identity string) error

	CreateRefreshToken(ctx context.Context, userID, sessionID, rawToken string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error

	PasswordHistory(ctx context.Context, userID string, limit int) ([]string, error)
	AppendPasswordHistory(ctx context.Context, userID, passwordHash string, keep int) error
}

type Service struct {
	store        Store
	tokens       *TokenManager
	logger       *observability.Logger
	maxAttempts  int
	lockDuration time.Duration
	historySize  int
}

func NewService(store Store, tokens *TokenManager, logger *observability.Logger) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		historySize:  defaultHistorySize,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, historySize int) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if historySize > 0 {
		s.historySize = historySize
	}
}

func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

// CheckLoginLockout reports whether an identity may attempt a login and, if
// not, for how long it stays locked. An expired lockout reads as clear; state
// resets on the next registered attempt.
func (s *Service) CheckLoginLockout(ctx context.Context, identity string) (bool, time.Duration, error) {
	attempt, err := s.store.GetLoginAttempt(ctx, identity)
	if err != nil {
		return false, 0, err
	}

	now := time.Now().UTC()
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return false, attempt.LockedUntil.Sub(now), nil
	}

	return true, 0, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Tokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)

	if email == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	attempt, err := s.store.GetLoginAttempt(ctx, email)
	if err != nil {
		return Tokens{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		// Locked identities are rejected before the password is checked.
		return Tokens{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, s.registerFailure(ctx, email, now)
		}
		return Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, s.registerFailure(ctx, email, now)
	}

	if err := s.store.ResetLoginAttempt(ctx, email); err != nil {
		return Tokens{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) registerFailure(ctx context.Context, identity string, now time.Time) error {
	lockedUntil, err := s.store.RegisterFailedAttempt(ctx, identity, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		s.logger.Warn("login_lockout_started", map[string]any{
			"identity":     identity,
			"locked_until": lockedUntil.Format(time.RFC3339),
		})
		return ErrLoginLocked{Until: *lockedUntil}
	}

	return ErrInvalidCredentials
}

// issueSession mints a fresh session id plus access and refresh tokens. The
// refresh token is also hash-persisted so rotation and logout can revoke it.
func (s *Service) issueSession(ctx context.Context, user User) (Tokens, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate session id: %w", err)
	}

	access, err := s.tokens.IssueAccess(user, sessionID)
	if err != nil {
		return Tokens{}, err
	}

	refresh, err := s.tokens.IssueRefresh(user.ID, sessionID)
	if err != nil {
		return Tokens{}, err
	}

	expiresAt := time.Now().UTC().Add(s.tokens.RefreshTTL())
	if err := s.store.CreateRefreshToken(ctx, user.ID, sessionID, refresh, expiresAt); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Refresh rotates a refresh token and mints a new access token. The session
// id survives rotation; only the refresh credential changes.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	claims := s.tokens.VerifyRefresh(refreshToken)
	if claims == nil {
		return Tokens{}, ErrInvalidRefreshToken
	}

	newRefresh, err := s.tokens.IssueRefresh(claims.Subject, claims.SessionID)
	if err != nil {
		return Tokens{}, err
	}

	newExp := time.Now().UTC().Add(s.tokens.RefreshTTL())
	userID, sessionID, err := s.store.RotateRefreshToken(ctx, refreshToken, newRefresh, newExp)
	if err != nil {
		return Tokens{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Tokens{}, err
	}

	access, err := s.tokens.IssueAccess(user, sessionID)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	return s.store.RevokeRefreshToken(ctx, refreshToken)
}

// ChangePassword enforces the strength policy and the reuse check before
// swapping the hash and recording the new one in the bounded history.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	if validation := ValidatePasswordStrength(next); !validation.IsValid {
		return ErrWeakPassword{Validation: validation}
	}

	reused, err := s.IsPasswordReused(ctx, userID, next)
	if err != nil {
		return err
	}
	if reused {
		return ErrPasswordReused
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}

	return s.store.AppendPasswordHistory(ctx, userID, string(hash), s.historySize)
}

func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	return s.store.UpsertAdminUser(ctx, email, password)
}
