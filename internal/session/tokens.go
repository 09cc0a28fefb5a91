package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer     = "store-gateway"
	audienceAccess  = "store-gateway:access"
	audienceRefresh = "store-gateway:refresh"

	defaultAccessTTL  = 24 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the payload of an access token.
type Claims struct {
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Admin         bool   `json:"admin,omitempty"`
	SessionID     string `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims carries just enough to mint a new access token. The distinct
// audience keeps a refresh token from being replayed as an access token even
// though both validate under the same key.
type RefreshClaims struct {
	SessionID    string `json:"sid"`
	TokenVersion int64  `json:"tv"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
}

func (m *TokenManager) WithTTLs(accessTTL, refreshTTL time.Duration) {
	if accessTTL > 0 {
		m.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		m.refreshTTL = refreshTTL
	}
}

func (m *TokenManager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// IssueAccess signs a short-lived access token for the user under a fresh or
// caller-provided session id.
func (m *TokenManager) IssueAccess(user User, sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email:         user.Email,
		DisplayName:   user.DisplayName,
		EmailVerified: user.EmailVerified,
		Admin:         user.IsAdmin,
		SessionID:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return encoded, nil
}

func (m *TokenManager) IssueRefresh(userID, sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := RefreshClaims{
		SessionID:    sessionID,
		TokenVersion: now.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	return encoded, nil
}

// Verify validates signature, algorithm, issuer, audience and expiry of an
// access token. Any failure, including malformed input, yields nil claims;
// nothing propagates across the trust boundary.
func (m *TokenManager) Verify(tokenStr string) *Claims {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audienceAccess),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil
	}

	return claims
}

func (m *TokenManager) VerifyRefresh(tokenStr string) *RefreshClaims {
	claims := &RefreshClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audienceRefresh),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil
	}

	return claims
}

func IsAdmin(claims *Claims) bool {
	return claims != nil && claims.Admin
}

// CanAccessResource grants admins access to any resource; everyone else must
// own it.
func CanAccessResource(claims *Claims, ownerID string) bool {
	if claims == nil {
		return false
	}
	if claims.Admin {
		return true
	}
	return claims.Subject != "" && claims.Subject == ownerID
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
