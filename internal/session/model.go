package session

import "time"

type User struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	EmailVerified bool
	IsAdmin       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshTokenRecord struct {
	ID        string
	UserID    string
	SessionID string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type LoginAttempt struct {
	Identity       string
	FailedAttempts int
	LockedUntil    *time.Time
}
