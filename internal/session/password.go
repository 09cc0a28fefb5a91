package session

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 12
	maxPasswordLength = 200

	defaultHistorySize = 5
)

const specialCharacters = `!@#$%^&*()_+-=[]{}|;:'",.<>?/~` + "`"

var weakSubstrings = []string{
	"password",
	"passwort",
	"123456",
	"qwerty",
	"letmein",
	"welcome",
	"iloveyou",
	"admin",
}

type PasswordValidation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// ValidatePasswordStrength checks every rule and accumulates all violations,
// so the caller can display the full list at once instead of one at a time.
func ValidatePasswordStrength(password string) PasswordValidation {
	var errs []string

	if len(password) < minPasswordLength {
		errs = append(errs, fmt.Sprintf("must be at least %d characters long", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		errs = append(errs, fmt.Sprintf("must be at most %d characters long", maxPasswordLength))
	}

	var hasLower, hasUpper, hasDigit, hasSpecial, hasNonAlnum bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
		if strings.ContainsRune(specialCharacters, r) {
			hasSpecial = true
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			hasNonAlnum = true
		}
	}

	if !hasLower {
		errs = append(errs, "must contain a lowercase letter")
	}
	if !hasUpper {
		errs = append(errs, "must contain an uppercase letter")
	}
	if !hasDigit {
		errs = append(errs, "must contain a digit")
	}
	if !hasSpecial {
		errs = append(errs, "must contain a special character")
	}
	if !hasNonAlnum {
		errs = append(errs, "must contain a non-alphanumeric character")
	}

	lowered := strings.ToLower(password)
	for _, weak := range weakSubstrings {
		if strings.Contains(lowered, weak) {
			errs = append(errs, fmt.Sprintf("must not contain %q", weak))
			break
		}
	}

	return PasswordValidation{IsValid: len(errs) == 0, Errors: errs}
}

// IsPasswordReused compares a candidate against the bounded most-recent-first
// password history with the same bcrypt primitive used for login.
func (s *Service) IsPasswordReused(ctx context.Context, userID, candidate string) (bool, error) {
	hashes, err := s.store.PasswordHistory(ctx, userID, s.historySize)
	if err != nil {
		return false, err
	}

	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
			return true, nil
		}
	}

	return false, nil
}
