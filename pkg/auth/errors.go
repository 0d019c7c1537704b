package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the credential engines. Handlers map these onto the
// structured error body; nothing below ever grants access on an ambiguous
// input, every unknown shape fails closed.
var (
	// ErrInvalidCredentials covers bad email/password pairs. Deliberately
	// indistinguishable from "no such user" to avoid account enumeration.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidAPIKey covers malformed keys, unknown lookup ids, and hash
	// mismatches, all indistinguishable from each other.
	ErrInvalidAPIKey = errors.New("invalid API key")

	ErrKeyRevoked        = errors.New("API key has been revoked")
	ErrKeyExpired        = errors.New("API key has expired")
	ErrIPNotAllowed      = errors.New("request IP is not in the key's allow list")
	ErrInsufficientScope = errors.New("API key does not grant the required scope")

	ErrTokenExpired = errors.New("session token has expired")
	ErrTokenInvalid = errors.New("session token is invalid")
	ErrTokenRevoked = errors.New("session token has been revoked")

	ErrAccountDisabled      = errors.New("account is disabled")
	ErrRegistrationDisabled = errors.New("registration is disabled")
	ErrEmailExists          = errors.New("a user with this email already exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrRoleNotFound         = errors.New("role not found")
	ErrKeyNotFound          = errors.New("API key not found")

	ErrMFARequired = errors.New("MFA code required")
	ErrMFAInvalid  = errors.New("invalid MFA code")
	ErrMFANotSetup = errors.New("MFA is not set up for this account")
)

// RateLimitedError reports a rate-limit rejection together with the time
// remaining until the window resets, surfaced as Retry-After.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsRateLimited reports whether err is a rate-limit rejection and returns it
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
