package sso

import "errors"

var (
	ErrProviderNotFound  = errors.New("identity provider not found")
	ErrProviderDisabled  = errors.New("identity provider is disabled")
	ErrProviderExists    = errors.New("identity provider name already in use")
	ErrInvalidState      = errors.New("invalid or expired login state")
	ErrTokenExchange     = errors.New("authorization code exchange rejected")
	ErrProviderDown      = errors.New("identity provider unavailable")
	ErrMissingEmail      = errors.New("identity contains no email claim")
	ErrDomainNotAllowed  = errors.New("email domain not allowed for this provider")
	ErrInvalidAssertion  = errors.New("assertion failed validation")
	ErrUnsolicitedAssertion = errors.New("assertion does not match any pending request")
	ErrAssertionExpired  = errors.New("assertion is outside its validity window")
	ErrAssertionReplayed = errors.New("assertion has already been presented")
)
