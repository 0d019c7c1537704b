// Package audit produces structured records of authentication and
// authorization decisions. Storage is pluggable via the Sink interface; the
// identity core only emits records.
package audit

import (
	"context"
	"time"
)

// Decision is the outcome of an authn/authz check
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Common audit action constants
const (
	ActionLoginLocal    = "auth.login.local"
	ActionLoginOIDC     = "auth.login.oidc"
	ActionLoginSAML     = "auth.login.saml"
	ActionLoginAPIKey   = "auth.login.api_key"
	ActionSessionVerify = "auth.session.verify"
	ActionLogout        = "auth.logout"
	ActionTokenRefresh  = "auth.token.refresh"
	ActionRegister      = "auth.register"
	ActionMFASetup      = "auth.mfa.setup"
	ActionMFAVerify     = "auth.mfa.verify"
	ActionMFADisable    = "auth.mfa.disable"
	ActionKeyCreate     = "auth.api_key.create"
	ActionKeyRevoke     = "auth.api_key.revoke"
	ActionKeyRegenerate = "auth.api_key.regenerate"
	ActionAuthorize     = "authz.check"
)

// Record is a single authn/authz decision event
type Record struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	UserID    *int64    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Sink receives audit records. Implementations must be safe for concurrent
// use; a failing sink must never block or fail the request path.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
	Close() error
}

// NopSink discards all records
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, rec Record) error { return nil }
func (NopSink) Close() error                               { return nil }

// Allow builds an allow record
func Allow(action string, userID int64, email string) Record {
	return Record{
		Time:     time.Now().UTC(),
		UserID:   &userID,
		Email:    email,
		Action:   action,
		Decision: DecisionAllow,
	}
}

// Deny builds a deny record
func Deny(action, reason string) Record {
	return Record{
		Time:     time.Now().UTC(),
		Action:   action,
		Decision: DecisionDeny,
		Reason:   reason,
	}
}
