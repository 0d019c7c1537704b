package auth

import (
	"time"

	"github.com/resolvehq/resolve/pkg/rbac"
)

// AuthSource records which identity source created or owns a user
type AuthSource string

const (
	SourceLocal AuthSource = "local"
	SourceOIDC  AuthSource = "oidc"
	SourceSAML  AuthSource = "saml"
)

// User is the internal principal every external identity normalizes into.
// Users are never physically deleted while referenced by history; disable
// instead.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	RoleID       int64      `json:"role_id"`
	AuthSource   AuthSource `json:"auth_source"`
	Active       bool       `json:"active"`
	PasswordHash string     `json:"-"`
	MFASecret    string     `json:"-"`
	MFAEnabled   bool       `json:"mfa_enabled"`
	// TokenVersion invalidates outstanding session tokens when bumped
	// (role change, password change, forced logout).
	TokenVersion int        `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Role groups permissions and carries a hierarchy level; a higher level is
// more senior. Equal levels confer no privilege over each other.
type Role struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	HierarchyLevel int               `json:"hierarchy_level"`
	Permissions    []rbac.Permission `json:"permissions"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// APIKey is a long-lived bearer credential. The plaintext secret exists only
// in the issuance response; at rest only its one-way hash is kept.
type APIKey struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	LookupID   string     `json:"lookup_id"` // 8-char plaintext prefix, indexed for O(1) lookup
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"` // CIDR list; empty allows all
	RateLimit  int        `json:"rate_limit"`            // requests per minute; 0 disables
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScopeAll grants every scope
const ScopeAll = "all"

// HasScope reports whether the key grants the given scope
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// ClientAccess is a per-(user, client) overlay narrowing client-scoped
// operations regardless of global role.
type ClientAccess struct {
	UserID   int64                  `json:"user_id"`
	ClientID int64                  `json:"client_id"`
	Level    rbac.ClientAccessLevel `json:"level"`
}

// Principal builds the authorization view of a user with its role snapshot
func Principal(u *User, r *Role) rbac.Principal {
	return rbac.Principal{
		UserID:         u.ID,
		Email:          u.Email,
		Role:           r.Name,
		HierarchyLevel: r.HierarchyLevel,
		Permissions:    r.Permissions,
	}
}
