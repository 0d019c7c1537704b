package sso

import "time"

// ProviderType represents the federation protocol a provider speaks
type ProviderType string

const (
	ProviderTypeOIDC ProviderType = "oidc"
	ProviderTypeSAML ProviderType = "saml"
)

// ProviderConfig represents a configured identity provider
type ProviderConfig struct {
	ID               int64        `json:"id"`
	Name             string       `json:"name"` // Unique internal name, used in login URLs
	DisplayName      string       `json:"display_name"`
	ProviderType     ProviderType `json:"provider_type"`
	Enabled          bool         `json:"enabled"`
	AutoProvision    bool         `json:"auto_provision"` // JIT user provisioning
	DefaultRole      string       `json:"default_role"`
	AllowedDomains   []string     `json:"allowed_domains,omitempty"` // Empty = any email domain
	GroupMapping     []GroupMap   `json:"group_mapping,omitempty"`
	OIDCConfig       *OIDCConfig  `json:"oidc_config,omitempty"`
	SAMLConfig       *SAMLConfig  `json:"saml_config,omitempty"`
	AttributeMapping AttributeMap `json:"attribute_mapping"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// OIDCConfig holds OpenID Connect configuration. When IssuerURL is set the
// endpoints are discovered; otherwise AuthURL/TokenURL/UserinfoURL are used
// as given.
type OIDCConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	IssuerURL    string   `json:"issuer_url,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	UserinfoURL  string   `json:"userinfo_url,omitempty"`
	Scopes       []string `json:"scopes"`
}

// SAMLConfig holds SAML 2.0 configuration
type SAMLConfig struct {
	EntityID     string `json:"entity_id"` // IdP entity id / issuer
	SSOURL       string `json:"sso_url"`
	Certificate  string `json:"certificate"` // PEM encoded IdP signing certificate
	PrivateKey   string `json:"-"`           // Never expose private key in JSON
	SignRequests bool   `json:"sign_requests"`
	ForceAuthn   bool   `json:"force_authn"`
	NameIDFormat string `json:"name_id_format,omitempty"`
	Binding      string `json:"binding,omitempty"` // "redirect" (default) or "post"
}

// AttributeMap defines how provider claims/attributes map to user fields
type AttributeMap struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Groups string `json:"groups,omitempty"`
}

// GroupMap maps an IdP group name to an internal role
type GroupMap struct {
	Group string `json:"group"`
	Role  string `json:"role"`
}

// Identity is the normalized result of a completed federation exchange,
// independent of the protocol that produced it.
type Identity struct {
	ExternalID   string            `json:"external_id"`
	Email        string            `json:"email"`
	Name         string            `json:"name,omitempty"`
	Groups       []string          `json:"groups,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ProviderID   int64             `json:"provider_id"`
	ProviderName string            `json:"provider_name"`
}

// PendingFlow is the server-side state of an in-flight login, keyed by the
// OIDC state value or the SAML request id. Stored in Redis with a TTL and
// consumed exactly once.
type PendingFlow struct {
	Provider     string    `json:"provider"`
	PKCEVerifier string    `json:"pkce_verifier,omitempty"`
	RequestID    string    `json:"request_id,omitempty"` // SAML AuthnRequest ID
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
