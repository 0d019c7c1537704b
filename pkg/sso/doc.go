// Package sso implements federated login against external identity
// providers over OIDC (authorization code with PKCE) and SAML 2.0.
//
// Every login is SP-initiated: StartLogin records a pending flow in Redis
// keyed by the OIDC state or the SAML request id, and the callback must
// consume that flow exactly once before any identity is trusted. Resolved
// identities are matched to internal accounts by email, with optional
// just-in-time provisioning and IdP-group to role mapping per provider.
package sso
