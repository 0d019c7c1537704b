package sso

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/resolvehq/resolve/pkg/observability"
)

// OIDCClient drives the authorization-code flow with PKCE against a
// configured provider. Pending state lives in the shared FlowStore so any
// instance can complete a login another instance started.
type OIDCClient struct {
	flows       *FlowStore
	logger      *observability.Logger
	redirectURL string
	timeout     time.Duration
}

func NewOIDCClient(flows *FlowStore, logger *observability.Logger, redirectURL string, timeout time.Duration) *OIDCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OIDCClient{
		flows:       flows,
		logger:      logger,
		redirectURL: redirectURL,
		timeout:     timeout,
	}
}

// StartLogin generates state and a PKCE pair, records the pending flow, and
// returns the IdP authorization URL to redirect the user to.
func (c *OIDCClient) StartLogin(ctx context.Context, config *ProviderConfig) (string, error) {
	if config.OIDCConfig == nil {
		return "", fmt.Errorf("provider %s has no OIDC config", config.Name)
	}

	oauthCfg, _, err := c.buildOAuth2Config(ctx, config)
	if err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	flow := &PendingFlow{
		Provider:     config.Name,
		PKCEVerifier: verifier,
		RedirectURI:  c.redirectURL,
		CreatedAt:    time.Now(),
	}
	if err := c.flows.Put(ctx, state, flow); err != nil {
		return "", err
	}

	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier))
	return authURL, nil
}

// HandleCallback exchanges the code using the PKCE verifier from the
// already-consumed pending flow and returns the normalized identity. The
// caller consumed the flow, so a resubmitted callback can never get here.
func (c *OIDCClient) HandleCallback(ctx context.Context, config *ProviderConfig, flow *PendingFlow, code string) (*Identity, error) {
	if flow.Provider != config.Name {
		return nil, ErrInvalidState
	}

	oauthCfg, provider, err := c.buildOAuth2Config(ctx, config)
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := oauthCfg.Exchange(exchangeCtx, code, oauth2.VerifierOption(flow.PKCEVerifier))
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	claims := map[string]interface{}{}
	var subject string

	if provider != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing id_token in response", ErrTokenExchange)
		}
		verifier := provider.Verifier(&oidc.Config{ClientID: config.OIDCConfig.ClientID})
		idToken, err := verifier.Verify(exchangeCtx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse id token claims: %w", err)
		}
		subject = idToken.Subject
	}

	// Without discovery there is no JWKS to check an id token against, so
	// the userinfo endpoint is the source of truth for claims.
	if config.OIDCConfig.UserinfoURL != "" {
		userinfo, err := c.fetchUserinfo(exchangeCtx, config.OIDCConfig.UserinfoURL, token)
		if err != nil {
			if provider == nil {
				return nil, err
			}
			c.logger.WithError(err).WithField("provider", config.Name).Warn("userinfo fetch failed, using id token claims only")
		} else {
			for k, v := range userinfo {
				if _, exists := claims[k]; !exists {
					claims[k] = v
				}
			}
		}
	} else if provider == nil {
		return nil, fmt.Errorf("provider %s has neither issuer nor userinfo URL", config.Name)
	}

	identity := identityFromClaims(config, claims)
	if identity.ExternalID == "" {
		identity.ExternalID = subject
	}
	if identity.ExternalID == "" {
		identity.ExternalID = identity.Email
	}
	if identity.Email == "" {
		return nil, ErrMissingEmail
	}
	return identity, nil
}

// buildOAuth2Config assembles the oauth2 client either from discovery or
// from explicitly configured endpoints. The returned provider is nil in the
// explicit-endpoints case.
func (c *OIDCClient) buildOAuth2Config(ctx context.Context, config *ProviderConfig) (*oauth2.Config, *oidc.Provider, error) {
	cfg := config.OIDCConfig

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       scopes,
	}

	if cfg.IssuerURL != "" {
		discoverCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		provider, err := oidc.NewProvider(discoverCtx, cfg.IssuerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: discovery failed: %v", ErrProviderDown, err)
		}
		oauthCfg.Endpoint = provider.Endpoint()
		return oauthCfg, provider, nil
	}

	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, nil, fmt.Errorf("provider %s has neither issuer nor explicit endpoints", config.Name)
	}
	oauthCfg.Endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	return oauthCfg, nil, nil
}

func (c *OIDCClient) fetchUserinfo(ctx context.Context, userinfoURL string, token *oauth2.Token) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo returned %d", ErrTokenExchange, resp.StatusCode)
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return claims, nil
}

// classifyExchangeError separates a provider that said no from a provider
// that could not be reached.
func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %s", ErrTokenExchange, retrieveErr.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return fmt.Errorf("%w: %v", ErrTokenExchange, err)
}

// identityFromClaims applies the provider's attribute mapping with sensible
// defaults for the standard OIDC claim names.
func identityFromClaims(config *ProviderConfig, claims map[string]interface{}) *Identity {
	mapping := config.AttributeMapping
	if mapping.UserID == "" {
		mapping.UserID = "sub"
	}
	if mapping.Email == "" {
		mapping.Email = "email"
	}
	if mapping.Name == "" {
		mapping.Name = "name"
	}
	if mapping.Groups == "" {
		mapping.Groups = "groups"
	}

	identity := &Identity{
		ProviderID:   config.ID,
		ProviderName: config.Name,
		Attributes:   make(map[string]string),
	}
	for k, v := range claims {
		if str, ok := v.(string); ok {
			identity.Attributes[k] = str
		}
	}

	identity.ExternalID = getStringValue(claims, mapping.UserID)
	identity.Email = getStringValue(claims, mapping.Email)
	identity.Name = getStringValue(claims, mapping.Name)
	identity.Groups = getArrayValue(claims, mapping.Groups)
	return identity
}

func getStringValue(claims map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func getArrayValue(claims map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	switch v := claims[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
