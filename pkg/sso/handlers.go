package sso

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/resolvehq/resolve/pkg/async"
	"github.com/resolvehq/resolve/pkg/audit"
	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/httputil"
	"github.com/resolvehq/resolve/pkg/observability"
)

// Handlers exposes the federation endpoints: login initiation, callbacks,
// SP metadata, and provider administration.
type Handlers struct {
	storage *Storage
	oidc    *OIDCClient
	saml    *SAMLClient
	resolve *Resolver
	tokens  *auth.TokenIssuer
	store   *auth.Store
	sink    audit.Sink
	metrics *observability.Metrics
	logger  *observability.Logger
}

func NewHandlers(
	storage *Storage,
	oidcClient *OIDCClient,
	samlClient *SAMLClient,
	resolver *Resolver,
	tokens *auth.TokenIssuer,
	store *auth.Store,
	sink audit.Sink,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Handlers {
	return &Handlers{
		storage: storage,
		oidc:    oidcClient,
		saml:    samlClient,
		resolve: resolver,
		tokens:  tokens,
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

// RegisterRoutes registers the public federation routes. The exact paths
// are a compatibility contract with deployed IdP configurations.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/auth/oidc/providers", h.listOIDCProviders).Methods("GET")
	router.HandleFunc("/api/v1/auth/oidc/login/{name}", h.oidcLogin).Methods("GET")
	router.HandleFunc("/api/v1/auth/oidc/callback", h.oidcCallback).Methods("GET")

	router.HandleFunc("/api/v1/auth/saml/providers", h.listSAMLProviders).Methods("GET")
	router.HandleFunc("/api/v1/auth/saml/login/{name}", h.samlLogin).Methods("GET")
	router.HandleFunc("/api/v1/auth/saml/callback", h.samlCallback).Methods("GET", "POST")
	router.HandleFunc("/api/v1/auth/saml/metadata", h.samlMetadata).Methods("GET")
}

// RegisterAdminRoutes registers provider management. The caller wraps these
// with authentication and a roles.update permission check.
func (h *Handlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/auth/providers", h.createProvider).Methods("POST")
	router.HandleFunc("/api/v1/auth/providers/{name}", h.getProvider).Methods("GET")
	router.HandleFunc("/api/v1/auth/providers/{name}", h.updateProvider).Methods("PUT")
	router.HandleFunc("/api/v1/auth/providers/{name}", h.deleteProvider).Methods("DELETE")
}

// publicProvider is the directory listing shape: enough for a login page to
// render buttons, nothing operational.
type publicProvider struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	LoginURL    string `json:"login_url"`
}

func (h *Handlers) listProvidersOfType(w http.ResponseWriter, r *http.Request, pt ProviderType, loginPrefix string) {
	providers, err := h.storage.ListProviders(r.Context(), true)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	out := []publicProvider{}
	for _, p := range providers {
		if p.ProviderType != pt {
			continue
		}
		display := p.DisplayName
		if display == "" {
			display = p.Name
		}
		out = append(out, publicProvider{
			Name:        p.Name,
			DisplayName: display,
			LoginURL:    loginPrefix + p.Name,
		})
	}
	httputil.WriteSuccess(w, out)
}

func (h *Handlers) listOIDCProviders(w http.ResponseWriter, r *http.Request) {
	h.listProvidersOfType(w, r, ProviderTypeOIDC, "/api/v1/auth/oidc/login/")
}

func (h *Handlers) listSAMLProviders(w http.ResponseWriter, r *http.Request) {
	h.listProvidersOfType(w, r, ProviderTypeSAML, "/api/v1/auth/saml/login/")
}

func (h *Handlers) oidcLogin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	config, err := h.storage.GetEnabledProvider(r.Context(), name)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	if config.ProviderType != ProviderTypeOIDC {
		httputil.WriteNotFound(w, "PROVIDER_NOT_FOUND", "no such OIDC provider")
		return
	}

	authURL, err := h.oidc.StartLogin(r.Context(), config)
	if err != nil {
		h.metrics.FederationFlows.WithLabelValues(name, "failed").Inc()
		h.writeSSOError(w, err)
		return
	}

	h.metrics.FederationFlows.WithLabelValues(name, "started").Inc()
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		if errParam := query.Get("error"); errParam != "" {
			httputil.WriteUnauthorized(w, "TOKEN_EXCHANGE_FAILED", "identity provider returned "+errParam)
			return
		}
		httputil.WriteBadRequest(w, "missing state or code parameter")
		return
	}

	// Consuming the flow identifies the provider and retires the state in
	// one atomic step; a resubmitted callback fails here.
	flow, err := h.oidc.flows.Consume(r.Context(), state)
	if err != nil {
		h.denyLogin(r, audit.ActionLoginOIDC, "", err)
		h.writeSSOError(w, err)
		return
	}
	config, err := h.storage.GetEnabledProvider(r.Context(), flow.Provider)
	if err != nil {
		h.denyLogin(r, audit.ActionLoginOIDC, flow.Provider, err)
		h.writeSSOError(w, err)
		return
	}

	identity, err := h.oidc.HandleCallback(r.Context(), config, flow, code)
	if err != nil {
		h.metrics.FederationFlows.WithLabelValues(config.Name, "failed").Inc()
		h.denyLogin(r, audit.ActionLoginOIDC, config.Name, err)
		h.writeSSOError(w, err)
		return
	}

	h.completeLogin(w, r, audit.ActionLoginOIDC, config, identity)
}

func (h *Handlers) samlLogin(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	config, err := h.storage.GetEnabledProvider(r.Context(), name)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	if config.ProviderType != ProviderTypeSAML {
		httputil.WriteNotFound(w, "PROVIDER_NOT_FOUND", "no such SAML provider")
		return
	}

	redirect, err := h.saml.StartLogin(r.Context(), config)
	if err != nil {
		h.metrics.FederationFlows.WithLabelValues(name, "failed").Inc()
		h.writeSSOError(w, err)
		return
	}
	h.metrics.FederationFlows.WithLabelValues(name, "started").Inc()

	if redirect.URL != "" {
		http.Redirect(w, r, redirect.URL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(redirect.PostBody)
}

func (h *Handlers) samlCallback(w http.ResponseWriter, r *http.Request) {
	var samlResponse, relayState string
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			httputil.WriteBadRequest(w, "failed to parse form")
			return
		}
		samlResponse = r.FormValue("SAMLResponse")
		relayState = r.FormValue("RelayState")
	} else {
		samlResponse = r.URL.Query().Get("SAMLResponse")
		relayState = r.URL.Query().Get("RelayState")
	}
	if samlResponse == "" {
		httputil.WriteBadRequest(w, "missing SAMLResponse parameter")
		return
	}
	if relayState == "" {
		httputil.WriteBadRequest(w, "missing RelayState parameter")
		return
	}

	config, err := h.storage.GetEnabledProvider(r.Context(), relayState)
	if err != nil {
		h.denyLogin(r, audit.ActionLoginSAML, relayState, err)
		h.writeSSOError(w, err)
		return
	}
	if config.ProviderType != ProviderTypeSAML {
		httputil.WriteNotFound(w, "PROVIDER_NOT_FOUND", "no such SAML provider")
		return
	}

	identity, err := h.saml.HandleResponse(r.Context(), config, samlResponse)
	if err != nil {
		h.metrics.FederationFlows.WithLabelValues(config.Name, "failed").Inc()
		if errors.Is(err, ErrAssertionReplayed) {
			h.metrics.ReplayRejectsTotal.Inc()
		}
		h.denyLogin(r, audit.ActionLoginSAML, config.Name, err)
		h.writeSSOError(w, err)
		return
	}

	h.completeLogin(w, r, audit.ActionLoginSAML, config, identity)
}

func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("provider")
	var config *ProviderConfig
	var err error
	if name != "" {
		config, err = h.storage.GetProvider(r.Context(), name)
	} else {
		// Without an explicit provider, serve metadata for the first SAML
		// provider; the SP-side values are identical for all of them.
		var providers []*ProviderConfig
		providers, err = h.storage.ListProviders(r.Context(), false)
		if err == nil {
			for _, p := range providers {
				if p.ProviderType == ProviderTypeSAML {
					config = p
					break
				}
			}
			if config == nil {
				err = ErrProviderNotFound
			}
		}
	}
	if err != nil {
		h.writeSSOError(w, err)
		return
	}

	metadata, err := h.saml.Metadata(config)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

// loginResponse is shared with the local login endpoint's shape.
type loginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt string     `json:"expires_at"`
	User      *auth.User `json:"user"`
}

func (h *Handlers) completeLogin(w http.ResponseWriter, r *http.Request, action string, config *ProviderConfig, identity *Identity) {
	user, err := h.resolve.Resolve(r.Context(), config, identity)
	if err != nil {
		h.metrics.FederationFlows.WithLabelValues(config.Name, "failed").Inc()
		h.denyLogin(r, action, config.Name, err)
		h.writeSSOError(w, err)
		return
	}

	role, err := h.store.GetRole(r.Context(), user.RoleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(user, role)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	method := "oidc"
	if action == audit.ActionLoginSAML {
		method = "saml"
	}
	h.metrics.FederationFlows.WithLabelValues(config.Name, "completed").Inc()
	h.metrics.AuthAttemptsTotal.WithLabelValues(method, "success").Inc()

	rec := audit.Allow(action, user.ID, user.Email)
	rec.Provider = config.Name
	rec.IPAddress = httputil.ClientIP(r)
	rec.UserAgent = r.UserAgent()
	h.emit(r, rec)

	httputil.WriteSuccess(w, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		User:      user,
	})
}

func (h *Handlers) denyLogin(r *http.Request, action, provider string, cause error) {
	method := "oidc"
	if action == audit.ActionLoginSAML {
		method = "saml"
	}
	h.metrics.AuthAttemptsTotal.WithLabelValues(method, "failure").Inc()

	rec := audit.Deny(action, cause.Error())
	rec.Provider = provider
	rec.IPAddress = httputil.ClientIP(r)
	rec.UserAgent = r.UserAgent()
	h.emit(r, rec)
}

func (h *Handlers) emit(r *http.Request, rec audit.Record) {
	sink := h.sink
	async.SafeGo(r.Context(), 5*time.Second, "audit emit", func(ctx context.Context) error {
		return sink.Emit(ctx, rec)
	})
}

// writeSSOError maps federation errors onto the response taxonomy.
func (h *Handlers) writeSSOError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrProviderNotFound):
		httputil.WriteNotFound(w, "PROVIDER_NOT_FOUND", "identity provider not found")
	case errors.Is(err, ErrProviderDisabled):
		httputil.WriteForbidden(w, "PROVIDER_DISABLED", "identity provider is disabled")
	case errors.Is(err, ErrInvalidState):
		httputil.WriteUnauthorized(w, "EXPIRED", "login state is invalid or expired")
	case errors.Is(err, ErrUnsolicitedAssertion):
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "assertion does not match a pending request")
	case errors.Is(err, ErrAssertionReplayed):
		httputil.WriteUnauthorized(w, "REPLAY_DETECTED", "assertion has already been used")
	case errors.Is(err, ErrAssertionExpired):
		httputil.WriteUnauthorized(w, "EXPIRED", "assertion is outside its validity window")
	case errors.Is(err, ErrInvalidAssertion):
		httputil.WriteUnauthorized(w, "INVALID_SIGNATURE", "assertion failed validation")
	case errors.Is(err, ErrTokenExchange):
		httputil.WriteUnauthorized(w, "TOKEN_EXCHANGE_FAILED", "authorization code exchange failed")
	case errors.Is(err, ErrProviderDown):
		httputil.WriteBadGateway(w, "IDENTITY_PROVIDER_UNAVAILABLE", "identity provider unavailable")
	case errors.Is(err, ErrMissingEmail):
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "identity contains no email")
	case errors.Is(err, ErrDomainNotAllowed):
		httputil.WriteForbidden(w, "DOMAIN_NOT_ALLOWED", "email domain not allowed for this provider")
	case errors.Is(err, auth.ErrAccountDisabled):
		httputil.WriteForbidden(w, "ACCOUNT_DISABLED", "account is disabled")
	case errors.Is(err, auth.ErrUserNotFound):
		httputil.WriteForbidden(w, "REGISTRATION_DISABLED", "no matching account and provisioning is disabled")
	default:
		httputil.WriteInternalError(w, err)
	}
}
