package api

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
	"github.com/resolvehq/resolve/pkg/middleware"
	"github.com/resolvehq/resolve/pkg/observability"
)

// AuthHandlers serves the local credential, session, MFA, and API key
// endpoints.
type AuthHandlers struct {
	local   *auth.LocalAuthenticator
	mfa     *auth.MFAManager
	tokens  *auth.TokenIssuer
	keys    *auth.APIKeyEngine
	store   *auth.Store
	sink    audit.Sink
	metrics *observability.Metrics
	logger  *observability.Logger
}

func NewAuthHandlers(
	local *auth.LocalAuthenticator,
	mfa *auth.MFAManager,
	tokens *auth.TokenIssuer,
	keys *auth.APIKeyEngine,
	store *auth.Store,
	sink audit.Sink,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		local:   local,
		mfa:     mfa,
		tokens:  tokens,
		keys:    keys,
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

// RegisterPublicRoutes registers the unauthenticated credential surface.
// The caller wraps these with the login rate limiter.
func (h *AuthHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/auth/login", h.login).Methods("POST")
	router.HandleFunc("/api/v1/auth/register", h.register).Methods("POST")
}

// RegisterAuthedRoutes registers routes behind the auth middleware.
func (h *AuthHandlers) RegisterAuthedRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/auth/logout", h.logout).Methods("POST")
	router.HandleFunc("/api/v1/auth/me", h.me).Methods("GET")
	router.HandleFunc("/api/v1/auth/refresh", h.refresh).Methods("POST")

	router.HandleFunc("/api/v1/auth/mfa/setup", h.mfaSetup).Methods("POST")
	router.HandleFunc("/api/v1/auth/mfa/verify", h.mfaVerify).Methods("POST")
	router.HandleFunc("/api/v1/auth/mfa/disable", h.mfaDisable).Methods("POST")

	router.HandleFunc("/api/v1/auth/api-keys", h.listAPIKeys).Methods("GET")
	router.HandleFunc("/api/v1/auth/api-keys", h.createAPIKey).Methods("POST")
	router.HandleFunc("/api/v1/auth/api-keys/{id}", h.getAPIKey).Methods("GET")
	router.HandleFunc("/api/v1/auth/api-keys/{id}", h.revokeAPIKey).Methods("DELETE")
	router.HandleFunc("/api/v1/auth/api-keys/{id}/regenerate", h.regenerateAPIKey).Methods("POST")

	router.HandleFunc("/api/v1/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/api/v1/permissions", h.listPermissions).Methods("GET")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type sessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *auth.User `json:"user"`
}

// login handles POST /api/v1/auth/login
func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return
	}

	user, err := h.local.Authenticate(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		h.metrics.AuthAttemptsTotal.WithLabelValues("local", "failure").Inc()
		h.auditDeny(r, audit.ActionLoginLocal, req.Email, err)
		h.writeAuthError(w, err)
		return
	}

	resp, err := h.issueSession(r.Context(), user)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.metrics.AuthAttemptsTotal.WithLabelValues("local", "success").Inc()
	h.auditAllow(r, audit.ActionLoginLocal, user)
	httputil.WriteSuccess(w, resp)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// register handles POST /api/v1/auth/register
func (h *AuthHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return
	}

	user, err := h.local.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRegistrationDisabled):
			httputil.WriteForbidden(w, "REGISTRATION_DISABLED", "self-service registration is disabled")
		case errors.Is(err, auth.ErrEmailExists):
			httputil.WriteConflict(w, "EMAIL_EXISTS", "an account with this email already exists")
		default:
			httputil.WriteBadRequest(w, err.Error())
		}
		return
	}

	h.auditAllow(r, audit.ActionRegister, user)

	resp, err := h.issueSession(r.Context(), user)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, resp)
}

// logout handles POST /api/v1/auth/logout. Session tokens are stateless, so
// logout bumps the user's token version, which invalidates every
// outstanding token at the next verification.
func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	if err := h.store.BumpTokenVersion(r.Context(), authCtx.User.ID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionLogout, authCtx.User)
	httputil.WriteNoContent(w)
}

// me handles GET /api/v1/auth/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	role, err := h.store.GetRole(r.Context(), authCtx.User.RoleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user":        authCtx.User,
		"role":        role,
		"auth_method": authCtx.Method,
	})
}

// refresh handles POST /api/v1/auth/refresh. The new token carries a fresh
// permission snapshot, so this is also how role edits reach a live session.
func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx.Method != "session" {
		httputil.WriteForbidden(w, "FORBIDDEN", "api keys cannot be refreshed into sessions")
		return
	}

	resp, err := h.issueSession(r.Context(), authCtx.User)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionTokenRefresh, authCtx.User)
	httputil.WriteSuccess(w, resp)
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

// mfaSetup handles POST /api/v1/auth/mfa/setup
func (h *AuthHandlers) mfaSetup(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	setup, err := h.mfa.BeginSetup(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionMFASetup, authCtx.User)
	httputil.WriteSuccess(w, setup)
}

// mfaVerify handles POST /api/v1/auth/mfa/verify
func (h *AuthHandlers) mfaVerify(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	var req mfaCodeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.mfa.ConfirmSetup(r.Context(), authCtx.User.ID, req.Code); err != nil {
		h.auditDeny(r, audit.ActionMFAVerify, authCtx.User.Email, err)
		h.writeAuthError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionMFAVerify, authCtx.User)
	httputil.WriteSuccess(w, map[string]bool{"mfa_enabled": true})
}

// mfaDisable handles POST /api/v1/auth/mfa/disable
func (h *AuthHandlers) mfaDisable(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	var req mfaCodeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.mfa.Disable(r.Context(), authCtx.User.ID, req.Code); err != nil {
		h.auditDeny(r, audit.ActionMFADisable, authCtx.User.Email, err)
		h.writeAuthError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionMFADisable, authCtx.User)
	httputil.WriteSuccess(w, map[string]bool{"mfa_enabled": false})
}

// listAPIKeys handles GET /api/v1/auth/api-keys
func (h *AuthHandlers) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	keys, err := h.store.ListAPIKeysForUser(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, keys)
}

type createAPIKeyRequest struct {
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	RateLimit  int        `json:"rate_limit,omitempty"`
}

// createAPIKey handles POST /api/v1/auth/api-keys. The response carries the
// plaintext key exactly once; it is not re-derivable afterwards.
func (h *AuthHandlers) createAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	var req createAPIKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if req.RateLimit < 0 {
		httputil.WriteBadRequest(w, "rate_limit must not be negative")
		return
	}

	key := &auth.APIKey{
		UserID:     authCtx.User.ID,
		Name:       req.Name,
		Scopes:     req.Scopes,
		ExpiresAt:  req.ExpiresAt,
		AllowedIPs: req.AllowedIPs,
		RateLimit:  req.RateLimit,
	}

	issued, err := h.keys.Generate(r.Context(), key)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionKeyCreate, authCtx.User)
	httputil.WriteCreated(w, issued)
}

// getAPIKey handles GET /api/v1/auth/api-keys/{id}. Other users' keys are
// indistinguishable from missing ones.
func (h *AuthHandlers) getAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid key id")
		return
	}

	key, err := h.store.GetAPIKeyByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "KEY_NOT_FOUND", "api key not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	if key.UserID != authCtx.User.ID {
		httputil.WriteNotFound(w, "KEY_NOT_FOUND", "api key not found")
		return
	}

	httputil.WriteSuccess(w, key)
}

// revokeAPIKey handles DELETE /api/v1/auth/api-keys/{id}
func (h *AuthHandlers) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid key id")
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), id, authCtx.User.ID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "KEY_NOT_FOUND", "api key not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditAllow(r, audit.ActionKeyRevoke, authCtx.User)
	httputil.WriteNoContent(w)
}

// regenerateAPIKey handles POST /api/v1/auth/api-keys/{id}/regenerate
func (h *AuthHandlers) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid key id")
		return
	}

	issued, err := h.keys.Regenerate(r.Context(), id, authCtx.User.ID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyNotFound):
			httputil.WriteNotFound(w, "KEY_NOT_FOUND", "api key not found")
		case errors.Is(err, auth.ErrKeyRevoked):
			httputil.WriteConflict(w, "REVOKED", "revoked keys cannot be regenerated")
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	h.auditAllow(r, audit.ActionKeyRegenerate, authCtx.User)
	httputil.WriteSuccess(w, issued)
}

// listRoles handles GET /api/v1/roles
func (h *AuthHandlers) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// listPermissions handles GET /api/v1/permissions
func (h *AuthHandlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, auth.PermissionCatalog())
}

func (h *AuthHandlers) issueSession(ctx context.Context, user *auth.User) (*sessionResponse, error) {
	role, err := h.store.GetRole(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := h.tokens.Issue(user, role)
	if err != nil {
		return nil, err
	}
	return &sessionResponse{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func (h *AuthHandlers) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "invalid email or password")
	case errors.Is(err, auth.ErrMFARequired):
		httputil.WriteUnauthorized(w, "MFA_REQUIRED", "a one-time code is required")
	case errors.Is(err, auth.ErrMFAInvalid):
		httputil.WriteUnauthorized(w, "MFA_INVALID", "invalid one-time code")
	case errors.Is(err, auth.ErrMFANotSetup):
		httputil.WriteConflict(w, "MFA_NOT_SETUP", "multi-factor authentication is not set up")
	case errors.Is(err, auth.ErrAccountDisabled):
		httputil.WriteForbidden(w, "ACCOUNT_DISABLED", "account is disabled")
	default:
		httputil.WriteInternalError(w, err)
	}
}

func (h *AuthHandlers) auditAllow(r *http.Request, action string, user *auth.User) {
	rec := audit.Allow(action, user.ID, user.Email)
	rec.RequestID = contextRequestID(r)
	rec.IPAddress = httputil.ClientIP(r)
	rec.UserAgent = r.UserAgent()
	h.emit(r, rec)
}

func (h *AuthHandlers) auditDeny(r *http.Request, action, email string, cause error) {
	rec := audit.Deny(action, cause.Error())
	rec.Email = email
	rec.RequestID = contextRequestID(r)
	rec.IPAddress = httputil.ClientIP(r)
	rec.UserAgent = r.UserAgent()
	h.emit(r, rec)
}

func (h *AuthHandlers) emit(r *http.Request, rec audit.Record) {
	sink := h.sink
	async.SafeGo(r.Context(), 5*time.Second, "audit emit", func(ctx context.Context) error {
		return sink.Emit(ctx, rec)
	})
}
