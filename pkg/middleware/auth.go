package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/contextkeys"
	"github.com/resolvehq/resolve/pkg/httputil"
	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/resolvehq/resolve/pkg/rbac"
)

// AuthContext is what a validated bearer credential resolves to. Exactly
// one of Claims or APIKey is set depending on the credential kind.
type AuthContext struct {
	Method    string // "session" or "api_key"
	Claims    *auth.SessionClaims
	APIKey    *auth.APIKey
	User      *auth.User
	Principal rbac.Principal
}

// AuthMiddleware validates the Authorization header. The bearer value is
// dispatched by shape: API keys carry a fixed prefix, everything else is
// treated as a session token.
type AuthMiddleware struct {
	tokens  *auth.TokenIssuer
	keys    *auth.APIKeyEngine
	store   *auth.Store
	metrics *observability.Metrics
	logger  *observability.Logger
}

func NewAuthMiddleware(tokens *auth.TokenIssuer, keys *auth.APIKeyEngine, store *auth.Store, metrics *observability.Metrics, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:  tokens,
		keys:    keys,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := httputil.BearerToken(r)
		if credential == "" {
			httputil.WriteUnauthorized(w, "UNAUTHORIZED", "missing authorization header")
			return
		}

		var authCtx *AuthContext
		var err error
		if auth.IsAPIKey(credential) {
			authCtx, err = m.validateAPIKey(r, credential)
		} else {
			authCtx, err = m.validateSession(r, credential)
		}
		if err != nil {
			m.writeAuthError(w, err)
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(authCtx.User.ID, 10))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateAPIKey(r *http.Request, credential string) (*AuthContext, error) {
	// Scope enforcement happens per-route via RequireScope; here the key
	// only has to be valid for its caller.
	key, err := m.keys.Validate(r.Context(), credential, httputil.ClientIP(r), "")
	if err != nil {
		m.metrics.AuthAttemptsTotal.WithLabelValues("api_key", "failure").Inc()
		return nil, err
	}

	user, err := m.store.GetUserByID(r.Context(), key.UserID)
	if err != nil {
		return nil, auth.ErrInvalidAPIKey
	}
	if !user.Active {
		return nil, auth.ErrAccountDisabled
	}
	role, err := m.store.GetRole(r.Context(), user.RoleID)
	if err != nil {
		return nil, err
	}

	m.metrics.AuthAttemptsTotal.WithLabelValues("api_key", "success").Inc()
	return &AuthContext{
		Method:    "api_key",
		APIKey:    key,
		User:      user,
		Principal: auth.Principal(user, role),
	}, nil
}

func (m *AuthMiddleware) validateSession(r *http.Request, credential string) (*AuthContext, error) {
	claims, err := m.tokens.Verify(r.Context(), credential)
	if err != nil {
		m.metrics.AuthAttemptsTotal.WithLabelValues("session", "failure").Inc()
		return nil, err
	}

	user, err := m.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return nil, auth.ErrTokenInvalid
	}
	role, err := m.store.GetRole(r.Context(), user.RoleID)
	if err != nil {
		return nil, err
	}

	m.metrics.AuthAttemptsTotal.WithLabelValues("session", "success").Inc()
	return &AuthContext{
		Method: "session",
		Claims: claims,
		User:   user,
		// The token's permission snapshot governs, not the role's current
		// set; role edits apply to future tokens.
		Principal: *claims.Principal(role.HierarchyLevel),
	}, nil
}

func (m *AuthMiddleware) writeAuthError(w http.ResponseWriter, err error) {
	var rateLimited *auth.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		httputil.WriteRateLimited(w, rateLimited.RetryAfter, "rate limit exceeded")
	case errors.Is(err, auth.ErrKeyRevoked):
		httputil.WriteUnauthorized(w, "REVOKED", "api key has been revoked")
	case errors.Is(err, auth.ErrKeyExpired):
		httputil.WriteUnauthorized(w, "EXPIRED", "api key has expired")
	case errors.Is(err, auth.ErrIPNotAllowed):
		httputil.WriteForbidden(w, "IP_NOT_ALLOWED", "request source address is not allowed for this key")
	case errors.Is(err, auth.ErrInsufficientScope):
		httputil.WriteForbidden(w, "INSUFFICIENT_SCOPE", "api key lacks the required scope")
	case errors.Is(err, auth.ErrTokenExpired):
		httputil.WriteUnauthorized(w, "EXPIRED", "session token has expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		httputil.WriteUnauthorized(w, "REVOKED", "session token has been revoked")
	case errors.Is(err, auth.ErrAccountDisabled):
		httputil.WriteForbidden(w, "ACCOUNT_DISABLED", "account is disabled")
	default:
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "invalid credential")
	}
}

// GetAuthContext extracts the auth context set by AuthMiddleware.
func GetAuthContext(r *http.Request) *AuthContext {
	v := r.Context().Value(contextkeys.AuthKey)
	if v == nil {
		return nil
	}
	authCtx, ok := v.(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequirePermission gates a route on a resource.action permission.
func RequirePermission(checker *rbac.Checker, metrics *observability.Metrics, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "UNAUTHORIZED", "authentication required")
				return
			}
			if err := checker.Authorize(authCtx.Principal, resource, action); err != nil {
				metrics.AuthzDenialsTotal.WithLabelValues(resource, action).Inc()
				httputil.WriteForbidden(w, "FORBIDDEN", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope gates a route on an API key scope. Session tokens pass
// unconditionally; scopes restrict keys, not interactive users.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "UNAUTHORIZED", "authentication required")
				return
			}
			if authCtx.Method == "api_key" && !authCtx.APIKey.HasScope(scope) {
				httputil.WriteForbidden(w, "INSUFFICIENT_SCOPE", "api key lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
