package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/resolvehq/resolve/pkg/audit"
	"github.com/resolvehq/resolve/pkg/contextkeys"
	"github.com/resolvehq/resolve/pkg/httputil"
	"github.com/resolvehq/resolve/pkg/middleware"
	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/resolvehq/resolve/pkg/rbac"
	"github.com/resolvehq/resolve/pkg/sso"
)

// Server assembles the identity endpoint surface on a single router.
type Server struct {
	router *mux.Router
}

// Deps carries the constructed subsystems the server routes to.
type Deps struct {
	AuthHandlers *AuthHandlers
	UserHandlers *UserHandlers
	SSOHandlers  *sso.Handlers
	AuthMW       *middleware.AuthMiddleware
	LoginLimiter *middleware.LoginRateLimiter
	Checker      *rbac.Checker
	Metrics      *observability.Metrics
	Logger       *observability.Logger
	Sink         audit.Sink
}

func NewServer(deps Deps) *Server {
	router := mux.NewRouter()

	router.Use(mux.MiddlewareFunc(middleware.RequestID))
	router.Use(mux.MiddlewareFunc(middleware.RequestLogger(deps.Logger)))
	router.Use(mux.MiddlewareFunc(deps.Metrics.HTTPMetricsMiddleware))

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "NOT_FOUND", "no such endpoint")
	})

	// Credential-guessing surfaces sit behind the per-IP limiter. The
	// federation endpoints are also public; their abuse surface is bounded
	// by the pending-flow TTL rather than a counter.
	public := router.NewRoute().Subrouter()
	public.Use(mux.MiddlewareFunc(deps.LoginLimiter.Handler))
	deps.AuthHandlers.RegisterPublicRoutes(public)

	deps.SSOHandlers.RegisterRoutes(router)

	authed := router.NewRoute().Subrouter()
	authed.Use(mux.MiddlewareFunc(deps.AuthMW.Handler))
	deps.AuthHandlers.RegisterAuthedRoutes(authed)

	admin := router.NewRoute().Subrouter()
	admin.Use(mux.MiddlewareFunc(deps.AuthMW.Handler))
	admin.Use(mux.MiddlewareFunc(middleware.RequirePermission(deps.Checker, deps.Metrics, "users", "update")))
	deps.UserHandlers.RegisterRoutes(admin)

	providerAdmin := router.NewRoute().Subrouter()
	providerAdmin.Use(mux.MiddlewareFunc(deps.AuthMW.Handler))
	providerAdmin.Use(mux.MiddlewareFunc(middleware.RequirePermission(deps.Checker, deps.Metrics, "roles", "update")))
	deps.SSOHandlers.RegisterAdminRoutes(providerAdmin)

	return &Server{router: router}
}

// Router returns the assembled handler for http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

func contextRequestID(r *http.Request) string {
	return contextkeys.GetRequestID(r.Context())
}
