package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/httputil"
	"github.com/resolvehq/resolve/pkg/middleware"
	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/resolvehq/resolve/pkg/rbac"
)

// UserHandlers covers the administrative user operations: role assignment,
// enable/disable, and per-client access overlays.
type UserHandlers struct {
	store   *auth.Store
	checker *rbac.Checker
	logger  *observability.Logger
}

func NewUserHandlers(store *auth.Store, checker *rbac.Checker, logger *observability.Logger) *UserHandlers {
	return &UserHandlers{store: store, checker: checker, logger: logger}
}

// RegisterRoutes registers user administration routes. The caller wraps
// them with authentication and a users.update permission check.
func (h *UserHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/users/{id}/role", h.setRole).Methods("PUT")
	router.HandleFunc("/api/v1/users/{id}/active", h.setActive).Methods("PUT")
	router.HandleFunc("/api/v1/users/{id}/client-access", h.setClientAccess).Methods("PUT")
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// setRole handles PUT /api/v1/users/{id}/role. The actor's hierarchy level
// must strictly exceed both the target's current and proposed levels.
func (h *UserHandlers) setRole(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid user id")
		return
	}

	var req setRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	target, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteNotFound(w, "USER_NOT_FOUND", "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	currentRole, err := h.store.GetRole(r.Context(), target.RoleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	proposedRole, err := h.store.GetRoleByName(r.Context(), req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrRoleNotFound) {
			httputil.WriteNotFound(w, "ROLE_NOT_FOUND", "role not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	actorLevel := authCtx.Principal.HierarchyLevel
	if !h.checker.CanManageRole(actorLevel, currentRole.HierarchyLevel, proposedRole.HierarchyLevel) {
		httputil.WriteForbidden(w, "FORBIDDEN", "insufficient role hierarchy to make this change")
		return
	}

	if err := h.store.UpdateUserProfile(r.Context(), target.ID, target.DisplayName, proposedRole.ID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"user_id": target.ID,
		"role":    proposedRole.Name,
		"actor":   authCtx.User.ID,
	}).Info("user role changed")

	target.RoleID = proposedRole.ID
	httputil.WriteSuccess(w, target)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// setActive handles PUT /api/v1/users/{id}/active
func (h *UserHandlers) setActive(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid user id")
		return
	}
	if userID == authCtx.User.ID {
		httputil.WriteConflict(w, "CONFLICT", "cannot change your own active state")
		return
	}

	var req setActiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	target, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteNotFound(w, "USER_NOT_FOUND", "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	targetRole, err := h.store.GetRole(r.Context(), target.RoleID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if authCtx.Principal.HierarchyLevel <= targetRole.HierarchyLevel {
		httputil.WriteForbidden(w, "FORBIDDEN", "insufficient role hierarchy to manage this user")
		return
	}

	if err := h.store.SetUserActive(r.Context(), userID, req.Active); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type setClientAccessRequest struct {
	ClientID int64                  `json:"client_id"`
	Level    rbac.ClientAccessLevel `json:"level"`
}

// setClientAccess handles PUT /api/v1/users/{id}/client-access
func (h *UserHandlers) setClientAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid user id")
		return
	}

	var req setClientAccessRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	switch req.Level {
	case rbac.ClientAccessFull, rbac.ClientAccessReadonly, rbac.ClientAccessNone:
	default:
		httputil.WriteBadRequest(w, "level must be full, readonly, or none")
		return
	}

	if _, err := h.store.GetUserByID(r.Context(), userID); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteNotFound(w, "USER_NOT_FOUND", "user not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	access := auth.ClientAccess{UserID: userID, ClientID: req.ClientID, Level: req.Level}
	if err := h.store.SetClientAccess(r.Context(), access); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, access)
}
