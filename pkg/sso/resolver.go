package sso

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/observability"
)

// Resolver turns a federated identity into an internal user account,
// creating or refreshing it as provider policy allows.
type Resolver struct {
	store  *auth.Store
	logger *observability.Logger
}

func NewResolver(store *auth.Store, logger *observability.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve matches the identity against the user registry by lowercased
// email. Unknown identities are JIT-provisioned when the provider allows
// it; known identities get their name and role mapping refreshed. Disabled
// accounts never pass, regardless of what the IdP asserted.
func (r *Resolver) Resolve(ctx context.Context, config *ProviderConfig, identity *Identity) (*auth.User, error) {
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if email == "" {
		return nil, ErrMissingEmail
	}
	if !domainAllowed(email, config.AllowedDomains) {
		return nil, ErrDomainNotAllowed
	}

	source := auth.SourceOIDC
	if config.ProviderType == ProviderTypeSAML {
		source = auth.SourceSAML
	}

	user, err := r.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, auth.ErrUserNotFound) {
			return nil, err
		}
		if !config.AutoProvision {
			return nil, auth.ErrUserNotFound
		}
		return r.provision(ctx, config, identity, email, source)
	}

	if !user.Active {
		return nil, auth.ErrAccountDisabled
	}

	// Refresh the display name and group-mapped role from the IdP on every
	// login so directory changes take effect without manual edits.
	name := user.DisplayName
	if identity.Name != "" {
		name = identity.Name
	}
	roleID := user.RoleID
	if role, ok := r.mapRole(ctx, config, identity.Groups); ok {
		roleID = role.ID
	}
	if name != user.DisplayName || roleID != user.RoleID {
		if err := r.store.UpdateUserProfile(ctx, user.ID, name, roleID); err != nil {
			r.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to refresh profile from identity provider")
		} else {
			user.DisplayName = name
			user.RoleID = roleID
		}
	}

	if err := r.store.TouchLastLogin(ctx, user.ID); err != nil {
		r.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to record login time")
	}
	return user, nil
}

func (r *Resolver) provision(ctx context.Context, config *ProviderConfig, identity *Identity, email string, source auth.AuthSource) (*auth.User, error) {
	role, ok := r.mapRole(ctx, config, identity.Groups)
	if !ok {
		defaultRole := config.DefaultRole
		if defaultRole == "" {
			defaultRole = "user"
		}
		var err error
		role, err = r.store.GetRoleByName(ctx, defaultRole)
		if err != nil {
			return nil, fmt.Errorf("default role %s: %w", defaultRole, err)
		}
	}

	name := identity.Name
	if name == "" {
		name = email
	}

	user := &auth.User{
		Email:       email,
		DisplayName: name,
		RoleID:      role.ID,
		AuthSource:  source,
		Active:      true,
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		// Lost a race with a concurrent first login for the same identity.
		if errors.Is(err, auth.ErrEmailExists) {
			return r.store.GetUserByEmail(ctx, email)
		}
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"user_id":  user.ID,
		"provider": config.Name,
		"role":     role.Name,
	}).Info("provisioned user from identity provider")
	return user, nil
}

// mapRole resolves IdP group memberships to an internal role. When several
// mapped groups match, the most senior role wins.
func (r *Resolver) mapRole(ctx context.Context, config *ProviderConfig, groups []string) (*auth.Role, bool) {
	if len(groups) == 0 || len(config.GroupMapping) == 0 {
		return nil, false
	}

	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}

	var best *auth.Role
	for _, m := range config.GroupMapping {
		if !member[m.Group] {
			continue
		}
		role, err := r.store.GetRoleByName(ctx, m.Role)
		if err != nil {
			r.logger.WithField("role", m.Role).WithField("provider", config.Name).Warn("group mapping references unknown role")
			continue
		}
		if best == nil || role.HierarchyLevel > best.HierarchyLevel {
			best = role
		}
	}
	return best, best != nil
}

func domainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range allowed {
		if strings.EqualFold(domain, d) {
			return true
		}
	}
	return false
}
