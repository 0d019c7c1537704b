package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/resolvehq/resolve/pkg/rbac"
)

// The permission catalog is static and seeded at init; authorization checks
// match against these exact pairs or the "all" wildcard, never free text.
var permissionCatalog = []rbac.Permission{
	{Resource: "tickets", Action: "read"},
	{Resource: "tickets", Action: "create"},
	{Resource: "tickets", Action: "update"},
	{Resource: "tickets", Action: "delete"},
	{Resource: "clients", Action: "read"},
	{Resource: "clients", Action: "create"},
	{Resource: "clients", Action: "update"},
	{Resource: "clients", Action: "delete"},
	{Resource: "invoices", Action: "read"},
	{Resource: "invoices", Action: "create"},
	{Resource: "invoices", Action: "update"},
	{Resource: "assets", Action: "read"},
	{Resource: "assets", Action: "update"},
	{Resource: "documentation", Action: "read"},
	{Resource: "documentation", Action: "update"},
	{Resource: "users", Action: "read"},
	{Resource: "users", Action: "create"},
	{Resource: "users", Action: "update"},
	{Resource: "roles", Action: "read"},
	{Resource: "roles", Action: "update"},
	{Resource: rbac.Wildcard, Action: rbac.Wildcard},
}

type seedRole struct {
	name        string
	level       int
	permissions []rbac.Permission
}

var seedRoles = []seedRole{
	{
		name:  "admin",
		level: 100,
		permissions: []rbac.Permission{
			{Resource: rbac.Wildcard, Action: rbac.Wildcard},
		},
	},
	{
		name:  "tech",
		level: 50,
		permissions: []rbac.Permission{
			{Resource: "tickets", Action: rbac.Wildcard},
			{Resource: "clients", Action: "read"},
			{Resource: "assets", Action: rbac.Wildcard},
			{Resource: "documentation", Action: rbac.Wildcard},
		},
	},
	{
		name:  "accountant",
		level: 40,
		permissions: []rbac.Permission{
			{Resource: "invoices", Action: rbac.Wildcard},
			{Resource: "clients", Action: "read"},
		},
	},
	{
		name:  "user",
		level: 10,
		permissions: []rbac.Permission{
			{Resource: "tickets", Action: "read"},
			{Resource: "tickets", Action: "create"},
			{Resource: "documentation", Action: "read"},
		},
	},
}

// SeedRoles inserts the built-in roles when absent. Existing rows are left
// untouched so admin edits survive restarts.
func SeedRoles(ctx context.Context, db *sql.DB) error {
	for _, r := range seedRoles {
		permsJSON, err := json.Marshal(r.permissions)
		if err != nil {
			return fmt.Errorf("failed to marshal permissions for role %s: %w", r.name, err)
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO roles (name, hierarchy_level, permissions, created_at, updated_at)
			VALUES ($1, $2, $3, NOW(), NOW())
			ON CONFLICT (name) DO NOTHING
		`, r.name, r.level, permsJSON)
		if err != nil {
			return fmt.Errorf("failed to seed role %s: %w", r.name, err)
		}
	}
	return nil
}

// PermissionCatalog returns a copy of the static permission catalog
func PermissionCatalog() []rbac.Permission {
	out := make([]rbac.Permission, len(permissionCatalog))
	copy(out, permissionCatalog)
	return out
}
