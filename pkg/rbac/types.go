// Package rbac evaluates role/permission checks for authenticated principals.
//
// Permissions form a closed catalog of (resource, action) pairs; the wildcard
// value "all" is valid on either side. A principal carries the permission
// snapshot taken when its credential was issued, so role edits affect future
// credentials, not in-flight ones.
package rbac

import "strings"

// Wildcard matches any resource or action
const Wildcard = "all"

// Permission is one (resource, action) pair
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// String returns the canonical "resource.action" form
func (p Permission) String() string {
	return p.Resource + "." + p.Action
}

// ParsePermission parses the canonical "resource.action" form
func ParsePermission(s string) (Permission, bool) {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return Permission{}, false
	}
	return Permission{Resource: s[:idx], Action: s[idx+1:]}, true
}

// Principal is the authorization view of an authenticated caller
type Principal struct {
	UserID         int64
	Email          string
	Role           string
	HierarchyLevel int
	Permissions    []Permission
}

// ClientAccessLevel narrows permissions for operations scoped to a specific
// client record, independent of the principal's global role.
type ClientAccessLevel string

const (
	ClientAccessFull     ClientAccessLevel = "full"
	ClientAccessReadonly ClientAccessLevel = "readonly"
	ClientAccessNone     ClientAccessLevel = "none"
)

// readOnlyActions are the actions a readonly client overlay still permits
var readOnlyActions = map[string]bool{
	"read": true,
	"list": true,
	"view": true,
}
