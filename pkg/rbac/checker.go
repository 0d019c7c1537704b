package rbac

import "fmt"

// ForbiddenError names the specific permission the principal lacked so the
// denial is diagnosable. HTTP surfacing is the caller's concern.
type ForbiddenError struct {
	Missing Permission
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: missing permission %s", e.Missing)
}

// Checker evaluates permission and hierarchy rules. It is stateless and safe
// for concurrent use.
type Checker struct{}

// NewChecker creates a checker
func NewChecker() *Checker {
	return &Checker{}
}

// Authorize grants when the principal's snapshot holds resource.action,
// resource.all, or all.all. A nil error means allowed.
func (c *Checker) Authorize(p Principal, resource, action string) error {
	for _, perm := range p.Permissions {
		if !matchPart(perm.Resource, resource) {
			continue
		}
		if matchPart(perm.Action, action) {
			return nil
		}
	}
	return &ForbiddenError{Missing: Permission{Resource: resource, Action: action}}
}

// AuthorizeClient applies a per-(user, client) access overlay on top of the
// global role for operations scoped to a specific client record. The overlay
// only narrows: "none" denies everything, "readonly" denies mutations, and
// "full" defers entirely to the role check.
func (c *Checker) AuthorizeClient(p Principal, level ClientAccessLevel, resource, action string) error {
	switch level {
	case ClientAccessNone:
		return &ForbiddenError{Missing: Permission{Resource: resource, Action: action}}
	case ClientAccessReadonly:
		if !readOnlyActions[action] {
			return &ForbiddenError{Missing: Permission{Resource: resource, Action: action}}
		}
	}
	return c.Authorize(p, resource, action)
}

// CanManageRole reports whether an actor may change a user's role assignment.
// The actor's hierarchy level must be strictly greater than both the target's
// current and proposed levels; equal levels confer no privilege over each
// other, which blocks lateral privilege escalation.
func (c *Checker) CanManageRole(actorLevel, targetCurrentLevel, targetProposedLevel int) bool {
	return actorLevel > targetCurrentLevel && actorLevel > targetProposedLevel
}

// HasPermission is a boolean convenience over Authorize
func (c *Checker) HasPermission(p Principal, resource, action string) bool {
	return c.Authorize(p, resource, action) == nil
}

func matchPart(granted, requested string) bool {
	return granted == Wildcard || granted == requested
}
