package rbac

import (
	"testing"
)

func principalWith(perms ...Permission) Principal {
	return Principal{
		UserID:      1,
		Email:       "user@example.com",
		Role:        "user",
		Permissions: perms,
	}
}

func TestChecker_Authorize(t *testing.T) {
	c := NewChecker()

	tests := []struct {
		name     string
		perms    []Permission
		resource string
		action   string
		allowed  bool
	}{
		{
			name:     "exact match",
			perms:    []Permission{{Resource: "tickets", Action: "read"}},
			resource: "tickets",
			action:   "read",
			allowed:  true,
		},
		{
			name:     "action wildcard",
			perms:    []Permission{{Resource: "tickets", Action: "all"}},
			resource: "tickets",
			action:   "delete",
			allowed:  true,
		},
		{
			name:     "full wildcard",
			perms:    []Permission{{Resource: "all", Action: "all"}},
			resource: "invoices",
			action:   "update",
			allowed:  true,
		},
		{
			name:     "wrong resource",
			perms:    []Permission{{Resource: "tickets", Action: "read"}},
			resource: "invoices",
			action:   "read",
			allowed:  false,
		},
		{
			name:     "wrong action",
			perms:    []Permission{{Resource: "tickets", Action: "read"}},
			resource: "tickets",
			action:   "delete",
			allowed:  false,
		},
		{
			name:     "resource wildcard does not imply action",
			perms:    []Permission{{Resource: "all", Action: "read"}},
			resource: "tickets",
			action:   "delete",
			allowed:  false,
		},
		{
			name:     "empty snapshot denies",
			perms:    nil,
			resource: "tickets",
			action:   "read",
			allowed:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Authorize(principalWith(tt.perms...), tt.resource, tt.action)
			if (err == nil) != tt.allowed {
				t.Errorf("Authorize(%s.%s) error = %v, want allowed = %v", tt.resource, tt.action, err, tt.allowed)
			}
		})
	}
}

func TestChecker_Authorize_ForbiddenError(t *testing.T) {
	c := NewChecker()

	err := c.Authorize(principalWith(), "tickets", "delete")
	if err == nil {
		t.Fatal("expected a denial")
	}

	fe, ok := err.(*ForbiddenError)
	if !ok {
		t.Fatalf("error type = %T, want *ForbiddenError", err)
	}
	if fe.Missing.Resource != "tickets" || fe.Missing.Action != "delete" {
		t.Errorf("Missing = %v, want tickets.delete", fe.Missing)
	}
}

func TestChecker_AuthorizeClient(t *testing.T) {
	c := NewChecker()
	admin := principalWith(Permission{Resource: "all", Action: "all"})

	tests := []struct {
		name    string
		level   ClientAccessLevel
		action  string
		allowed bool
	}{
		{"full defers to role", ClientAccessFull, "update", true},
		{"readonly allows read", ClientAccessReadonly, "read", true},
		{"readonly allows list", ClientAccessReadonly, "list", true},
		{"readonly denies update", ClientAccessReadonly, "update", false},
		{"readonly denies delete", ClientAccessReadonly, "delete", false},
		{"none denies read", ClientAccessNone, "read", false},
		{"none denies update", ClientAccessNone, "update", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.AuthorizeClient(admin, tt.level, "clients", tt.action)
			if (err == nil) != tt.allowed {
				t.Errorf("AuthorizeClient(%s, clients.%s) error = %v, want allowed = %v", tt.level, tt.action, err, tt.allowed)
			}
		})
	}
}

func TestChecker_AuthorizeClient_OverlayOnlyNarrows(t *testing.T) {
	c := NewChecker()

	// A full overlay must not grant anything the role itself lacks.
	viewer := principalWith(Permission{Resource: "clients", Action: "read"})
	if err := c.AuthorizeClient(viewer, ClientAccessFull, "clients", "delete"); err == nil {
		t.Error("full overlay should not widen the role's permissions")
	}
}

func TestChecker_CanManageRole(t *testing.T) {
	c := NewChecker()

	tests := []struct {
		name     string
		actor    int
		current  int
		proposed int
		want     bool
	}{
		{"admin over user", 100, 10, 50, true},
		{"equal current level", 50, 50, 10, false},
		{"equal proposed level", 50, 10, 50, false},
		{"promotion above actor", 50, 10, 100, false},
		{"demotion of senior", 50, 100, 10, false},
		{"minimal margin", 11, 10, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CanManageRole(tt.actor, tt.current, tt.proposed)
			if got != tt.want {
				t.Errorf("CanManageRole(%d, %d, %d) = %v, want %v", tt.actor, tt.current, tt.proposed, got, tt.want)
			}
		})
	}
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		input string
		want  Permission
		ok    bool
	}{
		{"tickets.read", Permission{Resource: "tickets", Action: "read"}, true},
		{"all.all", Permission{Resource: "all", Action: "all"}, true},
		{"tickets", Permission{}, false},
		{".read", Permission{}, false},
		{"tickets.", Permission{}, false},
		{"", Permission{}, false},
		{"a.b.c", Permission{Resource: "a", Action: "b.c"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParsePermission(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParsePermission(%q) = %v, %v, want %v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPermission_String(t *testing.T) {
	p := Permission{Resource: "tickets", Action: "update"}
	if p.String() != "tickets.update" {
		t.Errorf("String() = %q, want %q", p.String(), "tickets.update")
	}
}
