package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/resolvehq/resolve/pkg/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range seedRoles {
		mock.ExpectExec("INSERT INTO roles").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, SeedRoles(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedRoles_Invariants(t *testing.T) {
	levels := make(map[string]int)
	for _, r := range seedRoles {
		levels[r.name] = r.level
	}

	assert.Greater(t, levels["admin"], levels["tech"])
	assert.Greater(t, levels["tech"], levels["accountant"])
	assert.Greater(t, levels["accountant"], levels["user"])

	// Only admin holds the full wildcard.
	for _, r := range seedRoles {
		hasWildcard := false
		for _, p := range r.permissions {
			if p.Resource == rbac.Wildcard && p.Action == rbac.Wildcard {
				hasWildcard = true
			}
		}
		assert.Equal(t, r.name == "admin", hasWildcard, "role %s", r.name)
	}
}

func TestPermissionCatalog_ReturnsCopy(t *testing.T) {
	a := PermissionCatalog()
	a[0] = rbac.Permission{Resource: "mutated", Action: "mutated"}

	b := PermissionCatalog()
	assert.NotEqual(t, "mutated", b[0].Resource)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`)))
	assert.True(t, isUniqueViolation(errors.New("SQLSTATE 23505")))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}
