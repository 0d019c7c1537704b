package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/resolvehq/resolve/pkg/rbac"
)

// Store is the credential registry: users, the role/permission catalog, API
// keys, and client access overlays. Pure data access; no protocol logic.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an existing connection pool
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetUserByEmail looks a user up by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role_id, auth_source, active,
			COALESCE(password_hash, ''), COALESCE(mfa_secret, ''), mfa_enabled,
			token_version, created_at, updated_at, last_login_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email)
	return scanUser(row)
}

// GetUserByID fetches a user by id
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role_id, auth_source, active,
			COALESCE(password_hash, ''), COALESCE(mfa_secret, ''), mfa_enabled,
			token_version, created_at, updated_at, last_login_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

// CreateUser inserts a user. Email uniqueness is enforced case-insensitively
// by the store; the caller must pass the email already lowercased.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, display_name, role_id, auth_source, active, password_hash, mfa_secret, mfa_enabled, token_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, strings.ToLower(u.Email), u.DisplayName, u.RoleID, string(u.AuthSource), u.Active,
		u.PasswordHash, u.MFASecret, u.MFAEnabled).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUserProfile refreshes display name and role, used on federation sync
func (s *Store) UpdateUserProfile(ctx context.Context, id int64, displayName string, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name = $1, role_id = $2, updated_at = NOW()
		WHERE id = $3
	`, displayName, roleID, id)
	return err
}

// SetUserActive soft-enables or disables a user
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET active = $1, updated_at = NOW() WHERE id = $2
	`, active, id)
	return err
}

// SetPasswordHash replaces the password hash and bumps the token version so
// outstanding sessions are invalidated.
func (s *Store) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $1, token_version = token_version + 1, updated_at = NOW()
		WHERE id = $2
	`, hash, id)
	return err
}

// SetMFASecret stores the TOTP secret; enabled flips once the first code is
// verified.
func (s *Store) SetMFASecret(ctx context.Context, id int64, secret string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET mfa_secret = NULLIF($1, ''), mfa_enabled = $2, updated_at = NOW()
		WHERE id = $3
	`, secret, enabled, id)
	return err
}

// BumpTokenVersion invalidates all outstanding session tokens for a user
func (s *Store) BumpTokenVersion(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// TouchLastLogin records a successful login time
func (s *Store) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = NOW() WHERE id = $1
	`, id)
	return err
}

// GetRole fetches a role by id
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hierarchy_level, permissions, created_at, updated_at
		FROM roles WHERE id = $1
	`, id)
	return scanRole(row)
}

// GetRoleByName fetches a role by its unique name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hierarchy_level, permissions, created_at, updated_at
		FROM roles WHERE name = $1
	`, name)
	return scanRole(row)
}

// ListRoles returns the whole catalog ordered by seniority
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hierarchy_level, permissions, created_at, updated_at
		FROM roles ORDER BY hierarchy_level DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListPermissions returns the flattened catalog across all roles
func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var perms []rbac.Permission
	for _, role := range roles {
		for _, p := range role.Permissions {
			if !seen[p.String()] {
				seen[p.String()] = true
				perms = append(perms, p)
			}
		}
	}
	return perms, nil
}

// CountUsersWithRole reports how many users reference a role; roles cannot be
// deleted while referenced.
func (s *Store) CountUsersWithRole(ctx context.Context, roleID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&n)
	return n, err
}

// CreateAPIKey inserts a key record; the plaintext never reaches the store
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	scopesJSON, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	ipsJSON, err := json.Marshal(k.AllowedIPs)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed IPs: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (user_id, name, key_hash, lookup_id, scopes, expires_at, allowed_ips, rate_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at
	`, k.UserID, k.Name, k.KeyHash, k.LookupID, scopesJSON, k.ExpiresAt, ipsJSON, k.RateLimit).
		Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// GetAPIKeyByLookupID fetches a key by its indexed 8-char lookup id
func (s *Store) GetAPIKeyByLookupID(ctx context.Context, lookupID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_hash, lookup_id, scopes, expires_at, allowed_ips, rate_limit, usage_count, last_used_at, revoked, created_at
		FROM api_keys WHERE lookup_id = $1
	`, lookupID)
	return scanAPIKey(row)
}

// GetAPIKeyByID fetches a key by id
func (s *Store) GetAPIKeyByID(ctx context.Context, id int64) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_hash, lookup_id, scopes, expires_at, allowed_ips, rate_limit, usage_count, last_used_at, revoked, created_at
		FROM api_keys WHERE id = $1
	`, id)
	return scanAPIKey(row)
}

// ListAPIKeysForUser lists a user's keys, newest first
func (s *Store) ListAPIKeysForUser(ctx context.Context, userID int64) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_hash, lookup_id, scopes, expires_at, allowed_ips, rate_limit, usage_count, last_used_at, revoked, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked; the record is kept for history
func (s *Store) RevokeAPIKey(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ReplaceAPIKeySecret swaps in a new hash and lookup id during regeneration,
// invalidating the old secret while keeping the key's metadata.
func (s *Store) ReplaceAPIKeySecret(ctx context.Context, id, userID int64, keyHash, lookupID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET key_hash = $1, lookup_id = $2
		WHERE id = $3 AND user_id = $4 AND NOT revoked
	`, keyHash, lookupID, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchAPIKey bumps usage counters; called off the request's critical path
func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = NOW() WHERE id = $1
	`, id)
	return err
}

// GetClientAccess returns the overlay level for (user, client); absent rows
// mean no overlay, i.e. the global role applies unchanged.
func (s *Store) GetClientAccess(ctx context.Context, userID, clientID int64) (rbac.ClientAccessLevel, bool, error) {
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT level FROM client_access WHERE user_id = $1 AND client_id = $2
	`, userID, clientID).Scan(&level)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rbac.ClientAccessLevel(level), true, nil
}

// SetClientAccess upserts the overlay level for (user, client)
func (s *Store) SetClientAccess(ctx context.Context, access ClientAccess) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_access (user_id, client_id, level) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, client_id) DO UPDATE SET level = EXCLUDED.level
	`, access.UserID, access.ClientID, string(access.Level))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var source string
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.RoleID, &source, &u.Active,
		&u.PasswordHash, &u.MFASecret, &u.MFAEnabled, &u.TokenVersion,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.AuthSource = AuthSource(source)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func scanRole(row rowScanner) (*Role, error) {
	r := &Role{}
	var permsJSON []byte
	err := row.Scan(&r.ID, &r.Name, &r.HierarchyLevel, &permsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &r.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}
	return r, nil
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	k := &APIKey{}
	var scopesJSON, ipsJSON []byte
	var expiresAt, lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.LookupID, &scopesJSON,
		&expiresAt, &ipsJSON, &k.RateLimit, &k.UsageCount, &lastUsed, &k.Revoked, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &k.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	if len(ipsJSON) > 0 {
		if err := json.Unmarshal(ipsJSON, &k.AllowedIPs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed IPs: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq unique_violation is SQLSTATE 23505; matching on the message keeps
	// the store usable under sqlmock in tests.
	return err != nil && (strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key"))
}
