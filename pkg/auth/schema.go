package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the identity tables when missing. Statements are idempotent
// so every instance can run them at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			hierarchy_level INTEGER NOT NULL,
			permissions JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role_id BIGINT NOT NULL REFERENCES roles(id),
			auth_source TEXT NOT NULL DEFAULT 'local',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			password_hash TEXT,
			mfa_secret TEXT,
			mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			token_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (LOWER(email))`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			lookup_id TEXT NOT NULL UNIQUE,
			scopes JSONB NOT NULL DEFAULT '[]',
			expires_at TIMESTAMPTZ,
			allowed_ips JSONB NOT NULL DEFAULT '[]',
			rate_limit INTEGER NOT NULL DEFAULT 0,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS client_access (
			user_id BIGINT NOT NULL REFERENCES users(id),
			client_id BIGINT NOT NULL,
			level TEXT NOT NULL,
			PRIMARY KEY (user_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			request_id TEXT,
			user_id BIGINT,
			email TEXT,
			action TEXT NOT NULL,
			resource TEXT,
			provider TEXT,
			decision TEXT NOT NULL,
			reason TEXT,
			ip_address TEXT,
			user_agent TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
