package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Storage handles identity provider configuration persistence
type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Migrate creates the provider table when missing.
func (s *Storage) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_providers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			provider_type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT false,
			auto_provision BOOLEAN NOT NULL DEFAULT false,
			default_role TEXT NOT NULL DEFAULT 'user',
			allowed_domains TEXT[] NOT NULL DEFAULT '{}',
			group_mapping JSONB,
			oidc_config JSONB,
			saml_config JSONB,
			attribute_mapping JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create auth_providers table: %w", err)
	}
	return nil
}

const providerColumns = `id, name, display_name, provider_type, enabled, auto_provision,
	default_role, allowed_domains, group_mapping, oidc_config, saml_config,
	attribute_mapping, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*ProviderConfig, error) {
	var (
		config           ProviderConfig
		groupMappingJSON []byte
		oidcConfigJSON   []byte
		samlConfigJSON   []byte
		attrMappingJSON  []byte
	)

	err := row.Scan(
		&config.ID, &config.Name, &config.DisplayName, &config.ProviderType,
		&config.Enabled, &config.AutoProvision, &config.DefaultRole,
		pq.Array(&config.AllowedDomains),
		&groupMappingJSON, &oidcConfigJSON, &samlConfigJSON, &attrMappingJSON,
		&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(groupMappingJSON) > 0 {
		if err := json.Unmarshal(groupMappingJSON, &config.GroupMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group mapping: %w", err)
		}
	}
	if len(oidcConfigJSON) > 0 {
		config.OIDCConfig = &OIDCConfig{}
		if err := json.Unmarshal(oidcConfigJSON, config.OIDCConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
	}
	if len(samlConfigJSON) > 0 {
		config.SAMLConfig = &SAMLConfig{}
		if err := json.Unmarshal(samlConfigJSON, config.SAMLConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}
	if len(attrMappingJSON) > 0 {
		if err := json.Unmarshal(attrMappingJSON, &config.AttributeMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
		}
	}

	return &config, nil
}

func marshalConfigs(config *ProviderConfig) (groupMapping, oidcConfig, samlConfig, attrMapping []byte, err error) {
	if len(config.GroupMapping) > 0 {
		groupMapping, err = json.Marshal(config.GroupMapping)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal group mapping: %w", err)
		}
	}
	if config.OIDCConfig != nil {
		oidcConfig, err = marshalWithSecrets(config.OIDCConfig)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal OIDC config: %w", err)
		}
	}
	if config.SAMLConfig != nil {
		samlConfig, err = marshalWithSecrets(config.SAMLConfig)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	attrMapping, err = json.Marshal(config.AttributeMapping)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	return groupMapping, oidcConfig, samlConfig, attrMapping, nil
}

// marshalWithSecrets persists the full config including fields whose JSON
// tags hide them from API responses. The database column is the one place
// the client secret and SP private key legitimately live.
func marshalWithSecrets(v interface{}) ([]byte, error) {
	switch c := v.(type) {
	case *OIDCConfig:
		type persisted struct {
			OIDCConfig
			ClientSecret string `json:"client_secret"`
		}
		return json.Marshal(persisted{OIDCConfig: *c, ClientSecret: c.ClientSecret})
	case *SAMLConfig:
		type persisted struct {
			SAMLConfig
			PrivateKey string `json:"private_key"`
		}
		return json.Marshal(persisted{SAMLConfig: *c, PrivateKey: c.PrivateKey})
	default:
		return json.Marshal(v)
	}
}

// CreateProvider stores a new provider configuration
func (s *Storage) CreateProvider(ctx context.Context, config *ProviderConfig) error {
	groupMapping, oidcConfig, samlConfig, attrMapping, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO auth_providers (
			name, display_name, provider_type, enabled, auto_provision, default_role,
			allowed_domains, group_mapping, oidc_config, saml_config, attribute_mapping,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id
	`, config.Name, config.DisplayName, config.ProviderType, config.Enabled,
		config.AutoProvision, config.DefaultRole, pq.Array(config.AllowedDomains),
		groupMapping, oidcConfig, samlConfig, attrMapping).Scan(&config.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProviderExists
		}
		return err
	}
	return nil
}

// GetProvider retrieves a provider by its internal name
func (s *Storage) GetProvider(ctx context.Context, name string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM auth_providers
		WHERE name = $1
	`, name)

	config, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotFound
	} else if err != nil {
		return nil, err
	}
	return config, nil
}

// GetEnabledProvider is GetProvider plus the enabled gate every login
// entry point applies.
func (s *Storage) GetEnabledProvider(ctx context.Context, name string) (*ProviderConfig, error) {
	config, err := s.GetProvider(ctx, name)
	if err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, ErrProviderDisabled
	}
	return config, nil
}

// ListProviders lists providers, optionally restricted to enabled ones
func (s *Storage) ListProviders(ctx context.Context, enabledOnly bool) ([]*ProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM auth_providers`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		config, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, config)
	}
	return providers, rows.Err()
}

// UpdateProvider replaces an existing provider configuration
func (s *Storage) UpdateProvider(ctx context.Context, config *ProviderConfig) error {
	groupMapping, oidcConfig, samlConfig, attrMapping, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE auth_providers
		SET display_name = $1, provider_type = $2, enabled = $3, auto_provision = $4,
			default_role = $5, allowed_domains = $6, group_mapping = $7,
			oidc_config = $8, saml_config = $9, attribute_mapping = $10, updated_at = NOW()
		WHERE id = $11
	`, config.DisplayName, config.ProviderType, config.Enabled, config.AutoProvision,
		config.DefaultRole, pq.Array(config.AllowedDomains), groupMapping,
		oidcConfig, samlConfig, attrMapping, config.ID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// DeleteProvider removes a provider by name
func (s *Storage) DeleteProvider(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auth_providers WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
