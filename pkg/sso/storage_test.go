package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var providerTestColumns = []string{
	"id", "name", "display_name", "provider_type", "enabled", "auto_provision",
	"default_role", "allowed_domains", "group_mapping", "oidc_config",
	"saml_config", "attribute_mapping", "created_at", "updated_at",
}

func testStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(db), mock
}

func storedProviderRow(t *testing.T, cfg *ProviderConfig) *sqlmock.Rows {
	t.Helper()
	groupMapping, oidcConfig, samlConfig, attrMapping, err := marshalConfigs(cfg)
	require.NoError(t, err)

	now := time.Now()
	return sqlmock.NewRows(providerTestColumns).AddRow(
		cfg.ID, cfg.Name, cfg.DisplayName, string(cfg.ProviderType),
		cfg.Enabled, cfg.AutoProvision, cfg.DefaultRole,
		"{"+joinDomains(cfg.AllowedDomains)+"}",
		groupMapping, oidcConfig, samlConfig, attrMapping, now, now)
}

func joinDomains(domains []string) string {
	out := ""
	for i, d := range domains {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}

func storedOIDCProvider() *ProviderConfig {
	return &ProviderConfig{
		ID:             3,
		Name:           "okta",
		DisplayName:    "Okta",
		ProviderType:   ProviderTypeOIDC,
		Enabled:        true,
		AutoProvision:  true,
		DefaultRole:    "user",
		AllowedDomains: []string{"example.com"},
		GroupMapping:   []GroupMap{{Group: "engineering", Role: "tech"}},
		OIDCConfig: &OIDCConfig{
			ClientID:     "client-1",
			ClientSecret: "s3cret",
			IssuerURL:    "https://idp.example.com",
			Scopes:       []string{"openid", "email", "profile"},
		},
		AttributeMapping: AttributeMap{Email: "email", Groups: "groups"},
	}
}

func TestStorage_CreateProvider(t *testing.T) {
	storage, mock := testStorage(t)
	cfg := storedOIDCProvider()
	cfg.ID = 0

	mock.ExpectQuery("INSERT INTO auth_providers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	err := storage.CreateProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateProvider_Duplicate(t *testing.T) {
	storage, mock := testStorage(t)

	mock.ExpectQuery("INSERT INTO auth_providers").
		WillReturnError(&pq.Error{Code: "23505"})

	err := storage.CreateProvider(context.Background(), storedOIDCProvider())
	assert.ErrorIs(t, err, ErrProviderExists)
}

func TestStorage_GetProvider(t *testing.T) {
	storage, mock := testStorage(t)
	cfg := storedOIDCProvider()

	mock.ExpectQuery("SELECT (.+) FROM auth_providers WHERE name").
		WithArgs("okta").
		WillReturnRows(storedProviderRow(t, cfg))

	got, err := storage.GetProvider(context.Background(), "okta")
	require.NoError(t, err)
	assert.Equal(t, "okta", got.Name)
	assert.Equal(t, ProviderTypeOIDC, got.ProviderType)
	assert.Equal(t, []string{"example.com"}, got.AllowedDomains)
	assert.Equal(t, []GroupMap{{Group: "engineering", Role: "tech"}}, got.GroupMapping)
	require.NotNil(t, got.OIDCConfig)
	assert.Equal(t, "client-1", got.OIDCConfig.ClientID)
	// Secrets round-trip through the database even though the JSON API hides them.
	assert.Equal(t, "s3cret", got.OIDCConfig.ClientSecret)
	assert.Equal(t, "email", got.AttributeMapping.Email)
}

func TestStorage_GetProvider_NotFound(t *testing.T) {
	storage, mock := testStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM auth_providers WHERE name").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := storage.GetProvider(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestStorage_GetEnabledProvider_Disabled(t *testing.T) {
	storage, mock := testStorage(t)
	cfg := storedOIDCProvider()
	cfg.Enabled = false

	mock.ExpectQuery("SELECT (.+) FROM auth_providers WHERE name").
		WithArgs("okta").
		WillReturnRows(storedProviderRow(t, cfg))

	_, err := storage.GetEnabledProvider(context.Background(), "okta")
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestStorage_ListProviders(t *testing.T) {
	storage, mock := testStorage(t)
	cfg := storedOIDCProvider()

	mock.ExpectQuery(`SELECT (.+) FROM auth_providers WHERE enabled = true ORDER BY name`).
		WillReturnRows(storedProviderRow(t, cfg))

	providers, err := storage.ListProviders(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "okta", providers[0].Name)
}

func TestStorage_UpdateProvider_NotFound(t *testing.T) {
	storage, mock := testStorage(t)

	mock.ExpectExec("UPDATE auth_providers").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := storage.UpdateProvider(context.Background(), storedOIDCProvider())
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestStorage_DeleteProvider(t *testing.T) {
	storage, mock := testStorage(t)

	mock.ExpectExec("DELETE FROM auth_providers WHERE name").
		WithArgs("okta").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, storage.DeleteProvider(context.Background(), "okta"))
}

func TestStorage_DeleteProvider_NotFound(t *testing.T) {
	storage, mock := testStorage(t)

	mock.ExpectExec("DELETE FROM auth_providers WHERE name").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := storage.DeleteProvider(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestMarshalWithSecrets(t *testing.T) {
	oidc, err := marshalWithSecrets(&OIDCConfig{ClientID: "c", ClientSecret: "hidden"})
	require.NoError(t, err)
	assert.Contains(t, string(oidc), `"client_secret":"hidden"`)

	saml, err := marshalWithSecrets(&SAMLConfig{EntityID: "e", PrivateKey: "pem"})
	require.NoError(t, err)
	assert.Contains(t, string(saml), `"private_key":"pem"`)

	// The API-facing marshal path still omits both.
	public, err := json.Marshal(&OIDCConfig{ClientID: "c", ClientSecret: "hidden"})
	require.NoError(t, err)
	assert.NotContains(t, string(public), "hidden")
}
