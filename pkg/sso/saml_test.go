package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/resolvehq/resolve/pkg/observability"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert generates a throwaway IdP signing certificate.
func selfSignedCert(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func samlProvider(t *testing.T) *ProviderConfig {
	return &ProviderConfig{
		ID:           2,
		Name:         "adfs",
		ProviderType: ProviderTypeSAML,
		Enabled:      true,
		SAMLConfig: &SAMLConfig{
			EntityID:    "https://idp.example.com/metadata",
			SSOURL:      "https://idp.example.com/sso",
			Certificate: selfSignedCert(t),
		},
	}
}

func testSAMLClient(t *testing.T) (*SAMLClient, *miniredis.Miniredis) {
	t.Helper()
	flows, mr := testFlowStore(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewSAMLClient(flows, logger, "https://resolve.example.com", 90*time.Second), mr
}

func TestSAMLClient_StartLogin_Redirect(t *testing.T) {
	client, _ := testSAMLClient(t)
	config := samlProvider(t)

	redirect, err := client.StartLogin(context.Background(), config)
	require.NoError(t, err)
	require.NotEmpty(t, redirect.URL)
	assert.Nil(t, redirect.PostBody)

	parsed, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)
	assert.NotEmpty(t, parsed.Query().Get("SAMLRequest"))
	assert.Equal(t, "adfs", parsed.Query().Get("RelayState"))
}

func TestSAMLClient_StartLogin_Post(t *testing.T) {
	client, _ := testSAMLClient(t)
	config := samlProvider(t)
	config.SAMLConfig.Binding = samlBindingPost

	redirect, err := client.StartLogin(context.Background(), config)
	require.NoError(t, err)
	assert.Empty(t, redirect.URL)
	assert.Contains(t, string(redirect.PostBody), "SAMLRequest")
	assert.Contains(t, string(redirect.PostBody), "https://idp.example.com/sso")
}

func TestSAMLClient_StartLogin_RecordsFlow(t *testing.T) {
	client, mr := testSAMLClient(t)
	config := samlProvider(t)

	_, err := client.StartLogin(context.Background(), config)
	require.NoError(t, err)

	// Exactly one pending flow, keyed by the AuthnRequest id.
	var flowKeys []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "ssoflow:") {
			flowKeys = append(flowKeys, k)
		}
	}
	require.Len(t, flowKeys, 1)

	requestID := strings.TrimPrefix(flowKeys[0], "ssoflow:")
	flow, err := client.flows.Consume(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, "adfs", flow.Provider)
	assert.Equal(t, requestID, flow.RequestID)
}

func TestSAMLClient_Metadata(t *testing.T) {
	client, _ := testSAMLClient(t)

	out, err := client.Metadata(samlProvider(t))
	require.NoError(t, err)

	metadata := string(out)
	assert.Contains(t, metadata, "EntityDescriptor")
	assert.Contains(t, metadata, "https://resolve.example.com/api/v1/auth/saml/callback")
	assert.Contains(t, metadata, "https://resolve.example.com/api/v1/auth/saml/metadata")
}

func TestSAMLClient_HandleResponse_Garbage(t *testing.T) {
	client, _ := testSAMLClient(t)

	_, err := client.HandleResponse(context.Background(), samlProvider(t), "not-base64-xml")
	assert.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestWithinSkew(t *testing.T) {
	client, _ := testSAMLClient(t)
	now := time.Now()

	tests := []struct {
		name       string
		conditions *types.Conditions
		want       bool
	}{
		{"nil conditions", nil, false},
		{
			name: "valid window",
			conditions: &types.Conditions{
				NotBefore:    now.Add(-time.Minute).Format(time.RFC3339),
				NotOnOrAfter: now.Add(time.Minute).Format(time.RFC3339),
			},
			want: true,
		},
		{
			name: "slightly early within skew",
			conditions: &types.Conditions{
				NotBefore:    now.Add(30 * time.Second).Format(time.RFC3339),
				NotOnOrAfter: now.Add(5 * time.Minute).Format(time.RFC3339),
			},
			want: true,
		},
		{
			name: "slightly expired within skew",
			conditions: &types.Conditions{
				NotBefore:    now.Add(-5 * time.Minute).Format(time.RFC3339),
				NotOnOrAfter: now.Add(-30 * time.Second).Format(time.RFC3339),
			},
			want: true,
		},
		{
			name: "expired beyond skew",
			conditions: &types.Conditions{
				NotOnOrAfter: now.Add(-5 * time.Minute).Format(time.RFC3339),
			},
			want: false,
		},
		{
			name: "not yet valid beyond skew",
			conditions: &types.Conditions{
				NotBefore: now.Add(5 * time.Minute).Format(time.RFC3339),
			},
			want: false,
		},
		{
			name:       "unparseable timestamp",
			conditions: &types.Conditions{NotBefore: "yesterday"},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, client.withinSkew(tt.conditions))
		})
	}
}

func TestSubjectInResponseTo(t *testing.T) {
	assert.Empty(t, subjectInResponseTo(types.Assertion{}))
	assert.Empty(t, subjectInResponseTo(types.Assertion{Subject: &types.Subject{}}))
	assert.Empty(t, subjectInResponseTo(types.Assertion{
		Subject: &types.Subject{SubjectConfirmation: &types.SubjectConfirmation{}},
	}))

	got := subjectInResponseTo(types.Assertion{
		Subject: &types.Subject{
			SubjectConfirmation: &types.SubjectConfirmation{
				SubjectConfirmationData: &types.SubjectConfirmationData{InResponseTo: "_req-1"},
			},
		},
	})
	assert.Equal(t, "_req-1", got)
}

func TestIdentityFromAssertion(t *testing.T) {
	client, _ := testSAMLClient(t)
	config := samlProvider(t)
	config.AttributeMapping = AttributeMap{
		Email:  "mail",
		Name:   "displayName",
		Groups: "memberOf",
	}

	info := &saml2.AssertionInfo{
		NameID: "jane@example.com",
		Values: saml2.Values{
			"mail":        types.Attribute{Values: []types.AttributeValue{{Value: "jane@example.com"}}},
			"displayName": types.Attribute{Values: []types.AttributeValue{{Value: "Jane Doe"}}},
			"memberOf":    types.Attribute{Values: []types.AttributeValue{{Value: "engineering"}, {Value: "helpdesk"}}},
		},
	}

	identity := client.identityFromAssertion(config, info)
	assert.Equal(t, "jane@example.com", identity.Email)
	assert.Equal(t, "Jane Doe", identity.Name)
	assert.ElementsMatch(t, []string{"engineering", "helpdesk"}, identity.Groups)
	assert.Equal(t, "jane@example.com", identity.ExternalID, "NameID fills the external id when unmapped")
	assert.Equal(t, "adfs", identity.ProviderName)
}

func TestIdentityFromAssertion_DefaultURNs(t *testing.T) {
	client, _ := testSAMLClient(t)
	config := samlProvider(t)
	config.AttributeMapping = AttributeMap{}

	info := &saml2.AssertionInfo{
		NameID: "opaque-id-123",
		Values: saml2.Values{
			defaultUserIDAttr: types.Attribute{Values: []types.AttributeValue{{Value: "u-998877"}}},
			defaultEmailAttr:  types.Attribute{Values: []types.AttributeValue{{Value: "jane@example.com"}}},
			defaultNameAttr:   types.Attribute{Values: []types.AttributeValue{{Value: "Jane Doe"}}},
			defaultGroupsAttr: types.Attribute{Values: []types.AttributeValue{{Value: "engineering"}, {Value: "helpdesk"}}},
		},
	}

	identity := client.identityFromAssertion(config, info)
	assert.Equal(t, "u-998877", identity.ExternalID)
	assert.Equal(t, "jane@example.com", identity.Email)
	assert.Equal(t, "Jane Doe", identity.Name)
	assert.ElementsMatch(t, []string{"engineering", "helpdesk"}, identity.Groups)
}

func TestIdentityFromAssertion_NameIDFallback(t *testing.T) {
	client, _ := testSAMLClient(t)
	config := samlProvider(t)

	info := &saml2.AssertionInfo{NameID: "jane@example.com", Values: saml2.Values{}}
	identity := client.identityFromAssertion(config, info)
	assert.Equal(t, "jane@example.com", identity.Email, "an email-shaped NameID doubles as the email")

	info = &saml2.AssertionInfo{NameID: "opaque-id-123", Values: saml2.Values{}}
	identity = client.identityFromAssertion(config, info)
	assert.Empty(t, identity.Email)
	assert.Equal(t, "opaque-id-123", identity.ExternalID)
}

func TestLooksLikeEmail(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"jane@example.com", true},
		{"a@b", true},
		{"no-at-sign", false},
		{"@example.com", false},
		{"jane@", false},
		{"two@@signs", false},
		{"a@b@c", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := looksLikeEmail(tt.input); got != tt.want {
			t.Errorf("looksLikeEmail(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidateProvider(t *testing.T) {
	cert := selfSignedCert(t)

	tests := []struct {
		name    string
		config  *ProviderConfig
		wantErr string
	}{
		{
			name:    "missing name",
			config:  &ProviderConfig{ProviderType: ProviderTypeOIDC},
			wantErr: "name is required",
		},
		{
			name:    "unknown type",
			config:  &ProviderConfig{Name: "x", ProviderType: "ldap"},
			wantErr: "provider_type",
		},
		{
			name:    "oidc without config",
			config:  &ProviderConfig{Name: "x", ProviderType: ProviderTypeOIDC},
			wantErr: "oidc_config is required",
		},
		{
			name: "oidc without endpoints",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeOIDC,
				OIDCConfig: &OIDCConfig{ClientID: "id", ClientSecret: "s"}},
			wantErr: "issuer_url or auth_url",
		},
		{
			name: "oidc explicit endpoints need userinfo",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeOIDC,
				OIDCConfig: &OIDCConfig{ClientID: "id", ClientSecret: "s",
					AuthURL: "https://a", TokenURL: "https://t"}},
			wantErr: "userinfo_url is required",
		},
		{
			name: "oidc with issuer",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeOIDC,
				OIDCConfig: &OIDCConfig{ClientID: "id", ClientSecret: "s",
					IssuerURL: "https://idp.example.com"}},
		},
		{
			name:    "saml without config",
			config:  &ProviderConfig{Name: "x", ProviderType: ProviderTypeSAML},
			wantErr: "saml_config is required",
		},
		{
			name: "saml bad certificate",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeSAML,
				SAMLConfig: &SAMLConfig{EntityID: "e", SSOURL: "https://s",
					Certificate: "not pem"}},
			wantErr: "certificate",
		},
		{
			name: "saml sign requests without key",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeSAML,
				SAMLConfig: &SAMLConfig{EntityID: "e", SSOURL: "https://s",
					Certificate: cert, SignRequests: true}},
			wantErr: "private_key is required",
		},
		{
			name: "saml invalid binding",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeSAML,
				SAMLConfig: &SAMLConfig{EntityID: "e", SSOURL: "https://s",
					Certificate: cert, Binding: "artifact"}},
			wantErr: "binding",
		},
		{
			name: "saml valid",
			config: &ProviderConfig{Name: "x", ProviderType: ProviderTypeSAML,
				SAMLConfig: &SAMLConfig{EntityID: "e", SSOURL: "https://s",
					Certificate: cert, Binding: samlBindingRedirect}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateProvider(tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
