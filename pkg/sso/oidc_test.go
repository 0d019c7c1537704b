package sso

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testOIDCClient(t *testing.T) *OIDCClient {
	t.Helper()
	flows, _ := testFlowStore(t)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewOIDCClient(flows, logger, "https://resolve.example.com/api/v1/auth/oidc/callback", 5*time.Second)
}

func explicitOIDCProvider(authURL, tokenURL, userinfoURL string) *ProviderConfig {
	return &ProviderConfig{
		ID:           1,
		Name:         "okta",
		ProviderType: ProviderTypeOIDC,
		Enabled:      true,
		OIDCConfig: &OIDCConfig{
			ClientID:     "resolve-client",
			ClientSecret: "hush",
			AuthURL:      authURL,
			TokenURL:     tokenURL,
			UserinfoURL:  userinfoURL,
		},
	}
}

func TestOIDCClient_StartLogin(t *testing.T) {
	client := testOIDCClient(t)
	config := explicitOIDCProvider("https://idp.example.com/authorize", "https://idp.example.com/token", "https://idp.example.com/userinfo")

	authURL, err := client.StartLogin(context.Background(), config)
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "resolve-client", q.Get("client_id"))
	assert.Equal(t, "https://resolve.example.com/api/v1/auth/oidc/callback", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "openid")

	state := q.Get("state")
	require.NotEmpty(t, state)

	// The pending flow is retrievable under the state and carries the
	// verifier for the exchange.
	flow, err := client.flows.Consume(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "okta", flow.Provider)
	assert.NotEmpty(t, flow.PKCEVerifier)
}

func TestOIDCClient_StartLogin_NoConfig(t *testing.T) {
	client := testOIDCClient(t)

	_, err := client.StartLogin(context.Background(), &ProviderConfig{Name: "broken", ProviderType: ProviderTypeOIDC})
	assert.Error(t, err)
}

func TestOIDCClient_HandleCallback(t *testing.T) {
	var gotVerifier string

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.FormValue("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"idp-user-1","email":"jane@example.com","name":"Jane Doe","groups":["engineering"]}`))
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	client := testOIDCClient(t)
	config := explicitOIDCProvider(idp.URL+"/authorize", idp.URL+"/token", idp.URL+"/userinfo")
	flow := &PendingFlow{Provider: "okta", PKCEVerifier: oauth2.GenerateVerifier()}

	identity, err := client.HandleCallback(context.Background(), config, flow, "auth-code")
	require.NoError(t, err)

	assert.Equal(t, flow.PKCEVerifier, gotVerifier, "exchange must carry the stored PKCE verifier")
	assert.Equal(t, "idp-user-1", identity.ExternalID)
	assert.Equal(t, "jane@example.com", identity.Email)
	assert.Equal(t, "Jane Doe", identity.Name)
	assert.Equal(t, []string{"engineering"}, identity.Groups)
	assert.Equal(t, "okta", identity.ProviderName)
}

func TestOIDCClient_HandleCallback_ProviderMismatch(t *testing.T) {
	client := testOIDCClient(t)
	config := explicitOIDCProvider("https://a/auth", "https://a/token", "https://a/userinfo")

	flow := &PendingFlow{Provider: "different-provider", PKCEVerifier: "v"}
	_, err := client.HandleCallback(context.Background(), config, flow, "code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOIDCClient_HandleCallback_ExchangeDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	client := testOIDCClient(t)
	config := explicitOIDCProvider(idp.URL+"/authorize", idp.URL+"/token", idp.URL+"/userinfo")
	flow := &PendingFlow{Provider: "okta", PKCEVerifier: oauth2.GenerateVerifier()}

	_, err := client.HandleCallback(context.Background(), config, flow, "bad-code")
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestOIDCClient_HandleCallback_MissingEmail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","token_type":"bearer"}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"idp-user-1"}`))
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	client := testOIDCClient(t)
	config := explicitOIDCProvider(idp.URL+"/authorize", idp.URL+"/token", idp.URL+"/userinfo")
	flow := &PendingFlow{Provider: "okta", PKCEVerifier: oauth2.GenerateVerifier()}

	_, err := client.HandleCallback(context.Background(), config, flow, "code")
	assert.ErrorIs(t, err, ErrMissingEmail)
}

func TestIdentityFromClaims_Defaults(t *testing.T) {
	config := &ProviderConfig{ID: 1, Name: "okta"}
	claims := map[string]interface{}{
		"sub":    "idp-user-1",
		"email":  "jane@example.com",
		"name":   "Jane Doe",
		"groups": []interface{}{"engineering", "helpdesk"},
	}

	identity := identityFromClaims(config, claims)
	assert.Equal(t, "idp-user-1", identity.ExternalID)
	assert.Equal(t, "jane@example.com", identity.Email)
	assert.Equal(t, "Jane Doe", identity.Name)
	assert.Equal(t, []string{"engineering", "helpdesk"}, identity.Groups)
	assert.Equal(t, "jane@example.com", identity.Attributes["email"])
}

func TestIdentityFromClaims_CustomMapping(t *testing.T) {
	config := &ProviderConfig{
		ID:   1,
		Name: "legacy-idp",
		AttributeMapping: AttributeMap{
			UserID: "employee_id",
			Email:  "mail",
			Name:   "displayName",
			Groups: "memberOf",
		},
	}
	claims := map[string]interface{}{
		"employee_id": "E1234",
		"mail":        "jane@example.com",
		"displayName": "Jane Doe",
		"memberOf":    "engineering",
	}

	identity := identityFromClaims(config, claims)
	assert.Equal(t, "E1234", identity.ExternalID)
	assert.Equal(t, "jane@example.com", identity.Email)
	assert.Equal(t, []string{"engineering"}, identity.Groups)
}

func TestGetArrayValue(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		want   []string
	}{
		{"string slice", map[string]interface{}{"groups": []string{"a", "b"}}, []string{"a", "b"}},
		{"interface slice", map[string]interface{}{"groups": []interface{}{"a", 1, "b"}}, []string{"a", "b"}},
		{"single string", map[string]interface{}{"groups": "a"}, []string{"a"}},
		{"empty string", map[string]interface{}{"groups": ""}, nil},
		{"absent", map[string]interface{}{}, nil},
		{"wrong type", map[string]interface{}{"groups": 42}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getArrayValue(tt.claims, "groups"))
		})
	}
}

func TestClassifyExchangeError(t *testing.T) {
	denied := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, Body: []byte(`{"error":"invalid_grant"}`)}
	assert.ErrorIs(t, classifyExchangeError(denied), ErrTokenExchange)

	unreachable := &url.Error{Op: "Post", URL: "https://idp.example.com/token", Err: errors.New("connection refused")}
	assert.ErrorIs(t, classifyExchangeError(unreachable), ErrProviderDown)

	assert.ErrorIs(t, classifyExchangeError(errors.New("unexpected body")), ErrTokenExchange)
}
