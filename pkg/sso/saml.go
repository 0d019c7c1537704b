package sso

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/resolvehq/resolve/pkg/observability"
)

const (
	samlBindingRedirect = "redirect"
	samlBindingPost     = "post"
)

// SAMLClient implements SP-initiated SAML 2.0 login. Each outbound
// AuthnRequest is recorded as a pending flow keyed by its request id, and
// inbound assertions must correlate back to one via InResponseTo.
type SAMLClient struct {
	flows           *FlowStore
	logger          *observability.Logger
	baseURL         string
	clockSkew       time.Duration
	replayRetention time.Duration
}

func NewSAMLClient(flows *FlowStore, logger *observability.Logger, baseURL string, clockSkew time.Duration) *SAMLClient {
	if clockSkew <= 0 {
		clockSkew = 90 * time.Second
	}
	return &SAMLClient{
		flows:           flows,
		logger:          logger,
		baseURL:         baseURL,
		clockSkew:       clockSkew,
		replayRetention: 24 * time.Hour,
	}
}

// LoginRedirect tells the HTTP layer how to send the user to the IdP:
// either a URL to redirect to or an HTML form body to serve.
type LoginRedirect struct {
	URL      string
	PostBody []byte
}

// acsURL is the shared assertion consumer endpoint. The provider name rides
// in RelayState because the IdP posts every assertion to this one path.
func (c *SAMLClient) acsURL() string {
	return c.baseURL + "/api/v1/auth/saml/callback"
}

func (c *SAMLClient) metadataURL() string {
	return c.baseURL + "/api/v1/auth/saml/metadata"
}

// StartLogin builds a signed (when configured) AuthnRequest, records the
// pending flow under the request id, and returns the redirect or form post
// that carries the request to the IdP.
func (c *SAMLClient) StartLogin(ctx context.Context, config *ProviderConfig) (*LoginRedirect, error) {
	sp, err := c.buildServiceProvider(config)
	if err != nil {
		return nil, err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to build authn request: %w", err)
	}

	requestID := doc.Root().SelectAttrValue("ID", "")
	if requestID == "" {
		return nil, fmt.Errorf("authn request has no id")
	}

	flow := &PendingFlow{
		Provider:  config.Name,
		RequestID: requestID,
		CreatedAt: time.Now(),
	}
	if err := c.flows.Put(ctx, requestID, flow); err != nil {
		return nil, err
	}

	// RelayState round-trips the provider name through the IdP.
	relayState := config.Name

	if config.SAMLConfig.Binding == samlBindingPost {
		body, err := sp.BuildAuthBodyPostFromDocument(relayState, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to build post body: %w", err)
		}
		return &LoginRedirect{PostBody: body}, nil
	}

	authURL, err := sp.BuildAuthURLRedirect(relayState, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth url: %w", err)
	}
	return &LoginRedirect{URL: authURL}, nil
}

// HandleResponse validates a base64-encoded SAMLResponse and returns the
// normalized identity. Validation order: signature and schema first, then
// correlation against a pending request, then the replay ledger. Nothing in
// the document is trusted before the signature check passes.
func (c *SAMLClient) HandleResponse(ctx context.Context, config *ProviderConfig, encodedResponse string) (*Identity, error) {
	sp, err := c.buildServiceProvider(config)
	if err != nil {
		return nil, err
	}

	assertionInfo, err := sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if len(assertionInfo.Assertions) == 0 {
		return nil, fmt.Errorf("%w: response carries no assertion", ErrInvalidAssertion)
	}
	assertion := assertionInfo.Assertions[0]

	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidAssertion)
		}
		// The library validates times against a strict clock; re-check with
		// our tolerance before rejecting so small IdP drift does not break
		// logins.
		if assertionInfo.WarningInfo.InvalidTime && !c.withinSkew(assertion.Conditions) {
			return nil, ErrAssertionExpired
		}
	}

	inResponseTo := subjectInResponseTo(assertion)
	if inResponseTo == "" {
		return nil, ErrUnsolicitedAssertion
	}
	flow, err := c.flows.Consume(ctx, inResponseTo)
	if err != nil {
		if err == ErrInvalidState {
			return nil, ErrUnsolicitedAssertion
		}
		return nil, err
	}
	if flow.Provider != config.Name {
		return nil, ErrUnsolicitedAssertion
	}

	if assertion.ID != "" {
		if err := c.flows.MarkAssertionSeen(ctx, assertion.ID, c.replayRetention); err != nil {
			return nil, err
		}
	}

	return c.identityFromAssertion(config, assertionInfo), nil
}

// Metadata renders the SP metadata document IdP administrators import.
func (c *SAMLClient) Metadata(config *ProviderConfig) ([]byte, error) {
	sp, err := c.buildServiceProvider(config)
	if err != nil {
		return nil, err
	}
	descriptor, err := sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func (c *SAMLClient) buildServiceProvider(config *ProviderConfig) (*saml2.SAMLServiceProvider, error) {
	if config.SAMLConfig == nil {
		return nil, fmt.Errorf("provider %s has no SAML config", config.Name)
	}
	cfg := config.SAMLConfig

	cert, err := parseCertificate(cfg.Certificate)
	if err != nil {
		return nil, err
	}
	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	if cfg.PrivateKey != "" {
		keyStore, err = parseKeyStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       c.metadataURL(),
		AssertionConsumerServiceURL: c.acsURL(),
		AudienceURI:                 c.metadataURL(),
		SignAuthnRequests:           cfg.SignRequests && keyStore != nil,
		ForceAuthn:                  cfg.ForceAuthn,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}
	return sp, nil
}

func parseCertificate(pemData string) (*x509.Certificate, error) {
	certBlock, _ := pem.Decode([]byte(pemData))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseKeyStore(cfg *SAMLConfig) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(cfg.PrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{[]byte(cfg.Certificate)},
	}, nil
}

// withinSkew re-evaluates the assertion validity window with the configured
// clock tolerance.
func (c *SAMLClient) withinSkew(conditions *types.Conditions) bool {
	if conditions == nil {
		return false
	}
	now := time.Now()
	if conditions.NotBefore != "" {
		notBefore, err := time.Parse(time.RFC3339, conditions.NotBefore)
		if err != nil || now.Add(c.clockSkew).Before(notBefore) {
			return false
		}
	}
	if conditions.NotOnOrAfter != "" {
		notOnOrAfter, err := time.Parse(time.RFC3339, conditions.NotOnOrAfter)
		if err != nil || !now.Add(-c.clockSkew).Before(notOnOrAfter) {
			return false
		}
	}
	return true
}

func subjectInResponseTo(assertion types.Assertion) string {
	if assertion.Subject == nil || assertion.Subject.SubjectConfirmation == nil {
		return ""
	}
	data := assertion.Subject.SubjectConfirmation.SubjectConfirmationData
	if data == nil {
		return ""
	}
	return data.InResponseTo
}

// Default attribute names for providers that configure no mapping. These are
// the WS-Fed claim URNs ADFS and Azure AD emit out of the box.
const (
	defaultUserIDAttr = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	defaultEmailAttr  = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	defaultNameAttr   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
	defaultGroupsAttr = "http://schemas.xmlsoap.org/claims/Group"
)

func (c *SAMLClient) identityFromAssertion(config *ProviderConfig, info *saml2.AssertionInfo) *Identity {
	mapping := config.AttributeMapping
	if mapping.UserID == "" {
		mapping.UserID = defaultUserIDAttr
	}
	if mapping.Email == "" {
		mapping.Email = defaultEmailAttr
	}
	if mapping.Name == "" {
		mapping.Name = defaultNameAttr
	}
	if mapping.Groups == "" {
		mapping.Groups = defaultGroupsAttr
	}

	identity := &Identity{
		ProviderID:   config.ID,
		ProviderName: config.Name,
		Attributes:   make(map[string]string),
	}

	for name, attr := range info.Values {
		if len(attr.Values) == 0 {
			continue
		}
		identity.Attributes[name] = attr.Values[0].Value

		switch name {
		case mapping.UserID:
			identity.ExternalID = attr.Values[0].Value
		case mapping.Email:
			identity.Email = attr.Values[0].Value
		case mapping.Name:
			identity.Name = attr.Values[0].Value
		case mapping.Groups:
			for _, v := range attr.Values {
				identity.Groups = append(identity.Groups, v.Value)
			}
		}
	}

	// NameID is the usual carrier for both when mappings are not set.
	if identity.ExternalID == "" {
		identity.ExternalID = info.NameID
	}
	if identity.Email == "" && looksLikeEmail(info.NameID) {
		identity.Email = info.NameID
	}
	return identity
}

func looksLikeEmail(s string) bool {
	at := -1
	for i, r := range s {
		if r == '@' {
			if at >= 0 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(s)-1
}
