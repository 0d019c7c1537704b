package sso

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/resolvehq/resolve/pkg/httputil"
)

// createProvider handles POST /api/v1/auth/providers
func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var config ProviderConfig
	if !httputil.ParseJSONOrError(w, r, &config) {
		return
	}

	if err := validateProvider(&config); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.storage.CreateProvider(r.Context(), &config); err != nil {
		if errors.Is(err, ErrProviderExists) {
			httputil.WriteConflict(w, "PROVIDER_EXISTS", "provider with this name already exists")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.logger.WithField("provider", config.Name).Info("identity provider created")
	httputil.WriteCreated(w, &config)
}

// getProvider handles GET /api/v1/auth/providers/{name}
func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	config, err := h.storage.GetProvider(r.Context(), name)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}
	httputil.WriteSuccess(w, config)
}

// updateProvider handles PUT /api/v1/auth/providers/{name}
func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	existing, err := h.storage.GetProvider(r.Context(), name)
	if err != nil {
		h.writeSSOError(w, err)
		return
	}

	var config ProviderConfig
	if !httputil.ParseJSONOrError(w, r, &config) {
		return
	}
	config.ID = existing.ID
	config.Name = existing.Name

	// Secrets are write-only over the API; an omitted value keeps the
	// stored one.
	if config.OIDCConfig != nil && config.OIDCConfig.ClientSecret == "" && existing.OIDCConfig != nil {
		config.OIDCConfig.ClientSecret = existing.OIDCConfig.ClientSecret
	}
	if config.SAMLConfig != nil && config.SAMLConfig.PrivateKey == "" && existing.SAMLConfig != nil {
		config.SAMLConfig.PrivateKey = existing.SAMLConfig.PrivateKey
	}

	if err := validateProvider(&config); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.storage.UpdateProvider(r.Context(), &config); err != nil {
		h.writeSSOError(w, err)
		return
	}

	h.logger.WithField("provider", config.Name).Info("identity provider updated")
	httputil.WriteSuccess(w, &config)
}

// deleteProvider handles DELETE /api/v1/auth/providers/{name}
func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.storage.DeleteProvider(r.Context(), name); err != nil {
		h.writeSSOError(w, err)
		return
	}

	h.logger.WithField("provider", name).Info("identity provider deleted")
	httputil.WriteNoContent(w)
}

// validateProvider rejects malformed configurations before anything touches
// the network or the database.
func validateProvider(config *ProviderConfig) error {
	if config.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch config.ProviderType {
	case ProviderTypeOIDC:
		cfg := config.OIDCConfig
		if cfg == nil {
			return fmt.Errorf("oidc_config is required")
		}
		if cfg.ClientID == "" {
			return fmt.Errorf("client_id is required")
		}
		if cfg.ClientSecret == "" {
			return fmt.Errorf("client_secret is required")
		}
		if cfg.IssuerURL == "" && (cfg.AuthURL == "" || cfg.TokenURL == "") {
			return fmt.Errorf("either issuer_url or auth_url and token_url are required")
		}
		if cfg.IssuerURL == "" && cfg.UserinfoURL == "" {
			return fmt.Errorf("userinfo_url is required without issuer_url")
		}
	case ProviderTypeSAML:
		cfg := config.SAMLConfig
		if cfg == nil {
			return fmt.Errorf("saml_config is required")
		}
		if cfg.EntityID == "" {
			return fmt.Errorf("entity_id is required")
		}
		if cfg.SSOURL == "" {
			return fmt.Errorf("sso_url is required")
		}
		if cfg.Certificate == "" {
			return fmt.Errorf("certificate is required")
		}
		if _, err := parseCertificate(cfg.Certificate); err != nil {
			return err
		}
		if cfg.SignRequests && cfg.PrivateKey == "" {
			return fmt.Errorf("private_key is required when sign_requests is set")
		}
		if cfg.Binding != "" && cfg.Binding != samlBindingRedirect && cfg.Binding != samlBindingPost {
			return fmt.Errorf("binding must be %q or %q", samlBindingRedirect, samlBindingPost)
		}
	default:
		return fmt.Errorf("provider_type must be %q or %q", ProviderTypeOIDC, ProviderTypeSAML)
	}
	return nil
}
