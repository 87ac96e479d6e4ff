// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultSubjectClaim is the userinfo field holding the user identifier.
const DefaultSubjectClaim = "sub"

// Config describes how to reach the upstream provider.
type Config struct {
	// Type selects discovery (oidc) or explicit endpoints (oauth2).
	Type ProviderType

	// Issuer is the OIDC issuer URL. Required for ProviderTypeOIDC.
	Issuer string

	// Explicit endpoints. Required for ProviderTypeOAuth2 (authorization and
	// token); for OIDC they override discovered values when set.
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	UserInfoEndpoint      string

	ClientID     string
	ClientSecret string

	// RedirectURI is the bridge's callback URL registered with the provider.
	RedirectURI string

	// Scopes are requested from the provider. When empty the scopes of the
	// downstream request are forwarded.
	Scopes []string

	// SubjectClaim is a gjson path into the userinfo response that yields
	// the user identifier (default "sub"; GitHub needs "id").
	SubjectClaim string

	// ForceConsent adds prompt=consent to authorization requests.
	ForceConsent bool
}

// Validate checks that the configuration is complete for its type.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect_uri is required")
	}
	if err := validateURL("redirect_uri", c.RedirectURI); err != nil {
		return err
	}

	switch c.Type {
	case ProviderTypeOIDC:
		if c.Issuer == "" {
			return errors.New("issuer is required for OIDC providers")
		}
		if err := validateURL("issuer", c.Issuer); err != nil {
			return err
		}
	case ProviderTypeOAuth2:
		if c.AuthorizationEndpoint == "" {
			return errors.New("authorization_endpoint is required for OAuth2 providers")
		}
		if c.TokenEndpoint == "" {
			return errors.New("token_endpoint is required for OAuth2 providers")
		}
	default:
		return fmt.Errorf("unknown provider type: %q (must be %q or %q)",
			c.Type, ProviderTypeOIDC, ProviderTypeOAuth2)
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": c.AuthorizationEndpoint,
		"token_endpoint":         c.TokenEndpoint,
		"revocation_endpoint":    c.RevocationEndpoint,
		"userinfo_endpoint":      c.UserInfoEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateURL(name, endpoint); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) subjectClaim() string {
	if c.SubjectClaim == "" {
		return DefaultSubjectClaim
	}
	return c.SubjectClaim
}

func validateURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL", name)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute URL with scheme and host", name)
	}
	return nil
}
