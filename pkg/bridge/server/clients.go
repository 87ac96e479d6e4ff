// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/oauthbridge/pkg/networking"
	"github.com/stacklok/oauthbridge/pkg/validation"
)

// secretHashCost is the bcrypt cost for confidential client secrets.
var secretHashCost = bcrypt.DefaultCost

// ClientRegistry resolves downstream clients.
type ClientRegistry interface {
	GetClient(ctx context.Context, id string) (fosite.Client, error)
}

// ClientConfig registers one downstream client.
type ClientConfig struct {
	ID           string   `json:"id" yaml:"id" mapstructure:"id"`
	Secret       string   `json:"secret,omitempty" yaml:"secret,omitempty" mapstructure:"secret"`
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris" mapstructure:"redirect_uris"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
}

// StaticClients is a ClientRegistry built from configuration. Clients
// without a secret are public and must use PKCE. Secrets are kept only as
// bcrypt hashes.
type StaticClients struct {
	clients map[string]*LoopbackClient
}

var _ ClientRegistry = (*StaticClients)(nil)

// NewStaticClients validates configs and builds the registry.
func NewStaticClients(configs []ClientConfig) (*StaticClients, error) {
	clients := make(map[string]*LoopbackClient, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, errors.New("client id is required")
		}
		if _, exists := clients[cfg.ID]; exists {
			return nil, fmt.Errorf("duplicate client id %q", cfg.ID)
		}
		if len(cfg.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q needs at least one redirect URI", cfg.ID)
		}
		for _, uri := range cfg.RedirectURIs {
			if err := validation.ValidateRedirectURI(uri); err != nil {
				return nil, fmt.Errorf("client %q: %w", cfg.ID, err)
			}
		}

		client := &fosite.DefaultClient{
			ID:            cfg.ID,
			RedirectURIs:  slices.Clone(cfg.RedirectURIs),
			GrantTypes:    fosite.Arguments{"authorization_code", "refresh_token"},
			ResponseTypes: fosite.Arguments{"code"},
			Scopes:        slices.Clone(cfg.Scopes),
			Public:        cfg.Secret == "",
		}
		if cfg.Secret != "" {
			hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), secretHashCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash secret of client %q: %w", cfg.ID, err)
			}
			client.Secret = hashed
		}
		clients[cfg.ID] = &LoopbackClient{DefaultClient: client}
	}
	return &StaticClients{clients: clients}, nil
}

// GetClient returns the client or fosite.ErrInvalidClient.
func (s *StaticClients) GetClient(_ context.Context, id string) (fosite.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		return nil, fosite.ErrInvalidClient.WithHint("Unknown client.")
	}
	return client, nil
}

// LoopbackClient is a fosite.Client that accepts any port on a registered
// http loopback redirect URI, as native apps bind an ephemeral port
// (RFC 8252 section 7.3). Scheme, host, path and query must still match.
type LoopbackClient struct {
	*fosite.DefaultClient
}

// MatchRedirectURI reports whether requested matches a registered redirect URI.
func (c *LoopbackClient) MatchRedirectURI(requested string) bool {
	for _, registered := range c.GetRedirectURIs() {
		if requested == registered || matchesAsLoopback(requested, registered) {
			return true
		}
	}
	return false
}

func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !networking.IsLoopbackHost(registered.Hostname()) ||
		!strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	return requested.Path == registered.Path && requested.RawQuery == registered.RawQuery
}

// matchRedirectURI checks requested against the client's registered URIs.
func matchRedirectURI(client fosite.Client, requested string) bool {
	if m, ok := client.(interface{ MatchRedirectURI(string) bool }); ok {
		return m.MatchRedirectURI(requested)
	}
	return slices.Contains(client.GetRedirectURIs(), requested)
}

// authenticateClient resolves the client of a token or revocation request
// from HTTP basic auth or the form, checking the secret of confidential
// clients.
func (h *Handler) authenticateClient(r *http.Request) (fosite.Client, error) {
	id, secret, basic := r.BasicAuth()
	if !basic {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("client_id is required.")
	}

	client, err := h.clients.GetClient(r.Context(), id)
	if err != nil {
		return nil, fosite.ErrInvalidClient.WithHint("Unknown client.")
	}
	if client.IsPublic() {
		return client, nil
	}
	if secret == "" || bcrypt.CompareHashAndPassword(client.GetHashedSecret(), []byte(secret)) != nil {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	}
	return client, nil
}

// allowedScopes reports whether client may request every scope.
func allowedScopes(client fosite.Client, scopes []string) bool {
	granted := client.GetScopes()
	if len(granted) == 0 {
		return true
	}
	for _, scope := range scopes {
		if !fosite.ExactScopeStrategy(granted, scope) {
			return false
		}
	}
	return true
}
