// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the bridge configuration and the
// logic required to load it from a YAML file and OAUTHBRIDGE_* environment
// variables.
package config

import (
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/server"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
	"github.com/stacklok/oauthbridge/pkg/networking"
	"github.com/stacklok/oauthbridge/pkg/telemetry"
)

// Config represents the configuration of the bridge process.
type Config struct {
	Server    ServerConfig          `mapstructure:"server" yaml:"server"`
	Upstream  UpstreamConfig        `mapstructure:"upstream" yaml:"upstream"`
	Storage   StorageConfig         `mapstructure:"storage" yaml:"storage"`
	Session   SessionConfig         `mapstructure:"session" yaml:"session"`
	Telemetry telemetry.Config      `mapstructure:"telemetry" yaml:"telemetry"`
	Clients   []server.ClientConfig `mapstructure:"clients" yaml:"clients"`
}

// ServerConfig configures the downstream HTTP listener.
type ServerConfig struct {
	// ListenAddress is the host:port the HTTP server binds to.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// Issuer is the externally visible base URL. The upstream redirect URI
	// is derived from it.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	TokenRateLimit float64 `mapstructure:"token_rate_limit" yaml:"token_rate_limit"`
	TokenRateBurst int     `mapstructure:"token_rate_burst" yaml:"token_rate_burst"`
}

// UpstreamConfig describes the upstream identity provider.
type UpstreamConfig struct {
	Type                  string        `mapstructure:"type" yaml:"type"`
	Issuer                string        `mapstructure:"issuer" yaml:"issuer"`
	AuthorizationEndpoint string        `mapstructure:"authorization_endpoint" yaml:"authorization_endpoint"`
	TokenEndpoint         string        `mapstructure:"token_endpoint" yaml:"token_endpoint"`
	RevocationEndpoint    string        `mapstructure:"revocation_endpoint" yaml:"revocation_endpoint"`
	UserInfoEndpoint      string        `mapstructure:"userinfo_endpoint" yaml:"userinfo_endpoint"`
	ClientID              string        `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret          string        `mapstructure:"client_secret" yaml:"client_secret"`
	Scopes                []string      `mapstructure:"scopes" yaml:"scopes"`
	SubjectClaim          string        `mapstructure:"subject_claim" yaml:"subject_claim"`
	ForceConsent          bool          `mapstructure:"force_consent" yaml:"force_consent"`
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CABundle is a PEM file of extra roots trusted for upstream TLS.
	CABundle string `mapstructure:"ca_bundle" yaml:"ca_bundle"`

	// AllowInsecureHTTP permits plain http to non-loopback upstream hosts.
	AllowInsecureHTTP bool `mapstructure:"allow_insecure_http" yaml:"allow_insecure_http"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Type          string        `mapstructure:"type" yaml:"type"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addrs        []string      `mapstructure:"addrs" yaml:"addrs"`
	MasterName   string        `mapstructure:"master_name" yaml:"master_name"`
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// SessionConfig configures downstream session lifetimes.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RefreshWindow time.Duration `mapstructure:"refresh_window" yaml:"refresh_window"`
}

// UpstreamProviderConfig converts the upstream section for upstream.NewProvider.
func (c *Config) UpstreamProviderConfig() *upstream.Config {
	u := c.Upstream
	return &upstream.Config{
		Type:                  upstream.ProviderType(u.Type),
		Issuer:                u.Issuer,
		AuthorizationEndpoint: u.AuthorizationEndpoint,
		TokenEndpoint:         u.TokenEndpoint,
		RevocationEndpoint:    u.RevocationEndpoint,
		UserInfoEndpoint:      u.UserInfoEndpoint,
		ClientID:              u.ClientID,
		ClientSecret:          u.ClientSecret,
		RedirectURI:           c.RedirectURI(),
		Scopes:                u.Scopes,
		SubjectClaim:          u.SubjectClaim,
		ForceConsent:          u.ForceConsent,
	}
}

// UpstreamHTTPClient builds the HTTP client for calls to the upstream
// provider.
func (c *Config) UpstreamHTTPClient() (*http.Client, error) {
	return networking.NewHttpClientBuilder().
		WithCABundle(c.Upstream.CABundle).
		WithInsecureHTTP(c.Upstream.AllowInsecureHTTP).
		Build()
}

// RedirectURI is the callback URL to register with the upstream provider.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.Server.Issuer, "/") + server.CallbackPath
}

// StorageBackendConfig converts the storage section for storage.New.
func (c *Config) StorageBackendConfig() *storage.Config {
	r := c.Storage.Redis
	return &storage.Config{
		Type:       storage.Type(c.Storage.Type),
		SQLitePath: c.Storage.SQLitePath,
		Redis: storage.RedisConfig{
			Addrs:        r.Addrs,
			MasterName:   r.MasterName,
			Username:     r.Username,
			Password:     r.Password,
			DB:           r.DB,
			KeyPrefix:    r.KeyPrefix,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
		},
	}
}

// BridgeConfig converts the session and upstream timeout settings.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		SessionTTL:      c.Session.TTL,
		RefreshWindow:   c.Session.RefreshWindow,
		UpstreamTimeout: c.Upstream.Timeout,
	}
}

// HandlerConfig converts the server section for server.NewHandler.
func (c *Config) HandlerConfig() server.Config {
	return server.Config{
		Issuer:         c.Server.Issuer,
		TokenRateLimit: c.Server.TokenRateLimit,
		TokenRateBurst: c.Server.TokenRateBurst,
	}
}
