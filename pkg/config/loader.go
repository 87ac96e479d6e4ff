// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/server"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
	"github.com/stacklok/oauthbridge/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// OAUTHBRIDGE_UPSTREAM_CLIENT_SECRET for upstream.client_secret.
const EnvPrefix = "OAUTHBRIDGE"

// DefaultListenAddress is used when server.listen_address is unset.
const DefaultListenAddress = ":8080"

// Load reads the YAML file at path (optional) and applies environment
// overrides and defaults. The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate is Load followed by Validate.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", DefaultListenAddress)
	v.SetDefault("server.issuer", "")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.token_rate_limit", server.DefaultTokenRateLimit)
	v.SetDefault("server.token_rate_burst", server.DefaultTokenRateBurst)

	v.SetDefault("upstream.type", string(upstream.ProviderTypeOIDC))
	for _, key := range []string{
		"issuer", "authorization_endpoint", "token_endpoint", "revocation_endpoint",
		"userinfo_endpoint", "client_id", "client_secret", "subject_claim", "ca_bundle",
	} {
		v.SetDefault("upstream."+key, "")
	}
	v.SetDefault("upstream.scopes", []string{})
	v.SetDefault("upstream.force_consent", false)
	v.SetDefault("upstream.allow_insecure_http", false)
	v.SetDefault("upstream.timeout", bridge.DefaultUpstreamTimeout.String())

	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.sweep_interval", storage.DefaultCleanupInterval.String())
	v.SetDefault("storage.redis.addrs", []string{})
	v.SetDefault("storage.redis.master_name", "")
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", storage.DefaultKeyPrefix)
	v.SetDefault("storage.redis.dial_timeout", storage.DefaultDialTimeout.String())
	v.SetDefault("storage.redis.read_timeout", storage.DefaultReadTimeout.String())
	v.SetDefault("storage.redis.write_timeout", storage.DefaultWriteTimeout.String())

	v.SetDefault("session.ttl", bridge.DefaultSessionTTL.String())
	v.SetDefault("session.refresh_window", bridge.DefaultRefreshWindow.String())

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.endpoint", tel.Endpoint)
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.tracing_enabled", tel.TracingEnabled)
	v.SetDefault("telemetry.metrics_enabled", tel.MetricsEnabled)
	v.SetDefault("telemetry.sampling_rate", tel.SamplingRate)
	v.SetDefault("telemetry.insecure", tel.Insecure)
	v.SetDefault("telemetry.enable_prometheus_metrics_path", tel.EnablePrometheusMetricsPath)
	v.SetDefault("telemetry.include_runtime_metrics", tel.IncludeRuntimeMetrics)
}

// Validate checks every section. Section validators of the packages that
// consume them are reused.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is required"))
	}
	if c.Server.Issuer == "" {
		errs = append(errs, errors.New("server.issuer is required"))
	} else if err := validateIssuer(c.Server.Issuer); err != nil {
		errs = append(errs, err)
	}

	if err := c.UpstreamProviderConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upstream: %w", err))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream.timeout must not be negative"))
	}

	errs = append(errs, c.validateStorage()...)

	if c.Session.TTL < 0 || c.Session.RefreshWindow < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if len(c.Clients) == 0 {
		errs = append(errs, errors.New("at least one client must be registered"))
	} else if _, err := server.NewStaticClients(c.Clients); err != nil {
		errs = append(errs, fmt.Errorf("clients: %w", err))
	}

	return errors.Join(errs...)
}

func (c *Config) validateStorage() []error {
	var errs []error
	switch storage.Type(c.Storage.Type) {
	case storage.TypeMemory:
	case storage.TypeSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite storage"))
		}
	case storage.TypeRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("storage.redis.addrs is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %q (must be %q, %q or %q)",
			c.Storage.Type, storage.TypeMemory, storage.TypeSQLite, storage.TypeRedis))
	}
	if c.Storage.SweepInterval < 0 {
		errs = append(errs, errors.New("storage.sweep_interval must not be negative"))
	}
	return errs
}
