// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

const redactedValue = "REDACTED"

// Redacted returns a copy of the configuration with every credential
// replaced, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.Upstream.ClientSecret = redact(c.Upstream.ClientSecret)
	out.Storage.Redis.Password = redact(c.Storage.Redis.Password)

	if c.Telemetry.Headers != nil {
		out.Telemetry.Headers = maps.Clone(c.Telemetry.Headers)
		for k, v := range out.Telemetry.Headers {
			out.Telemetry.Headers[k] = redact(v)
		}
	}

	out.Clients = slices.Clone(c.Clients)
	for i := range out.Clients {
		out.Clients[i].Secret = redact(out.Clients[i].Secret)
	}
	return &out
}

// MarshalRedactedYAML renders the redacted configuration as YAML.
func (c *Config) MarshalRedactedYAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return redactedValue
}
