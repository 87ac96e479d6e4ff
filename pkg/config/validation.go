// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	neturl "net/url"

	"github.com/stacklok/oauthbridge/pkg/networking"
)

// validateIssuer requires an absolute https URL without query or fragment
// (RFC 8414 section 2). Plain http is accepted for loopback hosts.
func validateIssuer(issuer string) error {
	u, err := neturl.Parse(issuer)
	if err != nil {
		return fmt.Errorf("server.issuer is not a valid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("server.issuer must be an absolute URL, got %q", issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("server.issuer must not contain a query or fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if networking.IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("server.issuer must use https unless it is a loopback address")
	default:
		return fmt.Errorf("server.issuer must use https, got scheme %q", u.Scheme)
	}
}

