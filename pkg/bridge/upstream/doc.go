// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to the real identity provider that the bridge hides
// from downstream clients.
//
// Two provider flavours are available:
//
//   - OAuth2Provider works against explicitly configured endpoints and is
//     suitable for plain OAuth 2.0 servers such as GitHub.
//   - OIDCProvider discovers its endpoints from the issuer's
//     .well-known/openid-configuration document and reads the user's subject
//     from the verified ID token.
//
// Both implement Provider. Errors returned by a Provider are classified so
// that callers can tell an explicit rejection of a grant (ErrInvalidGrant)
// from a transient failure worth retrying later (ErrUnavailable):
//
//	tokens, err := provider.RefreshTokens(ctx, refreshToken)
//	switch {
//	case errors.Is(err, upstream.ErrInvalidGrant):
//		// the user must authenticate again
//	case errors.Is(err, upstream.ErrUnavailable):
//		// keep local state, try again later
//	}
//
// NewInstrumentedProvider wraps any Provider with OpenTelemetry metrics and
// client spans.
package upstream
