// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the token bridge between a downstream OAuth
// client and the upstream identity provider that actually holds the user's
// account.
//
// The downstream client never sees upstream credentials. It runs a normal
// authorization code flow with PKCE against the bridge and receives opaque
// bridge tokens. Behind each downstream access token sits a session that
// carries the upstream credentials, which the bridge refreshes on its own.
//
// An authorization attempt moves through these states, each transition a
// compare-and-set on the stored record:
//
//	initiated -> upstream_pending -> upstream_complete -> exchanged
//
// and any non-terminal state expires ten minutes after creation.
//
// Refreshing downstream tokens issues a new access token (a new session) but
// keeps the refresh token. The previous session is not deleted; it lapses on
// its own expiry and only the newest one is reachable by refresh token.
package bridge
