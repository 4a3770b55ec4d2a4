// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns admin-console session lifecycle: creation on
// successful authentication, hard-TTL expiry, explicit logout, and
// the global concurrent-session cap.
//
// The session table is the daemon's one piece of cross-connection
// shared mutable state on the auth path; all access serializes
// through the Manager's mutex. Expiry is a hard TTL — activity
// refreshes LastActivityAt for observability but never extends
// ExpiresAt, which bounds the blast radius of a leaked token.
package session
