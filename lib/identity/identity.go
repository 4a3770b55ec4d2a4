// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import "errors"

// Kind says which mechanism established an identity.
type Kind string

const (
	// KindUnixUser: resolved from the kernel peer credential.
	KindUnixUser Kind = "unix-user"

	// KindToken: resolved from a verified bearer token or an
	// interactive login.
	KindToken Kind = "token"
)

// Identity is the resolved application identity of a connection.
// Immutable once resolved for the connection's lifetime.
type Identity struct {
	Kind     Kind
	Subject  string
	TenantID string
	Roles    []string
}

// HasRole reports whether the identity carries the named role.
func (id *Identity) HasRole(role string) bool {
	for _, held := range id.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// Resolution errors. ErrIdentityNotMapped is deliberately distinct
// from ErrAuthenticationFailed: a cleanly resolved OS user that maps
// to no application identity is an administrative gap ("add this OS
// user to the operator map"), not a credential failure.
var (
	ErrIdentityNotMapped    = errors.New("identity: OS user is not in the operator map")
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
	ErrPeerCredUnsupported  = errors.New("identity: peer credentials not supported on this platform")
	ErrNoInteractiveBackend = errors.New("identity: interactive login is not configured")
)
