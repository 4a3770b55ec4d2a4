// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package identity

import "net"

// PeerCredential is unavailable on this platform; the resolver chain
// falls through to token authentication.
func PeerCredential(conn *net.UnixConn) (uint32, error) {
	return 0, ErrPeerCredUnsupported
}
