// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package consoleclient is the client side of the admin console
// protocol: dialing the daemon's Unix socket, working through the
// credential chain, issuing unary commands, and consuming event
// streams with automatic reconnection.
//
// Conn is one protocol connection: a reader goroutine correlates
// inbound frames to pending calls and open streams by frame ID, and a
// writer goroutine serializes outbound frames. Client sits above it
// with the credential chain and the reconnect loop: Watch keeps an
// event feed alive across daemon restarts, resuming from the last
// sequence number it saw and telling the caller when the server
// demands a full resync instead.
package consoleclient
