// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the application identity of a connecting
// admin client. Resolution order, first success wins:
//
//  1. Kernel peer credential: the socket's SO_PEERCRED uid, mapped
//     through the operator map. Nothing crosses the wire — the kernel
//     guarantees the uid cannot be spoofed by the peer.
//  2. Bearer token supplied out of band (flag or environment).
//  3. Bearer token read from the per-user token file.
//  4. Interactive username/password login over the Authenticate RPC.
//
// Steps 2-4 all arrive at the daemon as an auth frame; this package
// verifies them against the same signing key and rules. The peer
// credential mechanism is the one genuinely platform-coupled piece,
// isolated behind PeerCredential with per-platform implementations;
// on platforms without it the chain falls through to token auth.
package identity
