// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package token implements Ed25519-signed bearer tokens for the admin
// console. A token proves an operator identity when the kernel peer
// credential cannot — tokens arrive from a startup flag, an
// environment variable, a per-user file, or a fresh interactive login.
//
// Wire format: CBOR-encoded payload followed by a 64-byte Ed25519
// signature over the payload bytes. The split point is always
// len(token) - 64; no header, no base64 — the algorithm is fixed and
// the signature size is constant. The same validation rules apply to
// every token source.
package token
