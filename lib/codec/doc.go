// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is Anteroom's CBOR codec. All wire messages, bearer
// token payloads, and configuration snapshots encode through this
// package so that every component shares one encoder configuration.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical value always produces identical bytes. This matters for
// signed token payloads, where signature verification operates on the
// exact encoded bytes.
//
// CBOR values are self-delimiting, so the socket protocol needs no
// length-prefix framing: each frame is one CBOR value decoded straight
// off the connection, with a FrameLimiter bounding the read.
package codec
