// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the socket protocol between the admin console
// client and the anteroomd daemon: the frame envelope, the message
// bodies carried inside frames, and the stable error taxonomy the
// presentation layer renders from.
//
// The protocol is a bidirectional sequence of CBOR values over one
// Unix socket connection. Each value is a Frame; the frame kind
// selects the body type. Two logical pipes share the connection:
// unary commands (correlated by frame ID) and server-push event
// streams (one subscription per frame ID). Keep-alive frames flow in
// both directions on otherwise idle connections.
//
// Wire stability: all optional fields are omitempty and decoders
// ignore unknown fields, so adding fields is always safe across
// client/server version skew within a deployment.
package wire
