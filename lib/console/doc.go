// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package console is the daemon side of the admin console protocol: a
// Unix domain socket server multiplexing unary command RPCs and
// server-streaming event feeds over one connection per client.
//
// A connection starts unauthenticated. The client sends an auth frame
// — empty to request kernel peer-credential resolution, or carrying a
// bearer token or interactive username/password — and the server
// answers with a welcome frame holding the session, or an error frame
// naming why. After the welcome, frames flow both ways: commands get
// exactly one result or error frame with the same frame ID, subscribe
// frames open event feeds that reuse their frame ID, and keep-alive
// frames prove liveness on idle connections.
//
// Writes are serialized through a single writer goroutine per
// connection; commands execute in their own goroutines under context
// deadlines. Business-rule failures travel inside CommandResult with
// Success=false; only infrastructure failures (expired session,
// deadline, open circuit) become error frames.
package console
