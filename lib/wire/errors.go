// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the presentation layer. Every failure that
// crosses the socket is one of these — never a raw transport error —
// so the client can render a stable, actionable message for each.
const (
	// CodeSocketUnavailable: the socket path does not exist or the
	// connecting process lacks filesystem permission on it.
	CodeSocketUnavailable = "SOCKET_UNAVAILABLE"

	// CodeAuthenticationError: every credential source failed.
	CodeAuthenticationError = "AUTHENTICATION_ERROR"

	// CodeIdentityNotMapped: the peer's OS user resolved cleanly but
	// maps to no application identity. Distinct from outright
	// authentication failure so the client can suggest adding the OS
	// user to the operator map.
	CodeIdentityNotMapped = "IDENTITY_NOT_MAPPED"

	// CodeSessionExpired: the session passed its hard TTL. The client
	// must re-run authentication; the server never silently renews.
	CodeSessionExpired = "SESSION_EXPIRED"

	// CodeTooManySessions: the global live-session cap is reached.
	// Existing sessions are never evicted to admit a new one.
	CodeTooManySessions = "TOO_MANY_SESSIONS"

	// CodeDeadlineExceeded: the command's deadline elapsed before the
	// server could complete it.
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"

	// CodeCircuitOpen: a downstream dependency's circuit breaker is
	// open; the call was rejected without a downstream attempt.
	CodeCircuitOpen = "CIRCUIT_OPEN"

	// CodeStreamOverrun: the subscriber could not keep up and the
	// server dropped the stream rather than buffer without bound.
	// Treat as disconnect-and-resync, not a fatal error.
	CodeStreamOverrun = "STREAM_OVERRUN"

	// CodeResyncRequired: the requested resume point predates the
	// server's retained history. Discard local state, re-fetch a
	// snapshot, then resubscribe from the current sequence.
	CodeResyncRequired = "RESYNC_REQUIRED"

	// CodeUnauthorized: the session's current roles or tenant do not
	// permit the command. Checked per command, not cached from
	// connection time.
	CodeUnauthorized = "UNAUTHORIZED"

	// CodeInternalError: unclassified server-side failure.
	CodeInternalError = "INTERNAL_ERROR"
)

// Error is a taxonomy-coded error. It crosses the socket verbatim as
// the body of an error frame or inside a StreamEnd.
type Error struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err. Errors that are not
// *Error (or wrap one) classify as INTERNAL_ERROR — raw errors must
// never leak a code of their own.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// AsError converts err into an *Error suitable for the wire. Coded
// errors pass through; anything else is wrapped as INTERNAL_ERROR
// with its message preserved.
func AsError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
