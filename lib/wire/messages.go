// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Command types understood by the daemon. The gateway behind the
// daemon may accept more; these are the ones the admin console issues.
const (
	CommandApprove    = "approve"
	CommandReject     = "reject"
	CommandGetDetails = "get-details"
)

// Stream event types.
const (
	EventSubmitted     = "submitted"
	EventApproved      = "approved"
	EventRejected      = "rejected"
	EventHealthChanged = "health_changed"
)

// Stream topics.
const (
	// TopicApprovals carries approval-queue deltas for a tenant.
	TopicApprovals = "approvals"

	// TopicHealth carries downstream dependency health transitions
	// (circuit breaker state changes).
	TopicHealth = "health"
)

// Authenticate is the body of an auth frame. Exactly one credential
// form is set: a bearer token, or a username/password pair for
// interactive login.
type Authenticate struct {
	Token    []byte `cbor:"token,omitempty"`
	Username string `cbor:"username,omitempty"`
	Password string `cbor:"password,omitempty"`
}

// Welcome is the body of a welcome frame: authentication succeeded
// and a session is active.
type Welcome struct {
	SessionID string   `cbor:"session_id"`
	Subject   string   `cbor:"subject"`
	TenantID  string   `cbor:"tenant_id"`
	Roles     []string `cbor:"roles"`

	// ExpiresAt is the session's hard expiry, Unix seconds. Activity
	// does not extend it.
	ExpiresAt int64 `cbor:"expires_at"`

	// Token is a freshly minted bearer token, present only after
	// interactive login. The client may persist it for subsequent
	// non-interactive sessions.
	Token []byte `cbor:"token,omitempty"`

	// KeepAliveSeconds is the server's keep-alive interval. Either
	// side treats 3x this interval without traffic as a dead
	// connection.
	KeepAliveSeconds int `cbor:"keepalive_seconds"`
}

// Command is the body of a command frame. CommandID is client
// generated and is the idempotency key: retrying a command with the
// same ID returns the original result without re-execution.
type Command struct {
	CommandID string `cbor:"command_id"`
	Type      string `cbor:"type"`
	TargetID  string `cbor:"target_id,omitempty"`
	TenantID  string `cbor:"tenant_id,omitempty"`

	// IssuedBy is filled in by the server from the session identity;
	// a client-supplied value is overwritten.
	IssuedBy string `cbor:"issued_by,omitempty"`

	// TimeoutMillis is the caller-assigned deadline for this command,
	// relative to server receipt. Zero means the server default.
	TimeoutMillis int64 `cbor:"timeout_ms,omitempty"`

	Payload map[string]any `cbor:"payload,omitempty"`
}

// CommandResult is the body of a result frame: exactly one per
// command, never a partial result. Business-rule failures arrive here
// as Success=false with an ErrorCode (e.g. "ALREADY_PROCESSED"), not
// as transport errors — they are expected outcomes, and the client
// can tell "retry will help" from "refresh your view".
type CommandResult struct {
	CommandID    string         `cbor:"command_id"`
	Success      bool           `cbor:"success"`
	ErrorCode    string         `cbor:"error_code,omitempty"`
	ErrorMessage string         `cbor:"error_message,omitempty"`
	Payload      map[string]any `cbor:"payload,omitempty"`
}

// Subscribe is the body of a subscribe frame: one request, then an
// unbounded ordered sequence of event frames until cancel, overrun,
// or disconnect.
type Subscribe struct {
	Topic    string `cbor:"topic"`
	TenantID string `cbor:"tenant_id,omitempty"`

	// AfterSeq resumes delivery strictly after this sequence number.
	// Zero requests delivery from the current position with no
	// replay. If the server no longer retains history back to
	// AfterSeq, the subscribe fails with RESYNC_REQUIRED.
	AfterSeq uint64 `cbor:"after_seq,omitempty"`
}

// StreamEvent is the body of an event frame. Seq is monotonically
// increasing per topic; a subscriber may observe gaps only where
// intervening events were filtered out for its tenant.
type StreamEvent struct {
	EventID  string `cbor:"event_id"`
	Seq      uint64 `cbor:"seq"`
	Type     string `cbor:"type"`
	TenantID string `cbor:"tenant_id,omitempty"`

	Payload map[string]any `cbor:"payload,omitempty"`

	// OccurredAt is Unix milliseconds of the originating domain event.
	OccurredAt int64 `cbor:"occurred_at"`
}

// StreamEnd is the body of a stream_end frame. Code is one of the
// taxonomy codes — STREAM_OVERRUN and RESYNC_REQUIRED instruct the
// client to resync; an empty code means the stream ended cleanly
// (cancellation or shutdown).
type StreamEnd struct {
	Code    string `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
}
