// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/anteroom-foundation/anteroom/lib/codec"

// Frame kinds. Client to server: auth, command, subscribe, cancel,
// logout, keepalive. Server to client: welcome, result, event,
// stream_end, error, keepalive.
const (
	// KindAuth carries an Authenticate body. Sent by a client whose
	// peer credential did not resolve to a mapped identity.
	KindAuth = "auth"

	// KindWelcome carries a Welcome body: the session is active.
	KindWelcome = "welcome"

	// KindCommand carries a Command body. The frame ID correlates the
	// eventual result frame.
	KindCommand = "command"

	// KindResult carries a CommandResult body for the command frame
	// with the same ID.
	KindResult = "result"

	// KindSubscribe carries a Subscribe body. The frame ID names the
	// subscription; subsequent event frames reuse it.
	KindSubscribe = "subscribe"

	// KindEvent carries a StreamEvent body on an open subscription.
	KindEvent = "event"

	// KindStreamEnd carries a StreamEnd body: the server has stopped
	// pushing events for this subscription ID.
	KindStreamEnd = "stream_end"

	// KindCancel cancels the in-flight command or subscription with
	// the same frame ID. No body.
	KindCancel = "cancel"

	// KindLogout destroys the session. No body; the server closes the
	// connection after processing.
	KindLogout = "logout"

	// KindKeepAlive is a liveness probe on idle connections. No body.
	KindKeepAlive = "keepalive"

	// KindError carries an Error body for the frame with the same ID,
	// or for the connection as a whole when the ID is zero.
	KindError = "error"
)

// Frame is the envelope for every value on the wire. Body holds the
// kind-specific message, decoded by the receiver once the kind is
// known.
type Frame struct {
	Kind string           `cbor:"kind"`
	ID   uint64           `cbor:"id,omitempty"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// NewFrame encodes body and wraps it in a Frame. A nil body produces
// a bodyless frame (keepalive, cancel, logout).
func NewFrame(kind string, id uint64, body any) (Frame, error) {
	frame := Frame{Kind: kind, ID: id}
	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			return Frame{}, err
		}
		frame.Body = encoded
	}
	return frame, nil
}
