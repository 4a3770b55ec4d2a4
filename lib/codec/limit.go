// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"io"
)

// MaxFrameSize caps a single CBOR value read off a socket. 1 MB is
// generous for any console frame; command and event payloads are
// small maps.
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned mid-read when a single value exceeds
// the limiter's budget.
var ErrFrameTooLarge = errors.New("codec: frame exceeds size limit")

// FrameLimiter bounds each CBOR value decoded from an untrusted
// connection, so a peer cannot exhaust memory with one giant frame.
// Unlike io.LimitReader it is rearmable: a persistent connection
// keeps one decoder and calls Reset before each frame. Exhausting the
// budget returns ErrFrameTooLarge rather than io.EOF, so callers can
// tell an oversized frame from a closed peer.
type FrameLimiter struct {
	r         io.Reader
	limit     int64
	remaining int64
}

// NewFrameLimiter wraps r with a per-frame budget of limit bytes.
// A non-positive limit means MaxFrameSize.
func NewFrameLimiter(r io.Reader, limit int64) *FrameLimiter {
	if limit <= 0 {
		limit = MaxFrameSize
	}
	return &FrameLimiter{r: r, limit: limit, remaining: limit}
}

// Reset rearms the budget. Call before decoding each frame.
func (l *FrameLimiter) Reset() { l.remaining = l.limit }

func (l *FrameLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
