// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and drive it with Advance.
//
// Session expiry, circuit-breaker cooldowns, retry backoff, keep-alive
// intervals, and idempotency-cache windows all run against an injected
// Clock, so every time-dependent behavior in the repository has a
// deterministic test.
package clock
