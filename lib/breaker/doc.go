// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker wraps calls to unreliable downstream dependencies
// (hypervisor management APIs and the like) invoked while servicing
// admin commands and queries.
//
// Each dependency gets a circuit breaker: Closed until consecutive
// failures reach the threshold, then Open for a cooldown during which
// calls fail immediately with ErrCircuitOpen and no downstream
// attempt, then HalfOpen admitting exactly one trial call whose
// outcome closes or reopens the circuit.
//
// Retry applies exponential backoff with jitter, and only to calls
// the caller declares idempotent. Non-idempotent calls are never
// auto-retried here — their failure surfaces unchanged so the UI can
// offer a manual retry.
package breaker
