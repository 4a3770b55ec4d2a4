// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedupe is the command idempotency cache. Command IDs are
// client generated; a client that retries after a transport blip must
// not double-apply an approval, so the daemon remembers recently seen
// IDs and replays the original CommandResult for duplicates instead
// of re-executing.
//
// The cache is bounded two ways: a TTL window and a maximum entry
// count with oldest-first eviction. The check-and-reserve step is
// atomic so concurrent retries of the same command ID race safely.
package dedupe
