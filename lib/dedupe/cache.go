// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// entry is one cached command outcome.
type entry struct {
	commandID string
	seenAt    time.Time
	element   *list.Element

	// result is nil while the command is still executing (reserved)
	// and set by Complete once the outcome is known.
	result *wire.CommandResult
}

// Cache is a bounded TTL cache of command outcomes keyed by command
// ID. Safe for concurrent use. Insertion order is kept in a linked
// list for O(1) oldest-first eviction.
type Cache struct {
	clock   clock.Clock
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	seen  map[string]*entry
	order *list.List
}

// New creates a cache holding at most maxSize command IDs for at most
// ttl. Defaults: 15 minutes, 1000 entries.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		clock:   clk,
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]*entry),
		order:   list.New(),
	}
}

// Reserve atomically checks whether commandID was already seen inside
// the window. For a fresh ID it records a reservation and returns
// (nil, false): the caller must execute the command and call Complete.
// For a duplicate it returns (cachedResult, true); the cached result
// is nil when the original execution is still in flight — callers
// treat that as a duplicate too and must not execute again.
func (c *Cache) Reserve(commandID string) (*wire.CommandResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if existing, exists := c.seen[commandID]; exists {
		if now.Sub(existing.seenAt) < c.ttl {
			return existing.result, true
		}
		// Expired entry: fall through and reserve fresh.
		c.removeLocked(existing)
	}

	c.pruneExpiredLocked(now)
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	reserved := &entry{commandID: commandID, seenAt: now}
	reserved.element = c.order.PushBack(reserved)
	c.seen[commandID] = reserved
	return nil, false
}

// Complete stores the outcome for a previously reserved command ID.
// A no-op if the reservation was evicted in the meantime.
func (c *Cache) Complete(commandID string, result *wire.CommandResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, exists := c.seen[commandID]; exists {
		existing.result = result
	}
}

// Forget drops a reservation, making the command ID usable again.
// Called when execution never produced a result the client could have
// observed (e.g. the command was rejected before dispatch), so a
// retry gets a fresh execution rather than a nil replay.
func (c *Cache) Forget(commandID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, exists := c.seen[commandID]; exists {
		c.removeLocked(existing)
	}
}

// Len returns the number of cached IDs inside the window.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(c.clock.Now())
	return len(c.seen)
}

// pruneExpiredLocked removes entries older than the TTL, oldest
// first. Must be called with c.mu held.
func (c *Cache) pruneExpiredLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		oldest := front.Value.(*entry)
		if now.Sub(oldest.seenAt) < c.ttl {
			return
		}
		c.removeLocked(oldest)
	}
}

// evictOldestLocked removes the single oldest entry. Must be called
// with c.mu held.
func (c *Cache) evictOldestLocked() {
	if front := c.order.Front(); front != nil {
		c.removeLocked(front.Value.(*entry))
	}
}

// removeLocked unlinks an entry. Must be called with c.mu held.
func (c *Cache) removeLocked(victim *entry) {
	c.order.Remove(victim.element)
	delete(c.seen, victim.commandID)
}
