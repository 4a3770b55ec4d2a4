// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

var testEpoch = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func TestReserveThenDuplicate(t *testing.T) {
	cache := New(15*time.Minute, 100, clock.Fake(testEpoch))

	cached, duplicate := cache.Reserve("cmd-1")
	if duplicate {
		t.Fatal("fresh command ID reported as duplicate")
	}
	if cached != nil {
		t.Fatal("fresh command ID returned a cached result")
	}

	result := &wire.CommandResult{CommandID: "cmd-1", Success: true}
	cache.Complete("cmd-1", result)

	cached, duplicate = cache.Reserve("cmd-1")
	if !duplicate {
		t.Fatal("retried command ID not reported as duplicate")
	}
	if cached == nil || !cached.Success || cached.CommandID != "cmd-1" {
		t.Fatalf("cached = %+v, want the original result", cached)
	}
}

func TestDuplicateWhileInFlight(t *testing.T) {
	cache := New(15*time.Minute, 100, clock.Fake(testEpoch))

	cache.Reserve("cmd-1")

	// Second arrival before Complete: still a duplicate, result not
	// yet available.
	cached, duplicate := cache.Reserve("cmd-1")
	if !duplicate {
		t.Fatal("in-flight command ID not reported as duplicate")
	}
	if cached != nil {
		t.Fatalf("cached = %+v, want nil while in flight", cached)
	}
}

func TestWindowExpiry(t *testing.T) {
	fake := clock.Fake(testEpoch)
	cache := New(15*time.Minute, 100, fake)

	cache.Reserve("cmd-1")
	cache.Complete("cmd-1", &wire.CommandResult{CommandID: "cmd-1", Success: true})

	fake.Advance(14 * time.Minute)
	if _, duplicate := cache.Reserve("cmd-1"); !duplicate {
		t.Error("command ID inside window not reported as duplicate")
	}

	fake.Advance(2 * time.Minute)
	if _, duplicate := cache.Reserve("cmd-1"); duplicate {
		t.Error("command ID outside window still reported as duplicate")
	}
}

func TestOldestFirstEviction(t *testing.T) {
	cache := New(15*time.Minute, 3, clock.Fake(testEpoch))

	for i := 0; i < 3; i++ {
		cache.Reserve(fmt.Sprintf("cmd-%d", i))
	}
	if cache.Len() != 3 {
		t.Fatalf("Len = %d, want 3", cache.Len())
	}

	// A fourth ID evicts cmd-0.
	cache.Reserve("cmd-3")
	if cache.Len() != 3 {
		t.Fatalf("Len after eviction = %d, want 3", cache.Len())
	}
	if _, duplicate := cache.Reserve("cmd-0"); duplicate {
		t.Error("evicted command ID still reported as duplicate")
	}
}

func TestForget(t *testing.T) {
	cache := New(15*time.Minute, 100, clock.Fake(testEpoch))

	cache.Reserve("cmd-1")
	cache.Forget("cmd-1")

	if _, duplicate := cache.Reserve("cmd-1"); duplicate {
		t.Error("forgotten command ID reported as duplicate")
	}
}
