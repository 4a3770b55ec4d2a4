// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"sync"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
)

// Registry hands out one circuit breaker per downstream dependency
// name, creating them on first use with shared settings. Safe for
// concurrent use.
type Registry struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  StateChangeFunc

	mu       sync.Mutex
	circuits map[string]*CircuitBreaker
}

// NewRegistry creates a registry. onChange (may be nil) observes every
// circuit's transitions, keyed by dependency name.
func NewRegistry(threshold int, cooldown time.Duration, clk clock.Clock, onChange StateChangeFunc) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		onChange:  onChange,
		circuits:  make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker guarding the named dependency, creating it
// if this is the first call for that name.
func (r *Registry) For(dependency string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	circuit, exists := r.circuits[dependency]
	if !exists {
		circuit = NewCircuitBreaker(dependency, r.threshold, r.cooldown, r.clock, r.onChange)
		r.circuits[dependency] = circuit
	}
	return circuit
}

// States snapshots every known circuit's state, keyed by dependency
// name. Used for the health query and the initial health event.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	circuits := make([]*CircuitBreaker, 0, len(r.circuits))
	for _, circuit := range r.circuits {
		circuits = append(circuits, circuit)
	}
	r.mu.Unlock()

	// Per-circuit State() takes the circuit's own lock; do it outside
	// the registry lock.
	states := make(map[string]State, len(circuits))
	for _, circuit := range circuits {
		states[circuit.name] = circuit.State()
	}
	return states
}
