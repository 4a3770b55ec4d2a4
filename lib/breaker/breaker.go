// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
)

// State is a circuit's position in the Closed/Open/HalfOpen machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Errors returned by Call.
var (
	// ErrCircuitOpen: the circuit is open (or the single half-open
	// trial slot is taken); the downstream was not contacted.
	ErrCircuitOpen = errors.New("breaker: circuit open")
)

// StateChangeFunc observes circuit transitions. Used to feed the
// health event stream. Called outside the breaker's lock.
type StateChangeFunc func(dependency string, from, to State)

// CircuitBreaker guards one downstream dependency. Safe for
// concurrent use; only call outcomes and the cooldown timer mutate
// its state.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	// queued holds undelivered transitions in the order they
	// happened; notifying is true while a drain goroutine runs.
	queued    []stateChange
	notifying bool
}

type stateChange struct {
	from, to State
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and stays open for cooldown.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, clk clock.Clock, onChange StateChangeFunc) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		onChange:  onChange,
		state:     StateClosed,
	}
}

// Call executes fn under the circuit's admission rules. While open,
// Call fails immediately with ErrCircuitOpen. After the cooldown, the
// circuit moves to half-open and admits exactly one concurrent trial;
// other callers keep getting ErrCircuitOpen until the trial decides
// the next state. A context error from fn counts as a failure — a
// dependency that times out is as unhealthy as one that errors.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.settle(trial, callErr)
	return callErr
}

// State returns the circuit's current state, accounting for an
// elapsed cooldown.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooldownElapsedLocked() {
		return StateHalfOpen
	}
	return b.state
}

// admit decides whether a call may proceed. Returns whether this call
// is the half-open trial.
func (b *CircuitBreaker) admit() (trial bool, err error) {
	b.mu.Lock()

	if b.state == StateOpen && b.cooldownElapsedLocked() {
		b.transitionLocked(StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	default: // StateOpen
		b.mu.Unlock()
		return false, ErrCircuitOpen
	}
}

// settle records the call outcome and drives the state machine.
func (b *CircuitBreaker) settle(trial bool, callErr error) {
	b.mu.Lock()

	if trial {
		b.trialInFlight = false
	}

	if callErr == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.transitionLocked(StateClosed)
		}
		b.mu.Unlock()
		return
	}

	b.failures++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.threshold) {
		b.openedAt = b.clock.Now()
		b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
}

// cooldownElapsedLocked reports whether the open period is over. Must
// be called with b.mu held.
func (b *CircuitBreaker) cooldownElapsedLocked() bool {
	return b.clock.Now().Sub(b.openedAt) >= b.cooldown
}

// transitionLocked changes state and queues the observer callback.
// Must be called with b.mu held. Callbacks are delivered by a single
// drain goroutine, outside the lock, in transition order — so an
// observer always sees Open before HalfOpen before Closed, and may
// call State() from the callback.
func (b *CircuitBreaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if b.onChange == nil || from == to {
		return
	}
	b.queued = append(b.queued, stateChange{from: from, to: to})
	if !b.notifying {
		b.notifying = true
		go b.drainChanges()
	}
}

func (b *CircuitBreaker) drainChanges() {
	for {
		b.mu.Lock()
		if len(b.queued) == 0 {
			b.notifying = false
			b.mu.Unlock()
			return
		}
		next := b.queued[0]
		b.queued = b.queued[1:]
		b.mu.Unlock()
		b.onChange(b.name, next.from, next.to)
	}
}
