// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"

	"github.com/anteroom-foundation/anteroom/lib/breaker"
	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// CommandGateway executes state-changing commands (approve, reject)
// against the backend domain. The console never contains domain rules;
// it routes, authorizes, deduplicates, and reports. A business-rule
// refusal (request already processed, say) is a successful Execute
// returning Success=false — an error return means the gateway itself
// failed.
//
// Commands are not auto-retried: the console cannot know whether a
// failed attempt took effect downstream.
type CommandGateway interface {
	Execute(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error)
}

// QueryGateway answers read-only queries (request details). Queries
// are idempotent, so the resilient wrapper retries them.
type QueryGateway interface {
	Query(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error)
}

// CommandGatewayFunc adapts a function to CommandGateway.
type CommandGatewayFunc func(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error)

func (f CommandGatewayFunc) Execute(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	return f(ctx, caller, cmd)
}

// QueryGatewayFunc adapts a function to QueryGateway.
type QueryGatewayFunc func(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error)

func (f QueryGatewayFunc) Query(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	return f(ctx, caller, cmd)
}

// ResilientCommandGateway routes Execute through a circuit breaker.
// While the circuit is open, Execute fails with breaker.ErrCircuitOpen
// and the downstream gateway is never called.
type ResilientCommandGateway struct {
	inner   CommandGateway
	circuit *breaker.CircuitBreaker
}

// NewResilientCommandGateway wraps inner with the circuit for the
// named dependency in reg.
func NewResilientCommandGateway(inner CommandGateway, reg *breaker.Registry, dependency string) *ResilientCommandGateway {
	return &ResilientCommandGateway{inner: inner, circuit: reg.For(dependency)}
}

func (g *ResilientCommandGateway) Execute(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	var result *wire.CommandResult
	err := g.circuit.Call(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = g.inner.Execute(ctx, caller, cmd)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResilientQueryGateway routes Query through a circuit breaker and,
// because queries are idempotent, retries transient failures with
// exponential backoff.
type ResilientQueryGateway struct {
	inner   QueryGateway
	circuit *breaker.CircuitBreaker
	policy  breaker.RetryPolicy
	clock   clock.Clock
}

// NewResilientQueryGateway wraps inner with the circuit for the named
// dependency in reg and the given retry policy.
func NewResilientQueryGateway(inner QueryGateway, reg *breaker.Registry, dependency string, policy breaker.RetryPolicy, clk clock.Clock) *ResilientQueryGateway {
	return &ResilientQueryGateway{
		inner:   inner,
		circuit: reg.For(dependency),
		policy:  policy,
		clock:   clk,
	}
}

func (g *ResilientQueryGateway) Query(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	var result *wire.CommandResult
	err := breaker.Retry(ctx, g.clock, g.policy, func(ctx context.Context) error {
		return g.circuit.Call(ctx, func(ctx context.Context) error {
			var queryErr error
			result, queryErr = g.inner.Query(ctx, caller, cmd)
			return queryErr
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
