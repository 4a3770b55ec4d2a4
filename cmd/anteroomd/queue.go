// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/stream"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// request states.
const (
	stateApproved = "approved"
	statePending  = "pending"
	stateRejected = "rejected"
)

// pendingRequest is one provisioning request awaiting a decision.
type pendingRequest struct {
	ID        string
	TenantID  string
	State     string
	DecidedBy string
	Reason    string
	Details   map[string]any
}

// approvalQueue is an in-memory approval backend. It exists so the
// daemon runs end to end out of the box; a real deployment swaps in a
// gateway backed by its provisioning system. Domain rules live here,
// behind the gateway interfaces — never in the console.
type approvalQueue struct {
	broker *stream.Broker
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	requests map[string]*pendingRequest
	nextID   int
}

func newApprovalQueue(broker *stream.Broker, clk clock.Clock, logger *slog.Logger) *approvalQueue {
	return &approvalQueue{
		broker:   broker,
		clock:    clk,
		logger:   logger,
		requests: make(map[string]*pendingRequest),
	}
}

// Submit enqueues a new pending request and announces it on the
// approvals topic.
func (q *approvalQueue) Submit(tenantID string, details map[string]any) string {
	q.mu.Lock()
	q.nextID++
	id := fmt.Sprintf("req-%d", q.nextID)
	q.requests[id] = &pendingRequest{
		ID:       id,
		TenantID: tenantID,
		State:    statePending,
		Details:  details,
	}
	q.mu.Unlock()

	q.publish(wire.EventSubmitted, id, tenantID, map[string]any{"request_id": id})
	return id
}

// Execute decides a pending request. Refusals that an operator can
// act on (unknown request, already decided) come back as unsuccessful
// results, not errors.
func (q *approvalQueue) Execute(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	var decided, eventType string
	switch cmd.Type {
	case wire.CommandApprove:
		decided, eventType = stateApproved, wire.EventApproved
	case wire.CommandReject:
		decided, eventType = stateRejected, wire.EventRejected
	default:
		return nil, fmt.Errorf("approval queue: unsupported command type %q", cmd.Type)
	}

	q.mu.Lock()
	found, exists := q.requests[cmd.TargetID]
	if !exists || found.TenantID != cmd.TenantID {
		q.mu.Unlock()
		return &wire.CommandResult{
			Success:      false,
			ErrorCode:    "NOT_FOUND",
			ErrorMessage: fmt.Sprintf("no request %q in this tenant", cmd.TargetID),
		}, nil
	}
	if found.State != statePending {
		q.mu.Unlock()
		return &wire.CommandResult{
			Success:      false,
			ErrorCode:    "ALREADY_PROCESSED",
			ErrorMessage: fmt.Sprintf("request %q was already %s by %s", found.ID, found.State, found.DecidedBy),
		}, nil
	}
	found.State = decided
	found.DecidedBy = cmd.IssuedBy
	if reason, ok := cmd.Payload["reason"].(string); ok {
		found.Reason = reason
	}
	q.mu.Unlock()

	q.publish(eventType, found.ID, found.TenantID, map[string]any{
		"request_id": found.ID,
		"decided_by": cmd.IssuedBy,
	})
	return &wire.CommandResult{
		Success: true,
		Payload: map[string]any{"request_id": found.ID, "state": decided},
	}, nil
}

// Query answers get-details.
func (q *approvalQueue) Query(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
	q.mu.Lock()
	found, exists := q.requests[cmd.TargetID]
	if !exists || found.TenantID != cmd.TenantID {
		q.mu.Unlock()
		return &wire.CommandResult{
			Success:      false,
			ErrorCode:    "NOT_FOUND",
			ErrorMessage: fmt.Sprintf("no request %q in this tenant", cmd.TargetID),
		}, nil
	}
	snapshot := map[string]any{
		"request_id": found.ID,
		"tenant_id":  found.TenantID,
		"state":      found.State,
	}
	if found.DecidedBy != "" {
		snapshot["decided_by"] = found.DecidedBy
	}
	if found.Reason != "" {
		snapshot["reason"] = found.Reason
	}
	for key, value := range found.Details {
		snapshot["details_"+key] = value
	}
	q.mu.Unlock()

	return &wire.CommandResult{Success: true, Payload: snapshot}, nil
}

func (q *approvalQueue) publish(eventType, requestID, tenantID string, payload map[string]any) {
	now := q.clock.Now()
	seq := q.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID:    fmt.Sprintf("%s-%s-%d", eventType, requestID, now.UnixNano()),
		Type:       eventType,
		TenantID:   tenantID,
		Payload:    payload,
		OccurredAt: now.UnixMilli(),
	})
	q.logger.Debug("approval event published",
		"type", eventType,
		"request_id", requestID,
		"tenant", tenantID,
		"seq", seq)
}
