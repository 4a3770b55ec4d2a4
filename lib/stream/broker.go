// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/anteroom-foundation/anteroom/lib/wire"
)

var (
	// ErrResyncRequired: the requested resume point predates the
	// replay ring; the subscriber must rebuild state from a query.
	ErrResyncRequired = errors.New("stream: resume point no longer retained")

	// ErrStreamOverrun: the subscriber's buffer filled and the
	// subscription was terminated.
	ErrStreamOverrun = errors.New("stream: subscriber fell behind")
)

const (
	// DefaultRetention is the per-topic replay ring size.
	DefaultRetention = 1024

	// DefaultBuffer is the per-subscription channel depth beyond any
	// replayed events.
	DefaultBuffer = 64
)

// Broker fans published events out to per-topic subscribers. Safe for
// concurrent use.
type Broker struct {
	retention int
	buffer    int
	logger    *slog.Logger

	mu        sync.Mutex
	topics    map[string]*topicState
	nextSubID uint64
}

type topicState struct {
	// seq is the last assigned sequence number; the first event on a
	// topic gets 1.
	seq  uint64
	ring []wire.StreamEvent
	subs map[uint64]*Subscription
}

// NewBroker creates a broker. Non-positive retention or buffer use the
// defaults.
func NewBroker(retention, buffer int, logger *slog.Logger) *Broker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		retention: retention,
		buffer:    buffer,
		logger:    logger,
		topics:    make(map[string]*topicState),
	}
}

// Publish assigns the event's sequence number and delivers it to every
// matching subscriber. Returns the assigned sequence. Events with an
// empty TenantID are broadcast to all tenants.
func (b *Broker) Publish(topic string, event wire.StreamEvent) uint64 {
	b.mu.Lock()

	state := b.topicLocked(topic)
	state.seq++
	event.Seq = state.seq

	state.ring = append(state.ring, event)
	if len(state.ring) > b.retention {
		state.ring = state.ring[len(state.ring)-b.retention:]
	}

	var overrun []*Subscription
	for _, sub := range state.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			overrun = append(overrun, sub)
		}
	}
	for _, sub := range overrun {
		b.terminateLocked(state, sub, ErrStreamOverrun)
	}
	b.mu.Unlock()

	for _, sub := range overrun {
		b.logger.Warn("subscriber overrun",
			"topic", topic,
			"tenant", sub.tenantID,
			"seq", event.Seq)
	}
	return event.Seq
}

// Subscribe registers a consumer on a topic, scoped to tenantID (empty
// means all tenants). afterSeq resumes delivery after that sequence
// number: retained events past it are replayed into the subscription
// before any live event. afterSeq 0 means live-only with no replay.
//
// Returns ErrResyncRequired when afterSeq falls outside what the ring
// can prove contiguous: older than the oldest retained event, or ahead
// of the topic entirely (a daemon restart reset the counter).
func (b *Broker) Subscribe(topic, tenantID string, afterSeq uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.topicLocked(topic)

	if afterSeq > state.seq {
		// Ahead of the topic: the counter was reset by a restart.
		return nil, ErrResyncRequired
	}
	if afterSeq > 0 && afterSeq < state.seq {
		// The event right after the resume point must still be
		// retained, or the replay would have a hole.
		if len(state.ring) == 0 || state.ring[0].Seq > afterSeq+1 {
			return nil, ErrResyncRequired
		}
	}

	var replay []wire.StreamEvent
	b.nextSubID++
	sub := &Subscription{
		id:       b.nextSubID,
		topic:    topic,
		tenantID: tenantID,
		broker:   b,
	}
	for _, event := range state.ring {
		if event.Seq > afterSeq && sub.matches(event) {
			replay = append(replay, event)
		}
	}

	sub.events = make(chan wire.StreamEvent, len(replay)+b.buffer)
	for _, event := range replay {
		sub.events <- event
	}
	state.subs[sub.id] = sub
	return sub, nil
}

// topicLocked returns the topic state, creating it on first use. Must
// be called with b.mu held.
func (b *Broker) topicLocked(topic string) *topicState {
	state, exists := b.topics[topic]
	if !exists {
		state = &topicState{subs: make(map[uint64]*Subscription)}
		b.topics[topic] = state
	}
	return state
}

// terminateLocked removes a subscription and closes its channel. Must
// be called with b.mu held.
func (b *Broker) terminateLocked(state *topicState, sub *Subscription, cause error) {
	if _, exists := state.subs[sub.id]; !exists {
		return
	}
	delete(state.subs, sub.id)
	sub.err = cause
	close(sub.events)
}

// unsubscribe is Subscription.Close's half of the bookkeeping.
func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, exists := b.topics[sub.topic]; exists {
		b.terminateLocked(state, sub, nil)
	}
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, exists := b.topics[topic]; exists {
		return len(state.subs)
	}
	return 0
}

// Subscription is one consumer's attachment to a topic. Read from
// Events until it closes, then check Err for the termination cause.
type Subscription struct {
	id       uint64
	topic    string
	tenantID string
	broker   *Broker
	events   chan wire.StreamEvent

	// err is set before events closes; nil means a clean Close.
	err error
}

// Events yields replayed then live events in strictly increasing
// sequence order. Tenant filtering may leave gaps between consecutive
// sequence numbers. The channel closes when the subscription ends.
func (s *Subscription) Events() <-chan wire.StreamEvent {
	return s.events
}

// Err reports why the subscription ended. Only meaningful after
// Events has closed; returns ErrStreamOverrun when the consumer fell
// behind, nil for a clean Close.
func (s *Subscription) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Close detaches the subscription and closes its Events channel.
// Idempotent.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// matches reports whether the subscription should see the event.
func (s *Subscription) matches(event wire.StreamEvent) bool {
	return s.tenantID == "" || event.TenantID == "" || event.TenantID == s.tenantID
}
