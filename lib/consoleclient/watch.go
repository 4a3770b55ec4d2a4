// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package consoleclient

import (
	"context"
	"errors"

	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// Watcher is a long-lived event feed that survives disconnects. It
// reconnects with backoff, resubscribes after the last sequence number
// it delivered, and reports through Resyncs when the server cannot
// resume (overrun or retention miss) so the caller can rebuild its
// state from a fresh query first.
type Watcher struct {
	events  chan wire.StreamEvent
	resyncs chan string
	done    chan struct{}
	err     error
}

// Events yields the feed. Closed when the watcher stops; Err then
// says why.
func (w *Watcher) Events() <-chan wire.StreamEvent { return w.events }

// Resyncs reports stream terminations that invalidated local state
// (STREAM_OVERRUN, RESYNC_REQUIRED). After a resync signal the
// watcher resubscribes from the live position; events older than the
// signal must be re-fetched by query.
func (w *Watcher) Resyncs() <-chan string { return w.resyncs }

// Done is closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err reports why the watcher stopped. Valid after Done. Nil when the
// context ended or the feed was cancelled cleanly.
func (w *Watcher) Err() error {
	<-w.done
	return w.err
}

// Watch starts a reconnecting subscription on topic. It runs until
// ctx ends, the feed is cancelled server-side, or an unrecoverable
// error (failed authentication, authorization) stops it.
func (c *Client) Watch(ctx context.Context, topic string) *Watcher {
	w := &Watcher{
		events:  make(chan wire.StreamEvent, 64),
		resyncs: make(chan string, 4),
		done:    make(chan struct{}),
	}
	go c.watchLoop(ctx, topic, w)
	return w
}

func (c *Client) watchLoop(ctx context.Context, topic string, w *Watcher) {
	defer func() {
		close(w.events)
		close(w.resyncs)
		close(w.done)
	}()

	var lastSeq uint64
	attempt := 0
	for ctx.Err() == nil {
		sess, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A handshake cut short by a dying connection heals the
			// same way a missing socket does: back off and redial.
			var coded *wire.Error
			unreachable := errors.As(err, &coded) && coded.Code == wire.CodeSocketUnavailable
			if unreachable || errors.Is(err, ErrConnClosed) {
				if !c.wait(ctx, attempt) {
					return
				}
				attempt++
				continue
			}
			// Credential problems do not heal by retrying.
			w.err = err
			return
		}
		attempt = 0

		stream, err := sess.Subscribe(ctx, wire.Subscribe{Topic: topic, AfterSeq: lastSeq})
		if err != nil {
			sess.Close()
			if !c.wait(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		for event := range stream.Events() {
			lastSeq = event.Seq
			select {
			case w.events <- event:
			case <-ctx.Done():
				sess.Close()
				return
			}
		}

		end := stream.End()
		sess.Close()
		switch end.Code {
		case "":
			// Clean end: the feed was cancelled.
			return
		case wire.CodeStreamOverrun, wire.CodeResyncRequired:
			lastSeq = 0
			select {
			case w.resyncs <- end.Code:
			default:
			}
			c.logger.Warn("event feed requires resync", "topic", topic, "code", end.Code)
		case wire.CodeSocketUnavailable:
			c.logger.Info("event feed lost connection", "topic", topic)
			if !c.wait(ctx, attempt) {
				return
			}
			attempt++
		default:
			w.err = &wire.Error{Code: end.Code, Message: end.Message}
			return
		}
	}
}
