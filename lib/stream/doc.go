// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream is the daemon-side event broker behind the console's
// server-streaming feeds.
//
// Every topic carries its own monotonically increasing sequence
// number, assigned at publish. A bounded replay ring keeps the most
// recent events so a reconnecting client can resume from the last
// sequence number it saw; asking for history older than the ring
// fails with ErrResyncRequired and the client must rebuild from a
// fresh query.
//
// Delivery never blocks the publisher. Each subscription has a
// buffered channel; when a consumer falls behind and the buffer
// fills, the subscription is terminated with ErrStreamOverrun rather
// than letting one slow console stall the feed for everyone.
package stream
