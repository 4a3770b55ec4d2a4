// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared across package tests.
// The channel helpers wrap the timeout safety valve pattern so tests
// never block forever on a channel that a bug left unserviced.
package testutil
