// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/identity"
)

// Session is one authenticated connection's session. The Manager owns
// the canonical record; lookups return snapshots.
type Session struct {
	ID             string
	Identity       identity.Identity
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Errors returned by the Manager.
var (
	ErrTooManySessions      = errors.New("session: concurrent session cap reached")
	ErrSessionExpired       = errors.New("session: session has expired")
	ErrSessionNotFound      = errors.New("session: no such session")
	ErrConnectionHasSession = errors.New("session: connection already has a session")
)

// Config tunes the Manager.
type Config struct {
	// TTL is the hard session lifetime. Default 4 hours.
	TTL time.Duration

	// MaxSessions caps global live sessions. Admission beyond the cap
	// fails closed with ErrTooManySessions — existing sessions are
	// never evicted. (Eviction and queueing policies are deliberately
	// not implemented; hard reject is the safe default.) Default 10.
	MaxSessions int

	// SweepInterval is how often the background sweep removes expired
	// sessions. Default 1 minute.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 4 * time.Hour
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Manager is the session table. Safe for concurrent use.
type Manager struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[uint64]string
}

// NewManager creates a Manager. Zero config fields take defaults.
func NewManager(config Config, clk clock.Clock, logger *slog.Logger) *Manager {
	config.applyDefaults()
	return &Manager{
		config:   config,
		clock:    clk,
		logger:   logger,
		sessions: make(map[string]*Session),
		byConn:   make(map[uint64]string),
	}
}

// Create issues a session for an authenticated connection. Enforces
// one session per connection and the global cap. Expired sessions are
// pruned before the cap check so stale entries never block admission.
func (m *Manager) Create(connID uint64, ident *identity.Identity) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.pruneExpiredLocked(now)

	if _, exists := m.byConn[connID]; exists {
		return Session{}, ErrConnectionHasSession
	}
	if len(m.sessions) >= m.config.MaxSessions {
		return Session{}, fmt.Errorf("%w: %d live sessions", ErrTooManySessions, len(m.sessions))
	}

	id, err := newSessionID()
	if err != nil {
		return Session{}, err
	}

	created := &Session{
		ID:             id,
		Identity:       *ident,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.config.TTL),
		LastActivityAt: now,
	}
	m.sessions[id] = created
	m.byConn[connID] = id

	m.logger.Info("session created",
		"session_id", id,
		"subject", ident.Subject,
		"tenant", ident.TenantID,
		"expires_at", created.ExpiresAt,
		"live_sessions", len(m.sessions),
	)
	return *created, nil
}

// Lookup returns the session and refreshes LastActivityAt. Called on
// every inbound RPC. An expired session is removed and reported as
// ErrSessionExpired — distinct from ErrSessionNotFound — so the
// client is told to re-authenticate rather than shown a generic
// failure. Expiry never renews silently.
func (m *Manager) Lookup(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, exists := m.sessions[sessionID]
	if !exists {
		return Session{}, ErrSessionNotFound
	}

	now := m.clock.Now()
	if !now.Before(found.ExpiresAt) {
		m.removeLocked(sessionID, "expired")
		return Session{}, ErrSessionExpired
	}

	found.LastActivityAt = now
	return *found, nil
}

// Logout destroys a session explicitly. Idempotent.
func (m *Manager) Logout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sessionID]; exists {
		m.removeLocked(sessionID, "logout")
	}
}

// ReleaseConn destroys whatever session the connection holds. Called
// on socket close so a dropped client never leaves a live session
// occupying the cap. Idempotent.
func (m *Manager) ReleaseConn(connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID, exists := m.byConn[connID]; exists {
		m.removeLocked(sessionID, "connection closed")
	}
}

// Count returns the number of live (unexpired) sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked(m.clock.Now())
	return len(m.sessions)
}

// Run sweeps expired sessions on a ticker until ctx is cancelled. The
// sweep is belt and braces — Lookup already rejects expired sessions
// — but it reclaims cap slots held by idle clients.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.pruneExpiredLocked(m.clock.Now())
			m.mu.Unlock()
		}
	}
}

// pruneExpiredLocked removes every session past its expiry. Must be
// called with m.mu held.
func (m *Manager) pruneExpiredLocked(now time.Time) {
	for id, existing := range m.sessions {
		if !now.Before(existing.ExpiresAt) {
			m.removeLocked(id, "expired")
		}
	}
}

// removeLocked deletes a session and its connection binding. Must be
// called with m.mu held.
func (m *Manager) removeLocked(sessionID, reason string) {
	subject := ""
	if existing, exists := m.sessions[sessionID]; exists {
		subject = existing.Identity.Subject
	}
	delete(m.sessions, sessionID)
	for connID, boundID := range m.byConn {
		if boundID == sessionID {
			delete(m.byConn, connID)
			break
		}
	}
	m.logger.Info("session removed",
		"session_id", sessionID,
		"subject", subject,
		"reason", reason,
	)
}

// newSessionID returns a 128-bit random hex identifier.
func newSessionID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session: generating session ID: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
