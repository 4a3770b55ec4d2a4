// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package consoleclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// CredentialSource produces one credential for the handshake. Sources
// are tried in order; returning ErrNoCredential skips to the next
// without consuming a server-side auth attempt.
type CredentialSource func(ctx context.Context) (wire.Authenticate, error)

// ErrNoCredential means a source has nothing to offer (no token in
// the environment, say). The chain moves on.
var ErrNoCredential = errors.New("consoleclient: credential source has nothing to offer")

// ErrAllCredentialsFailed means every source in the chain was either
// empty or rejected by the server.
var ErrAllCredentialsFailed = errors.New("consoleclient: no credential source succeeded")

// PeerCredential asks the server to resolve the kernel peer
// credential — the invisible path for mapped local users.
func PeerCredential() CredentialSource {
	return func(ctx context.Context) (wire.Authenticate, error) {
		return wire.Authenticate{}, nil
	}
}

// StaticToken offers a bearer token from any out-of-band source
// (flag, environment, token file). An empty token is skipped.
func StaticToken(token []byte) CredentialSource {
	return func(ctx context.Context) (wire.Authenticate, error) {
		if len(token) == 0 {
			return wire.Authenticate{}, ErrNoCredential
		}
		return wire.Authenticate{Token: token}, nil
	}
}

// Interactive prompts for a username and password. The prompt runs
// only when every earlier source failed.
func Interactive(prompt func(ctx context.Context) (username, password string, err error)) CredentialSource {
	return func(ctx context.Context) (wire.Authenticate, error) {
		username, password, err := prompt(ctx)
		if err != nil {
			return wire.Authenticate{}, err
		}
		return wire.Authenticate{Username: username, Password: password}, nil
	}
}

// BackoffPolicy shapes the reconnect delays: Base doubling up to Max,
// with up to 20% jitter.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, then 8s between attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 8 * time.Second}
}

func (p BackoffPolicy) applyDefaults() BackoffPolicy {
	def := DefaultBackoff()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	return p
}

// delay returns the jittered wait before the given attempt (0-based).
func (p BackoffPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// Client connects to the daemon, working through its credential chain
// in order: kernel peer credential, then tokens, then interactive.
type Client struct {
	socketPath string
	chain      []CredentialSource
	backoff    BackoffPolicy
	clock      clock.Clock
	logger     *slog.Logger

	// onReconnect observes the reconnect loop for the presentation
	// layer ("reconnecting, next attempt in Ns"). May be nil.
	onReconnect func(attempt int, wait time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect backoff policy.
func WithBackoff(policy BackoffPolicy) Option {
	return func(c *Client) { c.backoff = policy }
}

// WithReconnectObserver registers a callback invoked before each
// reconnect wait.
func WithReconnectObserver(fn func(attempt int, wait time.Duration)) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client. The chain is tried in order on every connect.
func New(socketPath string, chain []CredentialSource, clk clock.Clock, opts ...Option) *Client {
	c := &Client{
		socketPath: socketPath,
		chain:      chain,
		backoff:    DefaultBackoff(),
		clock:      clk,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backoff = c.backoff.applyDefaults()
	return c
}

// Session is one authenticated connection.
type Session struct {
	*Conn
	Welcome wire.Welcome
}

// Connect dials the socket and authenticates with the first credential
// the server accepts. A failed dial reports SOCKET_UNAVAILABLE; a
// fully exhausted chain reports the last server-side refusal wrapped
// in ErrAllCredentialsFailed.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	conn, err := Dial(c.socketPath, c.clock, c.logger)
	if err != nil {
		return nil, err
	}

	var lastErr error = ErrNoCredential
	for _, source := range c.chain {
		creds, err := source(ctx)
		if err != nil {
			if errors.Is(err, ErrNoCredential) {
				continue
			}
			conn.Close()
			return nil, err
		}

		welcome, err := conn.Authenticate(ctx, creds)
		if err == nil {
			return &Session{Conn: conn, Welcome: *welcome}, nil
		}
		lastErr = err

		// Some refusals end the handshake for every later source too.
		var coded *wire.Error
		if errors.As(err, &coded) && coded.Code == wire.CodeTooManySessions {
			break
		}
		if errors.Is(err, ErrConnClosed) || ctx.Err() != nil {
			break
		}
	}

	conn.Close()
	return nil, fmt.Errorf("%w: %w", ErrAllCredentialsFailed, lastErr)
}

// wait sleeps for the attempt's backoff delay, reporting it to the
// observer first. Returns false when ctx ended instead.
func (c *Client) wait(ctx context.Context, attempt int) bool {
	delay := c.backoff.delay(attempt)
	if c.onReconnect != nil {
		c.onReconnect(attempt, delay)
	}
	select {
	case <-c.clock.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
