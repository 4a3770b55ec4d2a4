// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/dedupe"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/session"
	"github.com/anteroom-foundation/anteroom/lib/stream"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// Options tunes the Server. Zero fields take defaults.
type Options struct {
	// SocketPath is where the Unix socket is created. Required.
	SocketPath string

	// KeepAliveInterval is how often an idle connection gets a
	// keep-alive frame; 3x this interval without any inbound frame
	// declares the peer dead. Default 2 minutes.
	KeepAliveInterval time.Duration

	// CommandTimeout is the deadline for commands that do not carry
	// their own. Default 30 seconds.
	CommandTimeout time.Duration

	// AuthAttempts is how many failed auth frames a connection may
	// send before the server hangs up. Default 3.
	AuthAttempts int

	// TokenTTL is the lifetime of tokens minted on interactive login.
	// Default 12 hours.
	TokenTTL time.Duration

	// Authorize decides whether a session may run a command, called
	// per command against the session's current roles. Nil uses
	// DefaultAuthorize.
	Authorize func(ident identity.Identity, cmd wire.Command) error
}

func (o *Options) applyDefaults() {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 2 * time.Minute
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.AuthAttempts <= 0 {
		o.AuthAttempts = 3
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 12 * time.Hour
	}
	if o.Authorize == nil {
		o.Authorize = DefaultAuthorize
	}
}

// RoleOperator may approve and reject provisioning requests. Every
// authenticated identity may query.
const RoleOperator = "operator"

// DefaultAuthorize requires RoleOperator for state-changing commands
// and lets any authenticated identity query details.
func DefaultAuthorize(ident identity.Identity, cmd wire.Command) error {
	switch cmd.Type {
	case wire.CommandApprove, wire.CommandReject:
		if !ident.HasRole(RoleOperator) {
			return wire.Errorf(wire.CodeUnauthorized, "command %q requires the %s role", cmd.Type, RoleOperator)
		}
		return nil
	case wire.CommandGetDetails:
		return nil
	default:
		return wire.Errorf(wire.CodeUnauthorized, "unknown command type %q", cmd.Type)
	}
}

// Server owns the Unix socket and the per-connection protocol.
type Server struct {
	opts       Options
	resolver   *identity.Resolver
	sessions   *session.Manager
	dedupe     *dedupe.Cache
	broker     *stream.Broker
	commands   CommandGateway
	queries    QueryGateway
	signingKey ed25519.PrivateKey
	clock      clock.Clock
	logger     *slog.Logger

	listener   *net.UnixListener
	nextConnID atomic.Uint64
	conns      sync.WaitGroup
	closed     atomic.Bool
}

// NewServer wires a Server. signingKey is used to mint bearer tokens
// on successful interactive login; pass nil to disable minting.
func NewServer(
	opts Options,
	resolver *identity.Resolver,
	sessions *session.Manager,
	dedupeCache *dedupe.Cache,
	broker *stream.Broker,
	commands CommandGateway,
	queries QueryGateway,
	signingKey ed25519.PrivateKey,
	clk clock.Clock,
	logger *slog.Logger,
) *Server {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:       opts,
		resolver:   resolver,
		sessions:   sessions,
		dedupe:     dedupeCache,
		broker:     broker,
		commands:   commands,
		queries:    queries,
		signingKey: signingKey,
		clock:      clk,
		logger:     logger,
	}
}

// Listen creates the socket with owner-only permissions, removing a
// stale socket file from a previous run first. The path's directory
// permissions are the deployment's concern.
func (s *Server) Listen() error {
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("console: removing stale socket %s: %w", s.opts.SocketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("console: resolving socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("console: listening on %s: %w", s.opts.SocketPath, err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("console: restricting socket permissions: %w", err)
	}

	s.listener = listener
	s.logger.Info("console listening", "socket", s.opts.SocketPath)
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then drains active connections before returning.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("console: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.closed.Store(true)
		s.listener.Close()
	}()

	for {
		unixConn, err := s.listener.AcceptUnix()
		if err != nil {
			s.conns.Wait()
			if s.closed.Load() {
				s.removeSocketFile()
				return nil
			}
			return fmt.Errorf("console: accept: %w", err)
		}

		connID := s.nextConnID.Add(1)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			newConn(s, connID, unixConn).run(ctx)
		}()
	}
}

// removeSocketFile cleans up the socket path on orderly shutdown.
func (s *Server) removeSocketFile() {
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing socket file", "error", err)
	}
}
