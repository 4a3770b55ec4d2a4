// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/user"
	"strconv"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/token"
)

// PasswordAuthenticator validates an interactive username/password
// login. The implementation lives outside this core (the deployment's
// identity provider); the daemon only consumes the interface. A nil
// authenticator disables interactive login.
type PasswordAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
}

// Resolver resolves connection identities on the daemon side. All
// three server-visible mechanisms live here so that the console
// server deals with one type.
type Resolver struct {
	users     *UserMap
	publicKey ed25519.PublicKey
	passwords PasswordAuthenticator
	clock     clock.Clock
	logger    *slog.Logger
}

// NewResolver builds a Resolver. users may be nil (no peer-credential
// mapping), passwords may be nil (no interactive login); publicKey is
// required since token verification backs every non-kernel mechanism.
func NewResolver(users *UserMap, publicKey ed25519.PublicKey, passwords PasswordAuthenticator, clk clock.Clock, logger *slog.Logger) *Resolver {
	return &Resolver{
		users:     users,
		publicKey: publicKey,
		passwords: passwords,
		clock:     clk,
		logger:    logger,
	}
}

// ResolvePeer attempts kernel-credential resolution for an accepted
// connection. ErrPeerCredUnsupported and uid-lookup failures mean
// "mechanism unavailable, fall through to token auth";
// ErrIdentityNotMapped means the uid resolved but is not an operator.
func (r *Resolver) ResolvePeer(conn *net.UnixConn) (*Identity, error) {
	if r.users == nil {
		return nil, ErrPeerCredUnsupported
	}

	uid, err := PeerCredential(conn)
	if err != nil {
		return nil, err
	}

	osUser, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("identity: looking up uid %d: %w", uid, err)
	}

	resolved, err := r.users.Lookup(osUser.Username)
	if err != nil {
		return nil, err
	}

	r.logger.Info("peer credential resolved",
		"uid", uid,
		"os_user", osUser.Username,
		"subject", resolved.Subject,
		"tenant", resolved.TenantID,
	)
	return resolved, nil
}

// ResolveToken verifies a bearer token (from any out-of-band source)
// and converts it to an Identity. Verification failures collapse to
// ErrAuthenticationFailed with the cause wrapped for logging.
func (r *Resolver) ResolveToken(tokenBytes []byte) (*Identity, error) {
	verified, err := token.VerifyAt(r.publicKey, tokenBytes, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return &Identity{
		Kind:     KindToken,
		Subject:  verified.Subject,
		TenantID: verified.TenantID,
		Roles:    append([]string(nil), verified.Roles...),
	}, nil
}

// ResolvePassword runs an interactive login through the configured
// authenticator.
func (r *Resolver) ResolvePassword(ctx context.Context, username, password string) (*Identity, error) {
	if r.passwords == nil {
		return nil, ErrNoInteractiveBackend
	}
	resolved, err := r.passwords.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return resolved, nil
}
