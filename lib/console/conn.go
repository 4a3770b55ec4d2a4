// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/breaker"
	"github.com/anteroom-foundation/anteroom/lib/codec"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/session"
	"github.com/anteroom-foundation/anteroom/lib/stream"
	"github.com/anteroom-foundation/anteroom/lib/token"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

// writeTimeout bounds a single frame write. A peer that cannot absorb
// a frame in this long is dead.
const writeTimeout = 30 * time.Second

// conn is one accepted client connection.
type conn struct {
	server *Server
	id     uint64
	sock   *net.UnixConn
	logger *slog.Logger

	// outbound serializes all writes through the writer goroutine.
	outbound   chan wire.Frame
	writerDone chan struct{}

	// limiter bounds how many bytes one inbound frame may occupy.
	limiter *codec.FrameLimiter

	sessionID string
	ident     identity.Identity

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	streams  map[uint64]*stream.Subscription

	commands sync.WaitGroup
}

func newConn(s *Server, id uint64, sock *net.UnixConn) *conn {
	return &conn{
		server:     s,
		id:         id,
		sock:       sock,
		logger:     s.logger.With("conn", id),
		outbound:   make(chan wire.Frame, 64),
		writerDone: make(chan struct{}),
		limiter:    codec.NewFrameLimiter(sock, codec.MaxFrameSize),
		inflight:   make(map[uint64]context.CancelFunc),
		streams:    make(map[uint64]*stream.Subscription),
	}
}

// run drives the connection to completion: auth handshake, then the
// frame loop, then teardown.
func (c *conn) run(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		// Let the writer flush queued frames (an error explaining the
		// teardown, say) before the socket closes under it.
		<-c.writerDone
		c.sock.Close()
		c.closeStreams()
		c.server.sessions.ReleaseConn(c.id)
		c.commands.Wait()
		c.logger.Debug("connection closed")
	}()

	go c.writeLoop(connCtx, cancel)

	decoder := codec.NewDecoder(c.limiter)
	if !c.authenticate(connCtx, decoder) {
		return
	}

	go c.keepAliveLoop(connCtx)

	for {
		frame, err := c.readFrame(connCtx, decoder)
		if err != nil {
			if connCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		switch frame.Kind {
		case wire.KindCommand:
			c.startCommand(connCtx, frame)
		case wire.KindSubscribe:
			c.startSubscription(connCtx, frame)
		case wire.KindCancel:
			c.cancelFrame(frame.ID)
		case wire.KindKeepAlive:
			// Receipt alone resets the read deadline.
		case wire.KindLogout:
			c.server.sessions.Logout(c.sessionID)
			c.logger.Info("logout", "session_id", c.sessionID)
			return
		case wire.KindAuth:
			c.sendError(connCtx, frame.ID, wire.Errorf(wire.CodeAuthenticationError, "connection is already authenticated"))
		default:
			c.sendError(connCtx, frame.ID, wire.Errorf(wire.CodeInternalError, "unexpected frame kind %q", frame.Kind))
		}
	}
}

// readFrame decodes one frame, with the dead-peer deadline armed and
// the per-frame size budget rearmed. The deadline uses wall time: it
// guards kernel-level socket reads, not domain timing. An oversized
// frame is answered with a coded error before the connection dies.
func (c *conn) readFrame(ctx context.Context, decoder *codec.Decoder) (wire.Frame, error) {
	deadline := time.Now().Add(3 * c.server.opts.KeepAliveInterval)
	if err := c.sock.SetReadDeadline(deadline); err != nil {
		return wire.Frame{}, err
	}
	c.limiter.Reset()
	var frame wire.Frame
	if err := decoder.Decode(&frame); err != nil {
		if errors.Is(err, codec.ErrFrameTooLarge) {
			c.logger.Warn("oversized frame", "limit_bytes", codec.MaxFrameSize)
			c.sendError(ctx, 0, wire.Errorf(wire.CodeInternalError, "frame exceeds the %d byte limit", codec.MaxFrameSize))
		}
		return wire.Frame{}, err
	}
	return frame, nil
}

// writeLoop is the single writer: every frame the server sends on this
// connection passes through here, so writes never interleave. A write
// failure tears the connection down.
func (c *conn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer close(c.writerDone)
	encoder := codec.NewEncoder(c.sock)
	for {
		select {
		case frame := <-c.outbound:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := encoder.Encode(frame); err != nil {
				c.logger.Debug("write failed", "kind", frame.Kind, "error", err)
				cancel()
				c.sock.Close()
				return
			}
		case <-ctx.Done():
			// Flush frames queued before the teardown; bounded by the
			// per-frame write deadline.
			for {
				select {
				case frame := <-c.outbound:
					c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := encoder.Encode(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// keepAliveLoop probes an idle connection so both sides can detect a
// dead peer within 3x the interval.
func (c *conn) keepAliveLoop(ctx context.Context) {
	ticker := c.server.clock.NewTicker(c.server.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.send(ctx, wire.KindKeepAlive, 0, nil)
		}
	}
}

// authenticate runs the handshake: up to AuthAttempts auth frames,
// each answered with a welcome or an error frame. Returns false when
// the connection should close.
func (c *conn) authenticate(ctx context.Context, decoder *codec.Decoder) bool {
	for attempt := 1; ; attempt++ {
		frame, err := c.readFrame(ctx, decoder)
		if err != nil {
			return false
		}
		if frame.Kind != wire.KindAuth {
			c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeAuthenticationError, "expected an auth frame, got %q", frame.Kind))
			return false
		}

		var request wire.Authenticate
		if len(frame.Body) > 0 {
			if err := codec.Unmarshal(frame.Body, &request); err != nil {
				c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeAuthenticationError, "malformed auth frame"))
				return false
			}
		}

		welcome, authErr := c.establishSession(ctx, request)
		if authErr == nil {
			c.send(ctx, wire.KindWelcome, frame.ID, welcome)
			return true
		}

		coded := classify(authErr)
		if coded.Code == wire.CodeInternalError {
			// Whatever went wrong, the handshake outcome is the same.
			coded = wire.Errorf(wire.CodeAuthenticationError, "authentication failed")
		}
		c.logger.Info("authentication failed",
			"attempt", attempt,
			"code", coded.Code,
			"error", authErr)
		c.sendError(ctx, frame.ID, coded)

		// The cap being full will not change within this handshake.
		if coded.Code == wire.CodeTooManySessions || attempt >= c.server.opts.AuthAttempts {
			return false
		}
	}
}

// establishSession resolves the credentials in request and creates the
// session. An empty request asks for kernel peer-credential
// resolution.
func (c *conn) establishSession(ctx context.Context, request wire.Authenticate) (*wire.Welcome, error) {
	var (
		resolved *identity.Identity
		minted   []byte
		err      error
	)
	switch {
	case len(request.Token) > 0:
		resolved, err = c.server.resolver.ResolveToken(request.Token)
	case request.Username != "":
		resolved, err = c.server.resolver.ResolvePassword(ctx, request.Username, request.Password)
		if err == nil && c.server.signingKey != nil {
			minted, err = c.mintToken(resolved)
		}
	default:
		resolved, err = c.server.resolver.ResolvePeer(c.sock)
	}
	if err != nil {
		return nil, err
	}

	created, err := c.server.sessions.Create(c.id, resolved)
	if err != nil {
		return nil, err
	}

	c.sessionID = created.ID
	c.ident = created.Identity
	c.logger.Info("session established",
		"session_id", created.ID,
		"subject", resolved.Subject,
		"tenant", resolved.TenantID,
		"mechanism", resolved.Kind)

	return &wire.Welcome{
		SessionID:        created.ID,
		Subject:          resolved.Subject,
		TenantID:         resolved.TenantID,
		Roles:            resolved.Roles,
		ExpiresAt:        created.ExpiresAt.Unix(),
		Token:            minted,
		KeepAliveSeconds: int(c.server.opts.KeepAliveInterval.Seconds()),
	}, nil
}

// mintToken issues a fresh bearer token for an interactively
// authenticated identity, so the next login can skip the password.
func (c *conn) mintToken(ident *identity.Identity) ([]byte, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("console: generating token ID: %w", err)
	}
	now := c.server.clock.Now()
	return token.Mint(c.server.signingKey, &token.Token{
		Subject:   ident.Subject,
		TenantID:  ident.TenantID,
		Roles:     ident.Roles,
		ID:        hex.EncodeToString(raw),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.server.opts.TokenTTL).Unix(),
	})
}

// startCommand validates and launches one command in its own
// goroutine. The frame ID correlates the eventual result or error.
func (c *conn) startCommand(ctx context.Context, frame wire.Frame) {
	var cmd wire.Command
	if err := codec.Unmarshal(frame.Body, &cmd); err != nil {
		c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeInternalError, "malformed command frame"))
		return
	}
	if cmd.CommandID == "" {
		c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeInternalError, "command_id is required"))
		return
	}

	c.commands.Add(1)
	go func() {
		defer c.commands.Done()
		c.runCommand(ctx, frame.ID, cmd)
	}()
}

// runCommand is the full unary pipeline: session check, tenant scope,
// authorization, dedupe, deadline, gateway call, exactly one reply.
func (c *conn) runCommand(ctx context.Context, frameID uint64, cmd wire.Command) {
	sess, err := c.server.sessions.Lookup(c.sessionID)
	if err != nil {
		c.sendError(ctx, frameID, classify(err))
		return
	}

	// Tenant scope and authorization are re-checked on every command,
	// not cached from connection time.
	if cmd.TenantID == "" {
		cmd.TenantID = sess.Identity.TenantID
	} else if cmd.TenantID != sess.Identity.TenantID {
		c.sendError(ctx, frameID, wire.Errorf(wire.CodeUnauthorized, "command targets tenant %q outside the session's scope", cmd.TenantID))
		return
	}
	if err := c.server.opts.Authorize(sess.Identity, cmd); err != nil {
		c.sendError(ctx, frameID, classify(err))
		return
	}
	cmd.IssuedBy = sess.Identity.Subject

	if cached, duplicate := c.server.dedupe.Reserve(cmd.CommandID); duplicate {
		if cached != nil {
			c.logger.Info("duplicate command replayed",
				"command_id", cmd.CommandID,
				"subject", cmd.IssuedBy)
			c.send(ctx, wire.KindResult, frameID, cached)
			return
		}
		c.sendError(ctx, frameID, wire.Errorf(wire.CodeInternalError, "command %s is still executing", cmd.CommandID))
		return
	}

	timeout := c.server.opts.CommandTimeout
	if cmd.TimeoutMillis > 0 {
		timeout = time.Duration(cmd.TimeoutMillis) * time.Millisecond
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	c.registerInflight(frameID, cancel)
	defer func() {
		c.unregisterInflight(frameID)
		cancel()
	}()

	var result *wire.CommandResult
	if cmd.Type == wire.CommandGetDetails {
		result, err = c.server.queries.Query(cmdCtx, sess.Identity, cmd)
	} else {
		result, err = c.server.commands.Execute(cmdCtx, sess.Identity, cmd)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The gateway call was dispatched and its effect may still
			// land downstream. Burn the command ID for the dedupe
			// window so a retry replays the timeout instead of
			// executing the work twice.
			c.server.dedupe.Complete(cmd.CommandID, &wire.CommandResult{
				CommandID:    cmd.CommandID,
				Success:      false,
				ErrorCode:    wire.CodeDeadlineExceeded,
				ErrorMessage: "command deadline exceeded",
			})
		} else {
			// The client could not have observed a result, so the
			// command ID stays usable for a retry.
			c.server.dedupe.Forget(cmd.CommandID)
		}
		if errors.Is(err, context.Canceled) {
			c.logger.Info("command cancelled",
				"command_id", cmd.CommandID,
				"type", cmd.Type,
				"subject", cmd.IssuedBy)
			return
		}
		coded := classify(err)
		c.logger.Warn("command failed",
			"command_id", cmd.CommandID,
			"type", cmd.Type,
			"target", cmd.TargetID,
			"subject", cmd.IssuedBy,
			"code", coded.Code,
			"error", err)
		c.sendError(ctx, frameID, coded)
		return
	}

	if result == nil {
		result = &wire.CommandResult{Success: true}
	}
	result.CommandID = cmd.CommandID
	c.server.dedupe.Complete(cmd.CommandID, result)
	c.logger.Info("command completed",
		"command_id", cmd.CommandID,
		"type", cmd.Type,
		"target", cmd.TargetID,
		"subject", cmd.IssuedBy,
		"tenant", cmd.TenantID,
		"success", result.Success,
		"business_code", result.ErrorCode)
	c.send(ctx, wire.KindResult, frameID, result)
}

// startSubscription opens an event feed on the frame's ID.
func (c *conn) startSubscription(ctx context.Context, frame wire.Frame) {
	var request wire.Subscribe
	if err := codec.Unmarshal(frame.Body, &request); err != nil {
		c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeInternalError, "malformed subscribe frame"))
		return
	}

	sess, err := c.server.sessions.Lookup(c.sessionID)
	if err != nil {
		c.sendError(ctx, frame.ID, classify(err))
		return
	}
	if request.TenantID != "" && request.TenantID != sess.Identity.TenantID {
		c.sendError(ctx, frame.ID, wire.Errorf(wire.CodeUnauthorized, "subscription targets tenant %q outside the session's scope", request.TenantID))
		return
	}

	sub, err := c.server.broker.Subscribe(request.Topic, sess.Identity.TenantID, request.AfterSeq)
	if err != nil {
		c.sendError(ctx, frame.ID, classify(err))
		return
	}

	c.mu.Lock()
	c.streams[frame.ID] = sub
	c.mu.Unlock()

	c.logger.Info("subscription opened",
		"topic", request.Topic,
		"tenant", sess.Identity.TenantID,
		"after_seq", request.AfterSeq,
		"subject", sess.Identity.Subject)

	c.commands.Add(1)
	go func() {
		defer c.commands.Done()
		c.forwardEvents(ctx, frame.ID, sub)
	}()
}

// forwardEvents pumps broker events into event frames until the
// subscription ends, then reports why with a stream_end frame.
func (c *conn) forwardEvents(ctx context.Context, frameID uint64, sub *stream.Subscription) {
	defer func() {
		c.mu.Lock()
		delete(c.streams, frameID)
		c.mu.Unlock()
	}()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				end := wire.StreamEnd{}
				if errors.Is(sub.Err(), stream.ErrStreamOverrun) {
					end.Code = wire.CodeStreamOverrun
					end.Message = "subscriber fell behind; resubscribe after a fresh query"
				}
				c.send(ctx, wire.KindStreamEnd, frameID, end)
				return
			}
			c.send(ctx, wire.KindEvent, frameID, event)
		case <-ctx.Done():
			sub.Close()
			return
		}
	}
}

// cancelFrame stops whatever in-flight work carries the frame ID: a
// command's context is cancelled, a subscription is closed (the
// forwarder then sends a clean stream_end).
func (c *conn) cancelFrame(frameID uint64) {
	c.mu.Lock()
	cancel := c.inflight[frameID]
	sub := c.streams[frameID]
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

func (c *conn) registerInflight(frameID uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inflight[frameID] = cancel
	c.mu.Unlock()
}

func (c *conn) unregisterInflight(frameID uint64) {
	c.mu.Lock()
	delete(c.inflight, frameID)
	c.mu.Unlock()
}

func (c *conn) closeStreams() {
	c.mu.Lock()
	subs := make([]*stream.Subscription, 0, len(c.streams))
	for _, sub := range c.streams {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// send queues a frame for the writer goroutine. Drops the frame when
// the connection is tearing down.
func (c *conn) send(ctx context.Context, kind string, id uint64, body any) {
	frame, err := wire.NewFrame(kind, id, body)
	if err != nil {
		c.logger.Error("encoding frame", "kind", kind, "error", err)
		return
	}
	select {
	case c.outbound <- frame:
	case <-ctx.Done():
	}
}

func (c *conn) sendError(ctx context.Context, id uint64, coded *wire.Error) {
	c.send(ctx, wire.KindError, id, coded)
}

// classify maps internal errors onto the wire taxonomy. Coded errors
// pass through; everything unrecognized collapses to INTERNAL_ERROR so
// raw internals never leak across the socket.
func classify(err error) *wire.Error {
	var coded *wire.Error
	switch {
	case errors.As(err, &coded):
		return coded
	case errors.Is(err, session.ErrSessionExpired):
		return wire.Errorf(wire.CodeSessionExpired, "session expired; authenticate again")
	case errors.Is(err, session.ErrSessionNotFound):
		return wire.Errorf(wire.CodeSessionExpired, "no active session; authenticate again")
	case errors.Is(err, session.ErrTooManySessions):
		return wire.Errorf(wire.CodeTooManySessions, "concurrent session limit reached; try again later")
	case errors.Is(err, identity.ErrIdentityNotMapped):
		return wire.Errorf(wire.CodeIdentityNotMapped, "OS user is not in the operator map")
	case errors.Is(err, identity.ErrAuthenticationFailed),
		errors.Is(err, identity.ErrPeerCredUnsupported),
		errors.Is(err, identity.ErrNoInteractiveBackend):
		return wire.Errorf(wire.CodeAuthenticationError, "authentication failed")
	case errors.Is(err, breaker.ErrCircuitOpen):
		return wire.Errorf(wire.CodeCircuitOpen, "a required downstream dependency is unavailable")
	case errors.Is(err, stream.ErrResyncRequired):
		return wire.Errorf(wire.CodeResyncRequired, "resume point is no longer retained; refresh and resubscribe")
	case errors.Is(err, context.DeadlineExceeded):
		return wire.Errorf(wire.CodeDeadlineExceeded, "command deadline exceeded")
	default:
		return wire.Errorf(wire.CodeInternalError, "internal error")
	}
}
