// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package consoleclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/codec"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 30 * time.Second

	// handshakeKeepAlive bounds reads until the welcome tells us the
	// server's real keep-alive interval.
	handshakeKeepAlive = 2 * time.Minute
)

// ErrConnClosed is returned by operations on a connection that has
// been torn down.
var ErrConnClosed = errors.New("consoleclient: connection closed")

// Dial connects to the daemon's socket. Any dial failure — missing
// socket file, nobody listening, filesystem permission — reports as
// SOCKET_UNAVAILABLE: from the operator's seat they are all "the
// daemon is not reachable", and the remedies are server-side.
func Dial(path string, clk clock.Clock, logger *slog.Logger) (*Conn, error) {
	sock, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", wire.Errorf(wire.CodeSocketUnavailable, "cannot reach daemon socket %s", path), err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		sock:     sock,
		clock:    clk,
		logger:   logger,
		outbound: make(chan wire.Frame, 64),
		pending:  make(map[uint64]chan wire.Frame),
		streams:  make(map[uint64]*Stream),
		closed:   make(chan struct{}),
	}
	c.keepAlive.Store(int64(handshakeKeepAlive))

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Conn is one authenticated (or authenticating) protocol connection.
// Safe for concurrent use; unary calls and streams multiplex freely.
type Conn struct {
	sock   net.Conn
	clock  clock.Clock
	logger *slog.Logger

	outbound  chan wire.Frame
	nextID    atomic.Uint64
	keepAlive atomic.Int64 // time.Duration

	mu      sync.Mutex
	pending map[uint64]chan wire.Frame
	streams map[uint64]*Stream

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Closed is closed when the connection is torn down, whatever the
// cause.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Close tears the connection down: the socket closes, every pending
// call fails with ErrConnClosed, every stream ends. Idempotent.
func (c *Conn) Close() error {
	c.teardown(ErrConnClosed)
	return nil
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.sock.Close()
		close(c.closed)

		c.mu.Lock()
		pending := c.pending
		streams := c.streams
		c.pending = map[uint64]chan wire.Frame{}
		c.streams = map[uint64]*Stream{}
		c.mu.Unlock()

		for _, waiter := range pending {
			close(waiter)
		}
		for _, s := range streams {
			s.finish(&wire.StreamEnd{Code: wire.CodeSocketUnavailable, Message: "connection lost"})
		}
	})
}

// readLoop correlates every inbound frame to its waiter by frame ID.
// Each frame read is bounded so a misbehaving server cannot exhaust
// client memory.
func (c *Conn) readLoop() {
	limiter := codec.NewFrameLimiter(c.sock, codec.MaxFrameSize)
	decoder := codec.NewDecoder(limiter)
	for {
		interval := time.Duration(c.keepAlive.Load())
		c.sock.SetReadDeadline(time.Now().Add(3 * interval))

		limiter.Reset()
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}

		switch frame.Kind {
		case wire.KindKeepAlive:
			// Receipt already reset the read deadline.
		case wire.KindEvent, wire.KindStreamEnd:
			c.dispatchStream(frame)
		default:
			c.dispatchUnary(frame)
		}
	}
}

func (c *Conn) dispatchUnary(frame wire.Frame) {
	c.mu.Lock()
	waiter := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	// An error frame may target a stream rather than a call.
	var s *Stream
	if waiter == nil && frame.Kind == wire.KindError {
		s = c.streams[frame.ID]
		delete(c.streams, frame.ID)
	}
	c.mu.Unlock()

	switch {
	case waiter != nil:
		waiter <- frame
	case s != nil:
		var coded wire.Error
		if err := codec.Unmarshal(frame.Body, &coded); err != nil {
			coded = wire.Error{Code: wire.CodeInternalError}
		}
		s.finish(&wire.StreamEnd{Code: coded.Code, Message: coded.Message})
	default:
		c.logger.Debug("frame for unknown ID", "kind", frame.Kind, "id", frame.ID)
	}
}

func (c *Conn) dispatchStream(frame wire.Frame) {
	c.mu.Lock()
	s := c.streams[frame.ID]
	if s != nil && frame.Kind == wire.KindStreamEnd {
		delete(c.streams, frame.ID)
	}
	c.mu.Unlock()
	if s == nil {
		c.logger.Debug("frame for unknown stream", "kind", frame.Kind, "id", frame.ID)
		return
	}

	if frame.Kind == wire.KindStreamEnd {
		var end wire.StreamEnd
		if err := codec.Unmarshal(frame.Body, &end); err != nil {
			end = wire.StreamEnd{Code: wire.CodeInternalError}
		}
		s.finish(&end)
		return
	}

	var event wire.StreamEvent
	if err := codec.Unmarshal(frame.Body, &event); err != nil {
		c.logger.Warn("malformed event frame", "id", frame.ID, "error", err)
		return
	}
	s.deliver(event)
}

// writeLoop is the single writer; all frames leave through here.
func (c *Conn) writeLoop() {
	encoder := codec.NewEncoder(c.sock)
	for {
		select {
		case frame := <-c.outbound:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := encoder.Encode(frame); err != nil {
				c.teardown(fmt.Errorf("%w: %v", ErrConnClosed, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) send(ctx context.Context, kind string, id uint64, body any) error {
	frame, err := wire.NewFrame(kind, id, body)
	if err != nil {
		return fmt.Errorf("consoleclient: encoding %s frame: %w", kind, err)
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip sends a frame and waits for the response with the same ID.
func (c *Conn) roundTrip(ctx context.Context, kind string, body any) (wire.Frame, error) {
	id := c.nextID.Add(1)
	waiter := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := c.send(ctx, kind, id, body); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wire.Frame{}, err
	}

	select {
	case frame, ok := <-waiter:
		if !ok {
			return wire.Frame{}, c.closeErr
		}
		return frame, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// Best-effort: tell the server to stop working on it.
		c.send(context.Background(), wire.KindCancel, id, nil)
		return wire.Frame{}, ctx.Err()
	}
}

// Authenticate runs one credential through the handshake. On success
// the returned welcome's keep-alive interval takes over the liveness
// timing and this side starts probing too.
func (c *Conn) Authenticate(ctx context.Context, creds wire.Authenticate) (*wire.Welcome, error) {
	frame, err := c.roundTrip(ctx, wire.KindAuth, creds)
	if err != nil {
		return nil, err
	}
	switch frame.Kind {
	case wire.KindWelcome:
		var welcome wire.Welcome
		if err := codec.Unmarshal(frame.Body, &welcome); err != nil {
			return nil, fmt.Errorf("consoleclient: decoding welcome: %w", err)
		}
		if welcome.KeepAliveSeconds > 0 {
			interval := time.Duration(welcome.KeepAliveSeconds) * time.Second
			c.keepAlive.Store(int64(interval))
			go c.keepAliveLoop(interval)
		}
		return &welcome, nil
	case wire.KindError:
		var coded wire.Error
		if err := codec.Unmarshal(frame.Body, &coded); err != nil {
			return nil, fmt.Errorf("consoleclient: decoding error frame: %w", err)
		}
		return nil, &coded
	default:
		return nil, fmt.Errorf("consoleclient: unexpected %s frame during handshake", frame.Kind)
	}
}

func (c *Conn) keepAliveLoop(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.send(context.Background(), wire.KindKeepAlive, 0, nil)
		}
	}
}

// Call issues one command and waits for its result, honoring ctx's
// deadline. The command's own TimeoutMillis is derived from ctx when
// unset so server and client enforce the same budget. Taxonomy errors
// come back as *wire.Error.
func (c *Conn) Call(ctx context.Context, cmd wire.Command) (*wire.CommandResult, error) {
	if cmd.TimeoutMillis == 0 {
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 {
				cmd.TimeoutMillis = remaining.Milliseconds()
			}
		}
	}

	frame, err := c.roundTrip(ctx, wire.KindCommand, cmd)
	if err != nil {
		return nil, err
	}
	switch frame.Kind {
	case wire.KindResult:
		var result wire.CommandResult
		if err := codec.Unmarshal(frame.Body, &result); err != nil {
			return nil, fmt.Errorf("consoleclient: decoding result: %w", err)
		}
		return &result, nil
	case wire.KindError:
		var coded wire.Error
		if err := codec.Unmarshal(frame.Body, &coded); err != nil {
			return nil, fmt.Errorf("consoleclient: decoding error frame: %w", err)
		}
		return nil, &coded
	default:
		return nil, fmt.Errorf("consoleclient: unexpected %s frame for command", frame.Kind)
	}
}

// Logout destroys the session server-side; the server hangs up after
// processing it.
func (c *Conn) Logout(ctx context.Context) error {
	return c.send(ctx, wire.KindLogout, 0, nil)
}

// Subscribe opens an event feed. There is no explicit acknowledgement:
// the first event frame proves the subscription, and a server-side
// refusal (RESYNC_REQUIRED, UNAUTHORIZED) arrives through the
// stream's End.
func (c *Conn) Subscribe(ctx context.Context, request wire.Subscribe) (*Stream, error) {
	id := c.nextID.Add(1)
	s := &Stream{
		id:     id,
		conn:   c,
		events: make(chan wire.StreamEvent, 64),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.send(ctx, wire.KindSubscribe, id, request); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Stream is one open event feed.
type Stream struct {
	id   uint64
	conn *Conn

	mu       sync.Mutex
	events   chan wire.StreamEvent
	finished bool
	done     chan struct{}
	end      wire.StreamEnd
}

// Events yields the feed's events in sequence order. It closes when
// the stream ends; End then says why.
func (s *Stream) Events() <-chan wire.StreamEvent { return s.events }

// End reports how the stream finished. Valid only after Events has
// closed. An empty Code is a clean end; STREAM_OVERRUN,
// RESYNC_REQUIRED, and SOCKET_UNAVAILABLE all mean "resubscribe",
// the first two after discarding local state.
func (s *Stream) End() wire.StreamEnd {
	<-s.done
	return s.end
}

// Cancel asks the server to stop the feed; the stream then ends
// cleanly.
func (s *Stream) Cancel(ctx context.Context) error {
	return s.conn.send(ctx, wire.KindCancel, s.id, nil)
}

// deliver hands an event to the consumer. The mutex keeps sends and
// the channel close serialized; a full buffer ends the stream the same
// way a server-side overrun would.
func (s *Stream) deliver(event wire.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.events <- event:
	default:
		s.finishLocked(&wire.StreamEnd{Code: wire.CodeStreamOverrun, Message: "local consumer fell behind"})
	}
}

func (s *Stream) finish(end *wire.StreamEnd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(end)
}

func (s *Stream) finishLocked(end *wire.StreamEnd) {
	if s.finished {
		return
	}
	s.finished = true
	s.end = *end
	close(s.done)
	close(s.events)
}
