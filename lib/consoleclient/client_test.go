// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package consoleclient

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/codec"
	"github.com/anteroom-foundation/anteroom/lib/console"
	"github.com/anteroom-foundation/anteroom/lib/dedupe"
	"github.com/anteroom-foundation/anteroom/lib/identity"
	"github.com/anteroom-foundation/anteroom/lib/session"
	"github.com/anteroom-foundation/anteroom/lib/stream"
	"github.com/anteroom-foundation/anteroom/lib/testutil"
	"github.com/anteroom-foundation/anteroom/lib/token"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// daemon is a restartable console server for reconnection tests. The
// broker and session manager survive restarts, like a daemon whose
// state outlives one socket generation.
type daemon struct {
	t       *testing.T
	socket  string
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	broker  *stream.Broker
	gateway console.CommandGateway

	mu   sync.Mutex
	stop func()
}

func newDaemon(t *testing.T, retention int) *daemon {
	t.Helper()
	public, private, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	d := &daemon{
		t:       t,
		socket:  filepath.Join(t.TempDir(), "console.sock"),
		public:  public,
		private: private,
		broker:  stream.NewBroker(retention, 0, testLogger()),
		gateway: console.CommandGatewayFunc(func(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
			return &wire.CommandResult{
				Success: true,
				Payload: map[string]any{"state": cmd.Type + "d"},
			}, nil
		}),
	}
	d.start()
	t.Cleanup(d.halt)
	return d
}

func (d *daemon) start() {
	d.t.Helper()
	logger := testLogger()
	clk := clock.Real()
	resolver := identity.NewResolver(nil, d.public, nil, clk, logger)
	server := console.NewServer(console.Options{SocketPath: d.socket},
		resolver,
		session.NewManager(session.Config{}, clk, logger),
		dedupe.New(0, 0, clk),
		d.broker,
		d.gateway,
		console.QueryGatewayFunc(func(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
			return &wire.CommandResult{Success: true}, nil
		}),
		d.private, clk, logger)
	if err := server.Listen(); err != nil {
		d.t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	d.mu.Lock()
	d.stop = func() {
		cancel()
		if err := <-done; err != nil {
			d.t.Errorf("Serve: %v", err)
		}
	}
	d.mu.Unlock()
}

func (d *daemon) halt() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (d *daemon) restart() {
	d.t.Helper()
	d.halt()
	d.start()
}

func (d *daemon) mint(subject, tenant string, roles ...string) []byte {
	d.t.Helper()
	now := time.Now()
	minted, err := token.Mint(d.private, &token.Token{
		Subject:   subject,
		TenantID:  tenant,
		Roles:     roles,
		ID:        "test-token",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		d.t.Fatalf("minting token: %v", err)
	}
	return minted
}

// client builds a Client with a fast backoff and a token credential.
func (d *daemon) client(opts ...Option) *Client {
	chain := []CredentialSource{
		PeerCredential(),
		StaticToken(d.mint("operator/alice", "acme", console.RoleOperator)),
	}
	opts = append([]Option{
		WithBackoff(BackoffPolicy{Base: 5 * time.Millisecond, Max: 40 * time.Millisecond}),
		WithLogger(testLogger()),
	}, opts...)
	return New(d.socket, chain, clock.Real(), opts...)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nope.sock"), clock.Real(), testLogger())
	var coded *wire.Error
	if !errors.As(err, &coded) || coded.Code != wire.CodeSocketUnavailable {
		t.Fatalf("Dial = %v, want SOCKET_UNAVAILABLE", err)
	}
}

func TestCredentialChainFallsThroughToToken(t *testing.T) {
	d := newDaemon(t, 0)

	// No operator map server-side: the peer-credential source fails
	// and the chain falls through to the token.
	sess, err := d.client().Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if sess.Welcome.Subject != "operator/alice" {
		t.Fatalf("subject = %q, want operator/alice", sess.Welcome.Subject)
	}
	if sess.Welcome.KeepAliveSeconds <= 0 {
		t.Fatal("welcome carries no keep-alive interval")
	}
}

func TestExhaustedChainFails(t *testing.T) {
	d := newDaemon(t, 0)

	chain := []CredentialSource{
		StaticToken(nil),                   // empty, skipped
		StaticToken([]byte("not a token")), // rejected
	}
	client := New(d.socket, chain, clock.Real(), WithLogger(testLogger()))
	_, err := client.Connect(context.Background())
	if !errors.Is(err, ErrAllCredentialsFailed) {
		t.Fatalf("Connect = %v, want ErrAllCredentialsFailed", err)
	}
	var coded *wire.Error
	if !errors.As(err, &coded) || coded.Code != wire.CodeAuthenticationError {
		t.Fatalf("Connect = %v, want wrapped AUTHENTICATION_ERROR", err)
	}
}

func TestCallRoundTrip(t *testing.T) {
	d := newDaemon(t, 0)
	sess, err := d.client().Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	result, err := sess.Call(context.Background(), wire.Command{
		CommandID: "cmd-1",
		Type:      wire.CommandApprove,
		TargetID:  "req-42",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !result.Success || result.CommandID != "cmd-1" {
		t.Fatalf("result = %+v, want success for cmd-1", result)
	}
}

func TestCallSurfacesTaxonomyError(t *testing.T) {
	d := newDaemon(t, 0)
	d.gateway = console.CommandGatewayFunc(func(ctx context.Context, caller identity.Identity, cmd wire.Command) (*wire.CommandResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d.restart()

	sess, err := d.client().Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	_, err = sess.Call(context.Background(), wire.Command{
		CommandID:     "cmd-1",
		Type:          wire.CommandApprove,
		TargetID:      "req-1",
		TimeoutMillis: 50,
	})
	var coded *wire.Error
	if !errors.As(err, &coded) || coded.Code != wire.CodeDeadlineExceeded {
		t.Fatalf("Call = %v, want DEADLINE_EXCEEDED", err)
	}
}

func TestWatchDeliversEvents(t *testing.T) {
	d := newDaemon(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := d.client().Watch(ctx, wire.TopicApprovals)
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)

	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-1", Type: wire.EventSubmitted, TenantID: "acme",
	})

	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "watch event")
	if event.EventID != "evt-1" || event.Seq != 1 {
		t.Fatalf("event = %+v, want evt-1 seq 1", event)
	}
}

func TestWatchResumesAcrossRestart(t *testing.T) {
	d := newDaemon(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := d.client().Watch(ctx, wire.TopicApprovals)
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)

	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-1", Type: wire.EventSubmitted, TenantID: "acme",
	})
	first := testutil.RequireReceive(t, w.Events(), 5*time.Second, "event before restart")
	if first.Seq != 1 {
		t.Fatalf("first seq = %d, want 1", first.Seq)
	}

	// Events published during the outage are replayed on resume:
	// the watcher resubscribes with after_seq 1.
	d.halt()
	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-2", Type: wire.EventApproved, TenantID: "acme",
	})
	d.start()

	second := testutil.RequireReceive(t, w.Events(), 5*time.Second, "event after restart")
	if second.EventID != "evt-2" || second.Seq != 2 {
		t.Fatalf("resumed event = %+v, want evt-2 seq 2", second)
	}
	testutil.RequireNoReceive(t, w.Resyncs(), 50*time.Millisecond, "resume should not demand a resync")
}

func TestWatchSignalsResyncWhenHistoryIsGone(t *testing.T) {
	d := newDaemon(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := d.client().Watch(ctx, wire.TopicApprovals)
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)

	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-1", Type: wire.EventSubmitted, TenantID: "acme",
	})
	testutil.RequireReceive(t, w.Events(), 5*time.Second, "event before outage")

	// While the watcher is disconnected, the topic advances past the
	// retention window, so after_seq 1 cannot be resumed.
	d.halt()
	for i := 0; i < 5; i++ {
		d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
			EventID: "evt-x", Type: wire.EventSubmitted, TenantID: "acme",
		})
	}
	d.start()

	code := testutil.RequireReceive(t, w.Resyncs(), 5*time.Second, "resync signal")
	if code != wire.CodeResyncRequired {
		t.Fatalf("resync code = %s, want RESYNC_REQUIRED", code)
	}

	// After the resync the watcher is live again from the current
	// position.
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)
	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-live", Type: wire.EventSubmitted, TenantID: "acme",
	})
	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "event after resync")
	if event.EventID != "evt-live" {
		t.Fatalf("event = %+v, want evt-live", event)
	}
}

func TestReconnectObserverSeesBackoff(t *testing.T) {
	d := newDaemon(t, 0)
	d.halt()

	type report struct {
		attempt int
		wait    time.Duration
	}
	reports := make(chan report, 16)
	client := d.client(WithReconnectObserver(func(attempt int, wait time.Duration) {
		reports <- report{attempt, wait}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := client.Watch(ctx, wire.TopicApprovals)

	first := testutil.RequireReceive(t, reports, 5*time.Second, "first backoff report")
	if first.attempt != 0 {
		t.Fatalf("first attempt = %d, want 0", first.attempt)
	}
	if first.wait < 5*time.Millisecond || first.wait > 6*time.Millisecond {
		t.Fatalf("first wait = %v, want base 5ms plus at most 20%% jitter", first.wait)
	}
	second := testutil.RequireReceive(t, reports, 5*time.Second, "second backoff report")
	if second.attempt != 1 || second.wait < first.wait {
		t.Fatalf("second report = %+v, want attempt 1 with a longer wait", second)
	}

	// Once the daemon is back, the watcher recovers on its own.
	d.start()
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)
	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-1", Type: wire.EventSubmitted, TenantID: "acme",
	})
	testutil.RequireReceive(t, w.Events(), 5*time.Second, "event after recovery")
}

func waitForSubscribers(t *testing.T, broker *stream.Broker, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for broker.SubscriberCount(topic) < n {
		if time.Now().After(deadline) {
			t.Fatalf("broker never reached %d subscribers on %s", n, topic)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientCutsOversizedServerFrame(t *testing.T) {
	d := newDaemon(t, 0)

	conn, err := Dial(d.socket, clock.Real(), testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if _, err := conn.Authenticate(ctx, wire.Authenticate{Token: d.mint("operator/alice", "acme", console.RoleOperator)}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	s, err := conn.Subscribe(ctx, wire.Subscribe{Topic: wire.TopicApprovals})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)

	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID:  "evt-big",
		Type:     wire.EventSubmitted,
		TenantID: "acme",
		Payload:  map[string]any{"blob": make([]byte, 2*codec.MaxFrameSize)},
	})

	for range s.Events() {
	}
	if end := s.End(); end.Code != wire.CodeSocketUnavailable {
		t.Fatalf("stream end = %+v, want SOCKET_UNAVAILABLE after an oversized frame", end)
	}
	testutil.RequireClosed(t, conn.Closed(), 5*time.Second, "connection teardown")
}

func TestWatcherClosesChannelsOnFatalError(t *testing.T) {
	d := newDaemon(t, 0)

	chain := []CredentialSource{StaticToken([]byte("not a token"))}
	client := New(d.socket, chain, clock.Real(), WithLogger(testLogger()))
	w := client.Watch(context.Background(), wire.TopicApprovals)

	testutil.RequireClosed(t, w.Done(), 5*time.Second, "watcher done")
	if w.Err() == nil {
		t.Fatal("Err = nil, want the credential failure")
	}
	select {
	case _, ok := <-w.Resyncs():
		if ok {
			t.Fatal("unexpected resync signal")
		}
	case <-time.After(time.Second):
		t.Fatal("resync channel never closed; a ranging consumer would leak")
	}
}

func TestWatchRetriesHandshakeCutShort(t *testing.T) {
	d := newDaemon(t, 0)
	d.halt()

	// A rogue listener stands in for a daemon dying mid-restart: it
	// accepts one connection and hangs up before the handshake.
	ln, err := net.Listen("unix", d.socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := d.client().Watch(ctx, wire.TopicApprovals)

	testutil.RequireClosed(t, accepted, 5*time.Second, "watcher never reached the rogue listener")
	ln.Close()
	os.Remove(d.socket)
	d.start()

	waitForSubscribers(t, d.broker, wire.TopicApprovals, 1)
	d.broker.Publish(wire.TopicApprovals, wire.StreamEvent{
		EventID: "evt-1", Type: wire.EventSubmitted, TenantID: "acme",
	})
	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "event after the cut handshake")
	if event.EventID != "evt-1" {
		t.Fatalf("event = %+v, want evt-1", event)
	}
}
