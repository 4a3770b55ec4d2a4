// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/token"
)

var testEpoch = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

const operatorMapYAML = `
users:
  alice:
    identity: operator/alice
    tenant: tenant-a
    roles: [approver, viewer]
  bob:
    identity: operator/bob
    tenant: tenant-b
    roles: [viewer]
`

func TestParseUserMapAndLookup(t *testing.T) {
	users, err := ParseUserMap([]byte(operatorMapYAML))
	if err != nil {
		t.Fatalf("ParseUserMap: %v", err)
	}

	resolved, err := users.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup(alice): %v", err)
	}
	if resolved.Kind != KindUnixUser {
		t.Errorf("Kind = %q, want %q", resolved.Kind, KindUnixUser)
	}
	if resolved.Subject != "operator/alice" {
		t.Errorf("Subject = %q", resolved.Subject)
	}
	if resolved.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q", resolved.TenantID)
	}
	if !resolved.HasRole("approver") || resolved.HasRole("admin") {
		t.Errorf("Roles = %v", resolved.Roles)
	}
}

func TestLookupUnmappedUser(t *testing.T) {
	users, err := ParseUserMap([]byte(operatorMapYAML))
	if err != nil {
		t.Fatalf("ParseUserMap: %v", err)
	}

	_, err = users.Lookup("mallory")
	if !errors.Is(err, ErrIdentityNotMapped) {
		t.Errorf("err = %v, want ErrIdentityNotMapped", err)
	}
}

func TestParseUserMapRejectsIncompleteEntries(t *testing.T) {
	_, err := ParseUserMap([]byte("users:\n  alice:\n    tenant: tenant-a\n"))
	if err == nil {
		t.Error("expected error for entry without identity")
	}

	_, err = ParseUserMap([]byte("users:\n  alice:\n    identity: operator/alice\n"))
	if err == nil {
		t.Error("expected error for entry without tenant")
	}
}

func TestResolveTokenValid(t *testing.T) {
	public, private, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	fake := clock.Fake(testEpoch)
	resolver := NewResolver(nil, public, nil, fake, testLogger())

	minted, err := token.Mint(private, &token.Token{
		Subject:   "operator/carol",
		TenantID:  "tenant-a",
		Roles:     []string{"approver"},
		ID:        "tok-1",
		IssuedAt:  testEpoch.Unix(),
		ExpiresAt: testEpoch.Add(4 * time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	resolved, err := resolver.ResolveToken(minted)
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if resolved.Kind != KindToken {
		t.Errorf("Kind = %q, want %q", resolved.Kind, KindToken)
	}
	if resolved.Subject != "operator/carol" {
		t.Errorf("Subject = %q", resolved.Subject)
	}
}

func TestResolveTokenExpiredIsAuthFailure(t *testing.T) {
	public, private, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	fake := clock.Fake(testEpoch)
	resolver := NewResolver(nil, public, nil, fake, testLogger())

	minted, err := token.Mint(private, &token.Token{
		Subject:   "operator/carol",
		ID:        "tok-2",
		IssuedAt:  testEpoch.Add(-2 * time.Hour).Unix(),
		ExpiresAt: testEpoch.Add(-time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = resolver.ResolveToken(minted)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want ErrAuthenticationFailed", err)
	}
	if !errors.Is(err, token.ErrTokenExpired) {
		t.Errorf("err = %v, want wrapped ErrTokenExpired", err)
	}
}

func TestResolveTokenGarbageIsAuthFailure(t *testing.T) {
	public, _, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	resolver := NewResolver(nil, public, nil, clock.Fake(testEpoch), testLogger())

	_, err = resolver.ResolveToken([]byte("not a token"))
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want ErrAuthenticationFailed", err)
	}
}

// staticPasswords is a test PasswordAuthenticator with one account.
type staticPasswords struct{}

func (staticPasswords) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	if username == "dave" && password == "hunter2" {
		return &Identity{Kind: KindToken, Subject: "operator/dave", TenantID: "tenant-a", Roles: []string{"viewer"}}, nil
	}
	return nil, ErrAuthenticationFailed
}

func TestResolvePassword(t *testing.T) {
	public, _, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	resolver := NewResolver(nil, public, staticPasswords{}, clock.Fake(testEpoch), testLogger())

	resolved, err := resolver.ResolvePassword(context.Background(), "dave", "hunter2")
	if err != nil {
		t.Fatalf("ResolvePassword: %v", err)
	}
	if resolved.Subject != "operator/dave" {
		t.Errorf("Subject = %q", resolved.Subject)
	}

	if _, err := resolver.ResolvePassword(context.Background(), "dave", "wrong"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestResolvePasswordWithoutBackend(t *testing.T) {
	public, _, err := token.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	resolver := NewResolver(nil, public, nil, clock.Fake(testEpoch), testLogger())

	if _, err := resolver.ResolvePassword(context.Background(), "dave", "hunter2"); !errors.Is(err, ErrNoInteractiveBackend) {
		t.Errorf("err = %v, want ErrNoInteractiveBackend", err)
	}
}
