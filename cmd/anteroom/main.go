// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Command anteroom is the operator CLI: approve, reject, and inspect
// provisioning requests, or watch the approval feed live. Rendering
// is plain lines on stdout; the protocol work lives in
// lib/consoleclient.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/anteroom-foundation/anteroom/lib/clock"
	"github.com/anteroom-foundation/anteroom/lib/consoleclient"
	"github.com/anteroom-foundation/anteroom/lib/wire"
)

const tokenEnvVar = "ANTEROOM_TOKEN"

var (
	socketPath = pflag.String("socket", "/run/anteroom/console.sock", "daemon console socket")
	tokenFlag  = pflag.String("token", "", "base64 bearer token (overrides $ANTEROOM_TOKEN and the token file)")
	tokenFile  = pflag.String("token-file", defaultTokenFile(), "path to a saved bearer token")
	timeout    = pflag.Duration("timeout", 30*time.Second, "per-command deadline")
	reason     = pflag.String("reason", "", "reason recorded with a rejection")
	topic      = pflag.String("topic", wire.TopicApprovals, "topic for watch")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: anteroom [flags] <command>

commands:
  approve <request-id>   approve a pending provisioning request
  reject  <request-id>   reject a pending provisioning request
  show    <request-id>   show a request's details
  watch                  stream approval events until interrupted
  login                  log in interactively and save a bearer token

flags:
`)
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage
	pflag.Parse()
	if err := run(pflag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "anteroom: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command given")
	}

	switch args[0] {
	case "approve", "reject":
		if len(args) != 2 {
			return fmt.Errorf("usage: anteroom %s <request-id>", args[0])
		}
		return decide(args[0], args[1])
	case "show":
		if len(args) != 2 {
			return errors.New("usage: anteroom show <request-id>")
		}
		return show(args[1])
	case "watch":
		return watch()
	case "login":
		return login()
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// credentialChain is the client half of the resolution order: the
// kernel peer credential needs no material and goes first, then
// explicit tokens (flag, environment, saved file), and finally an
// interactive prompt when stdin is a terminal.
func credentialChain(interactive bool) []consoleclient.CredentialSource {
	chain := []consoleclient.CredentialSource{
		consoleclient.PeerCredential(),
		consoleclient.StaticToken(decodeToken(*tokenFlag)),
		consoleclient.StaticToken(decodeToken(os.Getenv(tokenEnvVar))),
		consoleclient.StaticToken(readTokenFile(*tokenFile)),
	}
	if interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		chain = append(chain, consoleclient.Interactive(promptCredentials))
	}
	return chain
}

func newClient(interactive bool) *consoleclient.Client {
	return consoleclient.New(*socketPath, credentialChain(interactive), clock.Real(),
		consoleclient.WithReconnectObserver(func(attempt int, wait time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s...\n", attempt+1, wait.Round(time.Millisecond))
		}))
}

func connect(ctx context.Context, interactive bool) (*consoleclient.Session, error) {
	return newClient(interactive).Connect(ctx)
}

func decide(verb, requestID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sess, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	cmd := wire.Command{
		CommandID: newCommandID(),
		Type:      verb,
		TargetID:  requestID,
	}
	if verb == wire.CommandReject && *reason != "" {
		cmd.Payload = map[string]any{"reason": *reason}
	}

	result, err := sess.Call(ctx, cmd)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s refused: %s (%s)", verb, result.ErrorMessage, result.ErrorCode)
	}
	fmt.Printf("%s %s: %v\n", verb, requestID, result.Payload["state"])
	return nil
}

func show(requestID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sess, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	result, err := sess.Call(ctx, wire.Command{
		CommandID: newCommandID(),
		Type:      wire.CommandGetDetails,
		TargetID:  requestID,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("show refused: %s (%s)", result.ErrorMessage, result.ErrorCode)
	}

	keys := make([]string, 0, len(result.Payload))
	for key := range result.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("%-12s %v\n", key, result.Payload[key])
	}
	return nil
}

func watch() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := newClient(true).Watch(ctx, *topic)
	go func() {
		for code := range watcher.Resyncs() {
			fmt.Fprintf(os.Stderr, "-- feed resync required (%s): events were missed, refresh your view\n", code)
		}
	}()

	for event := range watcher.Events() {
		occurred := time.UnixMilli(event.OccurredAt).Format(time.RFC3339)
		fmt.Printf("%s seq=%d type=%s tenant=%s %s\n",
			occurred, event.Seq, event.Type, event.TenantID, formatPayload(event.Payload))
	}
	return watcher.Err()
}

func login() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("login needs an interactive terminal")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	chain := []consoleclient.CredentialSource{consoleclient.Interactive(promptCredentials)}
	sess, err := consoleclient.New(*socketPath, chain, clock.Real()).Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if len(sess.Welcome.Token) == 0 {
		return errors.New("the daemon did not issue a token")
	}
	if err := saveTokenFile(*tokenFile, sess.Welcome.Token); err != nil {
		return err
	}
	fmt.Printf("logged in as %s; token saved to %s\n", sess.Welcome.Subject, *tokenFile)
	return nil
}

func promptCredentials(ctx context.Context) (string, string, error) {
	fmt.Fprint(os.Stderr, "username: ")
	reader := bufio.NewReader(os.Stdin)
	username, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("reading username: %w", err)
	}

	fmt.Fprint(os.Stderr, "password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(username), string(password), nil
}

func newCommandID() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		panic("anteroom: generating command ID: " + err.Error())
	}
	return hex.EncodeToString(raw)
}

func decodeToken(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		fmt.Fprintf(os.Stderr, "anteroom: ignoring malformed token: %v\n", err)
		return nil
	}
	return decoded
}

func readTokenFile(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return decodeToken(string(data))
}

func saveTokenFile(path string, token []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(token) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

func defaultTokenFile() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "anteroom", "token")
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, payload[key]))
	}
	return strings.Join(parts, " ")
}
