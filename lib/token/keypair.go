// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "signing-key"
	publicKeyFile  = "signing-key.pub"
)

// GenerateKeypair creates a new Ed25519 keypair for token signing.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes the keypair to the daemon state directory. The
// private key file is 0600; the public key file is 0644.
func SaveKeypair(stateDir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair loads the keypair from the daemon state directory.
func LoadKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privateBytes, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicBytes, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(publicBytes), ed25519.PrivateKey(privateBytes), nil
}

// LoadOrGenerateKeypair loads an existing keypair from stateDir, or
// generates and saves a fresh one on first boot. Returns whether a
// new keypair was generated.
func LoadOrGenerateKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := LoadKeypair(stateDir)
	if err == nil {
		return public, private, false, nil
	}

	// Missing files mean first boot; anything else (bad size, bad
	// permissions) is a real error.
	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err = GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(stateDir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}
