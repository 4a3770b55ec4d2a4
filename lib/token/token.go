// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token is the CBOR-encoded payload of an operator bearer token.
type Token struct {
	// Subject is the application identity of the operator (e.g.
	// "operator/alice"). Never an OS username — the identity map owns
	// that translation.
	Subject string `cbor:"1,keyasint"`

	// TenantID scopes the operator to one tenant's approval queue.
	TenantID string `cbor:"2,keyasint"`

	// Roles are the operator's role names, re-checked on every
	// command against the daemon's authorization rules.
	Roles []string `cbor:"3,keyasint,omitempty"`

	// ID is a unique token identifier (hex string), available for
	// audit correlation.
	ID string `cbor:"4,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the token was
	// minted.
	IssuedAt int64 `cbor:"5,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"6,keyasint"`
}

// Errors returned by Verify.
var (
	ErrTokenTooShort    = errors.New("token: too short for signature")
	ErrInvalidSignature = errors.New("token: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("token: token has expired")
)

// Mint signs a Token with the daemon's private key and returns the
// raw wire-format bytes: CBOR payload followed by the signature.
func Mint(privateKey ed25519.PrivateKey, t *Token) ([]byte, error) {
	payload, err := codec.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("token: encoding payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	minted := make([]byte, len(payload)+signatureSize)
	copy(minted, payload)
	copy(minted[len(payload):], signature)
	return minted, nil
}

// Verify splits the raw token bytes, verifies the signature, decodes
// the payload, and checks expiry against the wall clock.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is Verify with an explicit time, for deterministic tests
// and clock-injected callers.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var decoded Token
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("token: decoding payload: %w", err)
	}

	if now.Unix() >= decoded.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &decoded, nil
}
