// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/anteroom-foundation/anteroom/lib/codec"
)

func TestCodeOfCodedError(t *testing.T) {
	err := Errorf(CodeSessionExpired, "session %s expired", "s-1")
	if CodeOf(err) != CodeSessionExpired {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeSessionExpired)
	}
}

func TestCodeOfWrappedCodedError(t *testing.T) {
	inner := Errorf(CodeCircuitOpen, "hypervisor circuit open")
	wrapped := fmt.Errorf("approving request: %w", inner)
	if CodeOf(wrapped) != CodeCircuitOpen {
		t.Errorf("CodeOf wrapped = %q, want %q", CodeOf(wrapped), CodeCircuitOpen)
	}
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	if CodeOf(errors.New("disk on fire")) != CodeInternalError {
		t.Errorf("plain error classified as %q, want %q", CodeOf(errors.New("x")), CodeInternalError)
	}
}

func TestAsErrorPreservesMessage(t *testing.T) {
	converted := AsError(errors.New("unexpected nil gateway"))
	if converted.Code != CodeInternalError {
		t.Errorf("Code = %q, want %q", converted.Code, CodeInternalError)
	}
	if converted.Message != "unexpected nil gateway" {
		t.Errorf("Message = %q", converted.Message)
	}
}

func TestFrameBodyRoundTrip(t *testing.T) {
	frame, err := NewFrame(KindCommand, 7, Command{
		CommandID: "cmd-1",
		Type:      CommandApprove,
		TargetID:  "REQ-0042",
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if frame.Kind != KindCommand || frame.ID != 7 {
		t.Fatalf("envelope = %+v", frame)
	}

	var decoded Command
	if err := codec.Unmarshal(frame.Body, &decoded); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if decoded.TargetID != "REQ-0042" {
		t.Errorf("TargetID = %q, want REQ-0042", decoded.TargetID)
	}
}

func TestBodylessFrame(t *testing.T) {
	frame, err := NewFrame(KindKeepAlive, 0, nil)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if len(frame.Body) != 0 {
		t.Errorf("keepalive frame has body of %d bytes", len(frame.Body))
	}
}
