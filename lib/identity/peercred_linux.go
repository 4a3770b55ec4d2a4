// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package identity

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredential returns the uid of the process on the other end of a
// Unix socket connection, as reported by the kernel via SO_PEERCRED.
// The peer cannot forge this value.
func PeerCredential(conn *net.UnixConn) (uint32, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("identity: accessing raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	controlErr := rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return 0, fmt.Errorf("identity: raw connection control: %w", controlErr)
	}
	if credErr != nil {
		return 0, fmt.Errorf("identity: SO_PEERCRED: %w", credErr)
	}

	return cred.Uid, nil
}
