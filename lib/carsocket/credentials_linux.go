// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package carsocket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a Unix connection.
func peerCredentials(conn net.Conn) (Caller, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Caller{}, fmt.Errorf("not a unix connection: %T", conn)
	}
	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return Caller{}, fmt.Errorf("raw connection: %w", err)
	}

	var credentials *unix.Ucred
	var credentialsErr error
	if err := rawConn.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Caller{}, fmt.Errorf("control: %w", err)
	}
	if credentialsErr != nil {
		return Caller{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", credentialsErr)
	}
	return Caller{
		PID: int(credentials.Pid),
		UID: int(credentials.Uid),
		GID: int(credentials.Gid),
	}, nil
}

// PeerPID dials socketPath and returns the pid of the listening
// process. Used by the diagnostics service index.
func PeerPID(socketPath string) (int, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	caller, err := peerCredentials(conn)
	if err != nil {
		return 0, err
	}
	return caller.PID, nil
}
