// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package carsocket is the local RPC transport between the car helper,
// the car service, and the host platform. Everything runs over Unix
// sockets carrying CBOR:
//
//   - [SocketHandle] sends one-way transactions to the car service.
//     One connection per call; a frame is written and the connection
//     closed without reading a reply.
//   - [Server] serves request/response actions: the helper socket the
//     car service calls back into, and the host socket the platform
//     drives the bridge through. Handlers see the caller's kernel
//     credentials.
//   - [Client] is the request/response client for the same envelope,
//     used to reach the host's collaborator socket.
//   - [Discovery] watches for the car service socket to appear and
//     disappear.
package carsocket

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/codec"
)

// Handle is a reference to a connected car service. Handles are
// compared by identity: a reconnect to the same service instance
// yields the same Handle, a restarted service yields a new one.
type Handle interface {
	// Transact sends a one-way call. It returns once the frame is
	// handed to the kernel; no reply is awaited. Failures are
	// reported as *TransportError.
	Transact(ctx context.Context, code carproto.Opcode, data []byte) error
}

// FlagOneway marks a frame whose sender does not read a reply.
const FlagOneway uint32 = 0x01

// Frame is the envelope written to the car service socket.
type Frame struct {
	Code  carproto.Opcode `cbor:"code"`
	Data  []byte          `cbor:"data"`
	Flags uint32          `cbor:"flags"`
}

// TransportError reports a failed call on a Handle. It is the signal
// that the car service died.
type TransportError struct {
	Code carproto.Opcode
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transactTimeout bounds dial plus write for one frame. A car service
// that cannot accept a frame in this window is treated as dead.
const transactTimeout = 2 * time.Second

// SocketHandle is a Handle for one instance of the car service socket.
type SocketHandle struct {
	path     string
	instance fileInstance
}

// NewSocketHandle returns a handle for the socket at path without
// checking that it exists. Discovery is the normal way to get one.
func NewSocketHandle(path string) *SocketHandle {
	return &SocketHandle{path: path}
}

// Path returns the socket path.
func (h *SocketHandle) Path() string { return h.path }

func (h *SocketHandle) String() string {
	return fmt.Sprintf("%s#%d:%d", h.path, h.instance.device, h.instance.inode)
}

// Transact implements Handle.
func (h *SocketHandle) Transact(ctx context.Context, code carproto.Opcode, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, transactTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", h.path)
	if err != nil {
		return &TransportError{Code: code, Err: fmt.Errorf("connecting to %s: %w", h.path, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	frame := Frame{Code: code, Data: data, Flags: FlagOneway}
	if err := codec.NewEncoder(conn).Encode(frame); err != nil {
		return &TransportError{Code: code, Err: fmt.Errorf("writing frame: %w", err)}
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}
	return nil
}
