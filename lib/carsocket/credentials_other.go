// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package carsocket

import (
	"errors"
	"net"
)

var errCredentialsUnsupported = errors.New("peer credentials require linux")

func peerCredentials(net.Conn) (Caller, error) {
	return Caller{}, errCredentialsUnsupported
}

// PeerPID is only available on linux.
func PeerPID(string) (int, error) {
	return 0, errCredentialsUnsupported
}
