// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package process

import "golang.org/x/sys/unix"

func syscallGetpgid() (int, error) {
	return unix.Getpgid(0)
}

// syscallKillGroup sends SIGTERM to every other member of the group.
// The caller exits immediately afterwards, so its own delivery does
// not matter.
func syscallKillGroup(pgid int) error {
	return unix.Kill(-pgid, unix.SIGTERM)
}
