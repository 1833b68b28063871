// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared by carhelper tests.
//
// [SocketDir] exists because sun_path is limited to 108 bytes and
// t.TempDir() can exceed it under some test runners. [RequireReceive]
// and [RequireClosed] are the only place tests wait on the real clock;
// everything else uses clock.Fake.
package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a short-named directory in /tmp for Unix sockets.
// It is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "carhelper-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
