// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the two places where the car helper leaves
// structured logging behind: reporting a startup error before the
// logger exists, and terminating the process on purpose.
package process

import (
	"fmt"
	"os"
)

// ExitServiceCrash is the exit status used when the bridge kills its
// host process because the car service crashed and crash restart is
// enabled. Supervisors distinguish it from ordinary failures (1).
const ExitServiceCrash = 10

// Fatal writes "error: err" to stderr and exits with status 1. Use it
// in main() for errors returned by run(), where the logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Terminate kills the current process with the given exit status. It
// signals the whole process group first so that helper children go
// down together with the host, then exits.
func Terminate(code int) {
	if pgid, err := syscallGetpgid(); err == nil && pgid == os.Getpid() {
		_ = syscallKillGroup(pgid)
	}
	os.Exit(code)
}
