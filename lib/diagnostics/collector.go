// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package diagnostics captures process state when the car service
// crashes.
//
// A [Collector] decides which processes are worth capturing: this
// process, the processes serving allowlisted interfaces in the
// service index, and native daemons matched by name. A [Writer] turns
// that into one compressed CBOR report on disk. Dumping the stacks of
// foreign processes is left to the external watchdog; the report
// carries their /proc status and this process's goroutines.
package diagnostics

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/carhelper/lib/carsocket"
)

// Collector enumerates pids of interest.
type Collector struct {
	// ServiceIndex is a directory of sockets named by interface.
	ServiceIndex string

	// Interfaces is the service-index allowlist.
	Interfaces []string

	// NativeProcesses is matched against /proc/<pid>/comm.
	NativeProcesses []string

	// ProcRoot is the proc filesystem. Default: /proc.
	ProcRoot string

	// PeerPID returns the pid listening on a socket. Default:
	// carsocket.PeerPID.
	PeerPID func(socketPath string) (int, error)

	Logger *slog.Logger
}

func (c *Collector) procRoot() string {
	if c.ProcRoot == "" {
		return "/proc"
	}
	return c.ProcRoot
}

// InterestingPIDs returns this process's pid followed by the service
// and native pids, sorted and without duplicates. Lookups that fail
// are logged and skipped.
func (c *Collector) InterestingPIDs() []int {
	pids := []int{os.Getpid()}
	pids = append(pids, c.servicePIDs()...)
	pids = append(pids, c.nativePIDs()...)

	self := pids[0]
	rest := pids[1:]
	slices.Sort(rest)
	rest = slices.Compact(rest)
	result := []int{self}
	for _, pid := range rest {
		if pid != self {
			result = append(result, pid)
		}
	}
	return result
}

func (c *Collector) servicePIDs() []int {
	if c.ServiceIndex == "" {
		return nil
	}
	peerPID := c.PeerPID
	if peerPID == nil {
		peerPID = carsocket.PeerPID
	}
	var pids []int
	for _, name := range c.Interfaces {
		path := filepath.Join(c.ServiceIndex, name)
		pid, err := peerPID(path)
		if err != nil {
			c.logger().Debug("service not reachable", "interface", name, "error", err)
			continue
		}
		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (c *Collector) nativePIDs() []int {
	if len(c.NativeProcesses) == 0 {
		return nil
	}
	entries, err := os.ReadDir(c.procRoot())
	if err != nil {
		c.logger().Warn("listing processes", "error", err)
		return nil
	}
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(c.procRoot(), entry.Name(), "comm"))
		if err != nil {
			// The process exited between listing and reading.
			continue
		}
		if slices.Contains(c.NativeProcesses, strings.TrimSpace(string(comm))) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// processStatus reads /proc/<pid>/status.
func (c *Collector) processStatus(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot(), strconv.Itoa(pid), "status"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Collector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
