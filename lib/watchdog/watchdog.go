// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/carhelper/lib/clock"
	"github.com/bureau-foundation/carhelper/lib/codec"
)

// State is the content of a restart marker.
type State struct {
	// Reason is the transport error that was taken as a car service
	// crash.
	Reason string `cbor:"reason"`

	// Report is where the crash diagnostics went. Empty when capture
	// failed or diagnostics are disabled.
	Report string `cbor:"report,omitempty"`

	// PID is the process that terminated.
	PID int `cbor:"pid"`

	// ExitCode is the status the process exited with.
	ExitCode int `cbor:"exit_code"`

	Timestamp time.Time `cbor:"timestamp"`
}

// Write atomically writes a marker file with mode 0600. The parent
// directory must already exist.
func Write(path string, state State) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding restart marker: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary restart marker: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary restart marker: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary restart marker: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary restart marker: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming restart marker into place: %w", err)
	}

	// The process exits right after this; make the rename durable.
	if parentDirectory, err := os.Open(filepath.Dir(path)); err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// Read reads a marker file. A missing file yields an error wrapping
// os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := codec.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing restart marker %s: %w", path, err)
	}
	return state, nil
}

// Check returns the marker and true when it exists and was written
// within maxAge of now. A missing or stale marker yields false and no
// error; any other failure is returned so that "no marker" stays
// distinguishable from "unreadable marker".
func Check(path string, maxAge time.Duration, now time.Time) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if now.Sub(state.Timestamp) > maxAge {
		return State{}, false, nil
	}
	return state, true, nil
}

// Clear removes a marker file. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing restart marker: %w", err)
	}
	return nil
}

// Marker writes restart markers for one process.
type Marker struct {
	Path  string
	Clock clock.Clock
}

// MarkCrashRestart records that this process is about to exit with
// exitCode because the car service crashed.
func (m *Marker) MarkCrashRestart(reason, report string, exitCode int) error {
	now := time.Now()
	if m.Clock != nil {
		now = m.Clock.Now()
	}
	return Write(m.Path, State{
		Reason:    reason,
		Report:    report,
		PID:       os.Getpid(),
		ExitCode:  exitCode,
		Timestamp: now,
	})
}
