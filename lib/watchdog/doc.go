// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog records why the car helper terminated itself, so
// that the next instance can tell a deliberate crash restart apart
// from an ordinary start.
//
// When the car service crashes and restart is enabled, the bridge:
//
//  1. Captures diagnostics.
//  2. Writes a [State] with the crash reason and report location via
//     [Marker.MarkCrashRestart].
//  3. Terminates with the service-crash exit status.
//
// The supervisor restarts the host, and the new bridge calls [Check]
// at startup. A recent marker is reported and removed with [Clear].
// Markers older than the staleness window are ignored; they belong to
// an earlier, unrelated restart.
//
// The marker file is written atomically (temporary file, fsync,
// rename) so readers never see a partial state.
package watchdog
