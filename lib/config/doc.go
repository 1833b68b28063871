// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the car helper
// bridge.
//
// Configuration is loaded from a single file specified by either the
// CARHELPER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. YAML is the native format; files ending in .json or .jsonc
// are accepted with comments and trailing commas stripped.
//
// The file may contain environment-specific sections (development,
// production) that override the hal, recovery and logging sections
// when [Config].Environment matches. Production restarts the bridge
// after a car service crash unless its section says otherwise.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Peer, Host, Users, HAL, Recovery,
//     Diagnostics, Inbound and Logging sections
//   - [Default] -- returns a Config with the documented defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other carhelper packages.
package config
