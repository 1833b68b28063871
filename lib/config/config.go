// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for bench and emulator setups.
	Development Environment = "development"
	// Production is for vehicles.
	Production Environment = "production"
)

// EnvVar names the environment variable read by [Load].
const EnvVar = "CARHELPER_CONFIG"

// Config is the car helper bridge configuration.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// Peer locates the car service.
	Peer PeerConfig `yaml:"peer"`

	// Host configures the sockets shared with the host platform.
	Host HostConfig `yaml:"host"`

	// Users configures account creation.
	Users UsersConfig `yaml:"users"`

	// HAL configures the boot-policy query.
	HAL HALConfig `yaml:"hal"`

	// Recovery configures car service crash handling.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Diagnostics configures crash dumps.
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Inbound configures the helper socket the car service calls.
	Inbound InboundConfig `yaml:"inbound"`

	Logging LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Pointer fields distinguish "not set" from false and zero.
type ConfigOverrides struct {
	HAL      *HALOverrides      `yaml:"hal,omitempty"`
	Recovery *RecoveryOverrides `yaml:"recovery,omitempty"`
	Logging  *LoggingConfig     `yaml:"logging,omitempty"`
}

type HALOverrides struct {
	Enabled   *bool `yaml:"enabled,omitempty"`
	TimeoutMs *int  `yaml:"timeout_ms,omitempty"`
}

type RecoveryOverrides struct {
	RestartOnServiceCrash *bool `yaml:"restart_on_service_crash,omitempty"`
}

// PeerConfig locates the car service.
type PeerConfig struct {
	// SocketPath is where the car service listens. Its appearance and
	// removal are the connect and disconnect signals.
	// Default: /run/car/car_service.sock
	SocketPath string `yaml:"socket_path"`
}

// HostConfig configures the host platform sockets.
type HostConfig struct {
	// CollaboratorSocket is served by the host: user store, activity
	// control, device policy, launch params.
	// Default: /run/carhelper/host.sock
	CollaboratorSocket string `yaml:"collaborator_socket"`

	// CallbackSocket is served by the bridge: boot phases, lifecycle
	// callbacks, dump.
	// Default: /run/carhelper/bridge.sock
	CallbackSocket string `yaml:"callback_socket"`
}

// UsersConfig configures account creation.
type UsersConfig struct {
	// NumberPreCreatedUsers is the wanted size of the pre-created
	// regular user pool. A negative value disables pre-creation.
	NumberPreCreatedUsers int `yaml:"number_pre_created_users"`

	// NumberPreCreatedGuests is the wanted size of the pre-created
	// guest pool. A negative value disables pre-creation.
	NumberPreCreatedGuests int `yaml:"number_pre_created_guests"`

	// DefaultUserName names the administrator created on first boot.
	// Default: Driver
	DefaultUserName string `yaml:"default_user_name"`
}

// HALConfig configures the boot-policy query to the car service.
type HALConfig struct {
	Enabled bool `yaml:"enabled"`

	// TimeoutMs bounds the wait for the reply.
	// Default: 500
	TimeoutMs int `yaml:"timeout_ms"`
}

// Timeout returns TimeoutMs as a duration.
func (h HALConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// RecoveryConfig configures car service crash handling.
type RecoveryConfig struct {
	// RestartOnServiceCrash exits the process after a car service
	// crash so the supervisor restarts both.
	RestartOnServiceCrash bool `yaml:"restart_on_service_crash"`

	// MarkerPath is written just before a crash restart and read by
	// the next instance. Empty disables the marker.
	// Default: /var/lib/carhelper/restart-marker
	MarkerPath string `yaml:"marker_path"`
}

// DiagnosticsConfig configures crash dumps.
type DiagnosticsConfig struct {
	// Directory receives dump files.
	// Default: /var/lib/carhelper/crash
	Directory string `yaml:"directory"`

	// Compression is one of zstd, lz4, none.
	// Default: zstd
	Compression string `yaml:"compression"`

	// ServiceIndex is a directory of service sockets named by
	// interface. The pid behind each allowlisted interface is dumped.
	// Default: /run/hwservice
	ServiceIndex string `yaml:"service_index"`

	// Interfaces is the service-index allowlist.
	Interfaces []string `yaml:"interfaces"`

	// NativeProcesses is matched against /proc/<pid>/comm.
	NativeProcesses []string `yaml:"native_processes"`
}

// InboundConfig configures the helper socket.
type InboundConfig struct {
	// SocketPath is handed to the car service on every connect.
	// Default: /run/carhelper/helper.sock
	SocketPath string `yaml:"socket_path"`

	// PowerUIDs hold the power capability in addition to root.
	PowerUIDs []int `yaml:"power_uids"`

	// Suspend is logind or sysfs.
	// Default: logind
	Suspend string `yaml:"suspend"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`
}

// DefaultInterfaces are the vehicle services whose state is worth
// capturing when the car service crashes.
var DefaultInterfaces = []string{
	"android.hardware.automotive.vehicle@2.0::IVehicle",
	"android.hardware.automotive.audiocontrol@1.0::IAudioControl",
}

// DefaultNativeProcesses are native daemons captured on a crash.
var DefaultNativeProcesses = []string{
	"audioserver",
	"cameraserver",
	"surfaceflinger",
	"evs_manager",
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Peer: PeerConfig{
			SocketPath: "/run/car/car_service.sock",
		},
		Host: HostConfig{
			CollaboratorSocket: "/run/carhelper/host.sock",
			CallbackSocket:     "/run/carhelper/bridge.sock",
		},
		Users: UsersConfig{
			DefaultUserName: "Driver",
		},
		HAL: HALConfig{
			TimeoutMs: 500,
		},
		Recovery: RecoveryConfig{
			MarkerPath: "/var/lib/carhelper/restart-marker",
		},
		Diagnostics: DiagnosticsConfig{
			Directory:       "/var/lib/carhelper/crash",
			Compression:     "zstd",
			ServiceIndex:    "/run/hwservice",
			Interfaces:      append([]string(nil), DefaultInterfaces...),
			NativeProcesses: append([]string(nil), DefaultNativeProcesses...),
		},
		Inbound: InboundConfig{
			SocketPath: "/run/carhelper/helper.sock",
			Suspend:    "logind",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the CARHELPER_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your carhelper.yaml config file, or use --config flag", EnvVar)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the stripped document goes
		// through the same decoder and tags.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production restarts alongside a crashed car service unless
		// told otherwise.
		if overrides == nil {
			restart := true
			overrides = &ConfigOverrides{
				Recovery: &RecoveryOverrides{RestartOnServiceCrash: &restart},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.HAL != nil {
		if overrides.HAL.Enabled != nil {
			c.HAL.Enabled = *overrides.HAL.Enabled
		}
		if overrides.HAL.TimeoutMs != nil {
			c.HAL.TimeoutMs = *overrides.HAL.TimeoutMs
		}
	}

	if overrides.Recovery != nil && overrides.Recovery.RestartOnServiceCrash != nil {
		c.Recovery.RestartOnServiceCrash = *overrides.Recovery.RestartOnServiceCrash
	}

	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Peer.SocketPath = expandVars(c.Peer.SocketPath, vars)
	c.Host.CollaboratorSocket = expandVars(c.Host.CollaboratorSocket, vars)
	c.Host.CallbackSocket = expandVars(c.Host.CallbackSocket, vars)
	c.Diagnostics.Directory = expandVars(c.Diagnostics.Directory, vars)
	c.Diagnostics.ServiceIndex = expandVars(c.Diagnostics.ServiceIndex, vars)
	c.Inbound.SocketPath = expandVars(c.Inbound.SocketPath, vars)
	c.Recovery.MarkerPath = expandVars(c.Recovery.MarkerPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Negative pre-creation
// counts are accepted here; the bridge logs them and skips
// pre-creation.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Peer.SocketPath == "" {
		errs = append(errs, errors.New("peer.socket_path is required"))
	}
	if c.Host.CollaboratorSocket == "" {
		errs = append(errs, errors.New("host.collaborator_socket is required"))
	}
	if c.Host.CallbackSocket == "" {
		errs = append(errs, errors.New("host.callback_socket is required"))
	}
	if c.Inbound.SocketPath == "" {
		errs = append(errs, errors.New("inbound.socket_path is required"))
	}

	if c.HAL.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("hal.timeout_ms must be positive, got %d", c.HAL.TimeoutMs))
	}

	compressions := []string{"zstd", "lz4", "none"}
	if !contains(compressions, c.Diagnostics.Compression) {
		errs = append(errs, fmt.Errorf("diagnostics.compression must be one of: %v", compressions))
	}

	suspendMethods := []string{"logind", "sysfs"}
	if !contains(suspendMethods, c.Inbound.Suspend) {
		errs = append(errs, fmt.Errorf("inbound.suspend must be one of: %v", suspendMethods))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the bridge writes into.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Diagnostics.Directory,
		filepath.Dir(c.Inbound.SocketPath),
		filepath.Dir(c.Host.CallbackSocket),
	}
	if c.Recovery.MarkerPath != "" {
		paths = append(paths, filepath.Dir(c.Recovery.MarkerPath))
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
