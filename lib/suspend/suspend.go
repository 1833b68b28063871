// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package suspend forces the device into suspend on behalf of the car
// service. [Logind] asks systemd-logind over the system D-Bus; [Sysfs]
// writes the kernel's power state file directly and is used where
// logind is absent.
//
// Both return a status code alongside the error: [StatusOK] when the
// suspend was accepted, a negative value otherwise. The car service
// only sees the status.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	StatusOK       int32 = 0
	StatusFailed   int32 = -1
	StatusTimedOut int32 = -2
)

const (
	logindDestination = "org.freedesktop.login1"
	logindPath        = dbus.ObjectPath("/org/freedesktop/login1")
	logindSuspend     = "org.freedesktop.login1.Manager.Suspend"
)

// Suspender is satisfied by Logind and Sysfs.
type Suspender interface {
	ForceSuspend(ctx context.Context, timeout time.Duration) (int32, error)
}

// methodCaller is the part of dbus.BusObject used here.
type methodCaller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// Logind suspends through systemd-logind.
type Logind struct {
	conn   *dbus.Conn
	object methodCaller
	logger *slog.Logger
}

// NewLogind connects to the system bus.
func NewLogind(logger *slog.Logger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return &Logind{
		conn:   conn,
		object: conn.Object(logindDestination, logindPath),
		logger: logger.With("component", "suspend", "method", "logind"),
	}, nil
}

// ForceSuspend asks logind to suspend. timeout bounds the wait for
// logind to accept the request; zero means no bound beyond ctx.
func (l *Logind) ForceSuspend(ctx context.Context, timeout time.Duration) (int32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	l.logger.Info("requesting suspend", "timeout", timeout)
	// The argument is "interactive": never prompt for authorization.
	call := l.object.CallWithContext(ctx, logindSuspend, 0, false)
	if call.Err != nil {
		if errors.Is(call.Err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return StatusTimedOut, fmt.Errorf("logind did not accept suspend within %s: %w", timeout, call.Err)
		}
		return StatusFailed, fmt.Errorf("logind suspend: %w", call.Err)
	}
	return StatusOK, nil
}

// Close releases the bus connection.
func (l *Logind) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// DefaultStatePath is the kernel power state file.
const DefaultStatePath = "/sys/power/state"

// Sysfs suspends by writing State to StatePath. The kernel write does
// not return until resume, so the timeout only applies before the
// write starts.
type Sysfs struct {
	StatePath string
	State     string
	Logger    *slog.Logger
}

// NewSysfs returns a Sysfs using suspend-to-RAM.
func NewSysfs(logger *slog.Logger) *Sysfs {
	return &Sysfs{
		StatePath: DefaultStatePath,
		State:     "mem",
		Logger:    logger.With("component", "suspend", "method", "sysfs"),
	}
}

// ForceSuspend writes the suspend state.
func (s *Sysfs) ForceSuspend(ctx context.Context, timeout time.Duration) (int32, error) {
	if err := ctx.Err(); err != nil {
		return StatusTimedOut, err
	}
	s.Logger.Info("writing suspend state", "path", s.StatePath, "state", s.State)
	file, err := os.OpenFile(s.StatePath, os.O_WRONLY, 0)
	if err != nil {
		return StatusFailed, fmt.Errorf("opening %s: %w", s.StatePath, err)
	}
	defer file.Close()
	if _, err := file.WriteString(s.State); err != nil {
		return StatusFailed, fmt.Errorf("writing %q to %s: %w", s.State, s.StatePath, err)
	}
	return StatusOK, nil
}

// New returns the suspender for method ("logind" or "sysfs"). When
// logind is requested but the system bus is unreachable, it falls
// back to sysfs.
func New(method string, logger *slog.Logger) (Suspender, error) {
	switch method {
	case "sysfs":
		return NewSysfs(logger), nil
	case "logind", "":
		logind, err := NewLogind(logger)
		if err != nil {
			logger.Warn("logind unavailable, suspending through sysfs", "error", err)
			return NewSysfs(logger), nil
		}
		return logind, nil
	default:
		return nil, fmt.Errorf("unknown suspend method %q", method)
	}
}
