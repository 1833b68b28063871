// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// The host platform owns user accounts, activity control, device
// policy, and window placement. The bridge reaches them through the
// interfaces below; lib/hostapi implements them over the host socket.

// UserManager is the host's user-account store.
type UserManager interface {
	// Users lists accounts, excluding dying ones. With
	// includePrecreated set, pre-created and partially initialized
	// accounts are listed too.
	Users(ctx context.Context, includePrecreated bool) ([]user.Info, error)

	// CreateUser creates a regular account.
	CreateUser(ctx context.Context, name string, flags user.Flags) (user.Info, error)

	// PreCreateUser materializes an unnamed account for later use.
	PreCreateUser(ctx context.Context, guest bool) (user.Info, error)

	RemoveUser(ctx context.Context, id user.ID) error

	// SetDefaultIcon assigns the platform's default avatar.
	SetDefaultIcon(ctx context.Context, id user.ID) error

	// HeadlessSystemUserMode reports whether the system user runs
	// without a foreground session.
	HeadlessSystemUserMode(ctx context.Context) (bool, error)
}

// ActivityController starts and unlocks users. The boolean results
// mirror the host: false means the request was refused without an
// error.
type ActivityController interface {
	StartUserInForeground(ctx context.Context, id user.ID) (bool, error)
	StartUserInBackground(ctx context.Context, id user.ID) (bool, error)
	UnlockUser(ctx context.Context, id user.ID) (bool, error)
}

// UserHelper tracks the host's notion of the user to boot into.
type UserHelper interface {
	// InitialUser is the platform's last-active user choice.
	InitialUser(ctx context.Context) (user.ID, error)
	SetLastActiveUser(ctx context.Context, id user.ID) error
}

// ProvisioningState is the device-policy provisioning state of the
// system user. Only ProvisioningUnmanaged lets the boot policy run.
type ProvisioningState int32

const (
	ProvisioningUnmanaged ProvisioningState = iota
	ProvisioningSetupIncomplete
	ProvisioningSetupComplete
	ProvisioningSetupFinalized
	ProvisioningProfileComplete
)

func (p ProvisioningState) String() string {
	switch p {
	case ProvisioningUnmanaged:
		return "unmanaged"
	case ProvisioningSetupIncomplete:
		return "setup_incomplete"
	case ProvisioningSetupComplete:
		return "setup_complete"
	case ProvisioningSetupFinalized:
		return "setup_finalized"
	case ProvisioningProfileComplete:
		return "profile_complete"
	default:
		return "unknown"
	}
}

// DevicePolicy reports device-policy provisioning. Optional: a nil
// DevicePolicy means the device is unmanaged.
type DevicePolicy interface {
	ProvisioningState(ctx context.Context) (ProvisioningState, error)
}

// SystemInfo answers questions about the running system image.
type SystemInfo interface {
	// IsUpgrading reports whether this is the first boot of a new
	// system image.
	IsUpgrading(ctx context.Context) (bool, error)
}

// LaunchParams is the host's window-placement policy.
type LaunchParams interface {
	Init(ctx context.Context) error
	UserSwitching(ctx context.Context, id user.ID) error
	UserStopped(ctx context.Context, id user.ID) error
	SetDisplayWhitelistForUser(ctx context.Context, id user.ID, displayIDs []int32) error
	SetPassengerDisplays(ctx context.Context, displayIDs []int32) error
}

// Suspender forces the device into suspend.
type Suspender interface {
	ForceSuspend(ctx context.Context, timeout time.Duration) (int32, error)
}

// Authorizer decides whether an inbound caller holds the power
// management capability.
type Authorizer interface {
	HasPowerCapability(caller carsocket.Caller) bool
}

// Diagnostics captures state when the car service crashes. It returns
// a description of where the dump went.
type Diagnostics interface {
	Dump(ctx context.Context, reason string) (string, error)
}

// RestartMarker records a deliberate crash restart for the next
// instance. Satisfied by *watchdog.Marker.
type RestartMarker interface {
	MarkCrashRestart(reason, report string, exitCode int) error
}

// PeerProber looks for the car service directly, bypassing the
// connect callback. Satisfied by *carsocket.Discovery.
type PeerProber interface {
	Probe() (carsocket.Handle, bool)
}
