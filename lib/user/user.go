// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package user defines the user-account vocabulary shared by the car
// helper bridge, its host adapter, and the car service wire protocol:
// user identifiers, account flags, and lifecycle events.
//
// User accounts themselves are owned by the host platform. This
// package only describes them; it never stores or mutates accounts.
package user

import (
	"fmt"
	"strings"
)

// ID identifies a user account. Valid identifiers are non-negative.
// The wire representation is a signed 32-bit integer.
type ID int32

const (
	// NullID is the sentinel for "no user". Used as the "from" side of
	// every lifecycle event that is not a switch, and as the initial
	// value of the last-switched user.
	NullID ID = -10000

	// SystemID is the system user. It always exists and is never the
	// target of a boot-policy switch.
	SystemID ID = 0
)

// IsNull reports whether id is the NullID sentinel.
func (id ID) IsNull() bool { return id == NullID }

// String renders NullID as "null" and everything else as its decimal
// value, so log lines stay readable.
func (id ID) String() string {
	if id == NullID {
		return "null"
	}
	return fmt.Sprintf("%d", int32(id))
}

// Flags is the account flag set. The bit values are wire constants:
// the boot-policy oracle sends them verbatim in CREATE replies and the
// host reports them in user listings.
type Flags uint32

const (
	FlagAdmin          Flags = 1 << 1
	FlagGuest          Flags = 1 << 2
	FlagInitialized    Flags = 1 << 4
	FlagManagedProfile Flags = 1 << 5
	FlagPrecreated     Flags = 1 << 9
	FlagSystem         Flags = 1 << 11
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagAdmin, "admin"},
	{FlagGuest, "guest"},
	{FlagInitialized, "initialized"},
	{FlagManagedProfile, "managed-profile"},
	{FlagPrecreated, "precreated"},
	{FlagSystem, "system"},
}

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// String returns the flag names joined with "|", or "none".
func (f Flags) String() string {
	var names []string
	remaining := f
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
			remaining &^= entry.flag
		}
	}
	if remaining != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(remaining)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Info describes one user account as reported by the host.
type Info struct {
	ID    ID     `cbor:"id"`
	Flags Flags  `cbor:"flags"`
	Name  string `cbor:"name"`
}

// IsAdmin reports whether the account carries the administrator flag.
func (i Info) IsAdmin() bool { return i.Flags.Has(FlagAdmin) }

// IsGuest reports whether the account is a guest.
func (i Info) IsGuest() bool { return i.Flags.Has(FlagGuest) }

// IsManagedProfile reports whether the account is a managed profile
// rather than a full user.
func (i Info) IsManagedProfile() bool { return i.Flags.Has(FlagManagedProfile) }

// IsPrecreated reports whether the account was materialized ahead of
// first use.
func (i Info) IsPrecreated() bool { return i.Flags.Has(FlagPrecreated) }

// IsInitialized reports whether the account finished initialization.
// A pre-created account without this flag was interrupted by a crash
// and must be removed.
func (i Info) IsInitialized() bool { return i.Flags.Has(FlagInitialized) }

// IsSystem reports whether this is the system user.
func (i Info) IsSystem() bool { return i.ID == SystemID || i.Flags.Has(FlagSystem) }

func (i Info) String() string {
	return fmt.Sprintf("user %s %q [%s]", i.ID, i.Name, i.Flags)
}

// EventType tags a user lifecycle transition. The numeric values are
// wire constants for the on_user_lifecycle call.
type EventType int32

const (
	EventStarting  EventType = 1
	EventSwitching EventType = 2
	EventUnlocking EventType = 3
	EventUnlocked  EventType = 4
	EventStopping  EventType = 5
	EventStopped   EventType = 6
)

func (t EventType) String() string {
	switch t {
	case EventStarting:
		return "starting"
	case EventSwitching:
		return "switching"
	case EventUnlocking:
		return "unlocking"
	case EventUnlocked:
		return "unlocked"
	case EventStopping:
		return "stopping"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// ParseEventType maps the lowercase event name back to its type.
func ParseEventType(name string) (EventType, error) {
	for t := EventStarting; t <= EventStopped; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", name)
}
