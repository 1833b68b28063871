// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"fmt"
	"testing"

	"github.com/bureau-foundation/carhelper/lib/user"
)

func countKinds(infos []user.Info) (regular, guests int) {
	for _, info := range infos {
		if info.IsGuest() {
			guests++
		} else {
			regular++
		}
	}
	return regular, guests
}

func TestPreCreationReconciles(t *testing.T) {
	harness := newHarness(t, Config{PreCreatedUsers: 2, PreCreatedGuests: 1}, nil)
	harness.host.addUser(20, user.FlagPrecreated|user.FlagInitialized, "")
	harness.host.addUser(21, user.FlagPrecreated, "")

	harness.bootComplete(t)

	calls := harness.host.calls()
	regular, guests := countKinds(calls.precreated)
	if regular != 1 || guests != 1 {
		t.Errorf("pre-created %d regular and %d guests, want 1 and 1", regular, guests)
	}
	if fmt.Sprint(calls.removed) != "[21]" {
		t.Errorf("removed %v, want [21]", calls.removed)
	}
	if !harness.service.Snapshot().PreCreationDone {
		t.Error("pre-creation not journaled as started")
	}
}

func TestPreCreationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	harness := newHarness(t, Config{PreCreatedUsers: 2, PreCreatedGuests: 1}, nil)

	first := harness.service.reconcilePreCreatedUsers(ctx, 2, 1)
	if first.CreatedUsers != 2 || first.CreatedGuests != 1 {
		t.Fatalf("first pass = %+v, want 2 users and 1 guest", first)
	}
	second := harness.service.reconcilePreCreatedUsers(ctx, 2, 1)
	if second != (PreCreationResult{}) {
		t.Errorf("second pass = %+v, want no work", second)
	}
	if got := len(harness.host.calls().precreated); got != 3 {
		t.Errorf("pre-created %d users in total, want 3", got)
	}
}

func TestPreCreationRunsOnce(t *testing.T) {
	harness := newHarness(t, Config{PreCreatedUsers: 1}, nil)

	harness.bootComplete(t)
	// A repeated boot-completed phase must not start a second worker;
	// closing preCreationFinished twice would panic.
	harness.service.OnBootPhase(context.Background(), PhaseBootCompleted)

	if got := len(harness.host.calls().precreated); got != 1 {
		t.Errorf("pre-created %d users, want 1", got)
	}
}

func TestPreCreationSkipsInvalidConfig(t *testing.T) {
	for _, config := range []Config{
		{PreCreatedUsers: -1, PreCreatedGuests: 2},
		{PreCreatedUsers: 2, PreCreatedGuests: -1},
		{},
	} {
		harness := newHarness(t, config, nil)
		harness.host.addUser(30, user.FlagPrecreated, "")

		harness.bootComplete(t)

		calls := harness.host.calls()
		if len(calls.precreated) != 0 || len(calls.removed) != 0 {
			t.Errorf("users=%d guests=%d: worker ran (created %v, removed %v)",
				config.PreCreatedUsers, config.PreCreatedGuests, calls.precreated, calls.removed)
		}
	}
}

func TestPreCreationContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	harness := newHarness(t, Config{}, nil)
	harness.host.precreateFailures = 1
	harness.host.addUser(40, user.FlagPrecreated, "")

	result := harness.service.reconcilePreCreatedUsers(ctx, 2, 1)

	want := PreCreationResult{CreatedUsers: 1, CreatedGuests: 1, Removed: 1, Failed: 1}
	if result != want {
		t.Errorf("result = %+v, want %+v", result, want)
	}
}

func TestPreCreationIgnoresRegularUsers(t *testing.T) {
	ctx := context.Background()
	harness := newHarness(t, Config{}, nil)
	harness.host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
	harness.host.addUser(11, user.FlagGuest|user.FlagInitialized, "Guest")

	result := harness.service.reconcilePreCreatedUsers(ctx, 1, 1)

	if result.CreatedUsers != 1 || result.CreatedGuests != 1 {
		t.Errorf("result = %+v, want one of each created", result)
	}
	if removed := harness.host.calls().removed; len(removed) != 0 {
		t.Errorf("removed %v, want none", removed)
	}
}
