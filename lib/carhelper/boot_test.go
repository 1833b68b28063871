// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/user"
)

func int32Pointer(v int32) *int32    { return &v }
func uint32Pointer(v uint32) *uint32 { return &v }
func stringPointer(v string) *string { return &v }

// runBootPhase runs the third-party-apps phase on its own goroutine,
// since the HAL query blocks it, and returns a channel closed when it
// finishes.
func runBootPhase(harness *testHarness) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("boot phase did not finish")
	}
}

func TestDefaultBootCreatesAdmin(t *testing.T) {
	harness := newHarness(t, Config{HALEnabled: false, DefaultUserName: "Driver"}, nil)

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if len(calls.created) != 1 {
		t.Fatalf("created %d users, want 1", len(calls.created))
	}
	created := calls.created[0]
	if created.Name != "Driver" || !created.IsAdmin() {
		t.Errorf("created %v, want admin named Driver", created)
	}
	if fmt.Sprint(calls.icons) != fmt.Sprint([]user.ID{created.ID}) {
		t.Errorf("default icon set on %v, want [%s]", calls.icons, created.ID)
	}
	if fmt.Sprint(calls.foreground) != fmt.Sprint([]user.ID{created.ID}) {
		t.Errorf("foreground starts = %v, want [%s]", calls.foreground, created.ID)
	}
	if calls.lastActive != created.ID {
		t.Errorf("last active = %s, want %s", calls.lastActive, created.ID)
	}
	if fmt.Sprint(calls.background) != "[0]" {
		t.Errorf("background starts = %v, want the system user", calls.background)
	}
	if fmt.Sprint(calls.launch) != "[init]" {
		t.Errorf("launch params = %v, want [init]", calls.launch)
	}

	snapshot := harness.service.Snapshot()
	if snapshot.LastSwitchedTo != created.ID {
		t.Errorf("journaled switch = %s, want %s", snapshot.LastSwitchedTo, created.ID)
	}
	if !snapshot.LockStatus[user.SystemID] {
		t.Error("system user not journaled as unlocked")
	}
	if snapshot.HALResponseTimeMs != 0 {
		t.Errorf("hal response time = %d, want 0 with the query disabled", snapshot.HALResponseTimeMs)
	}
}

func TestDefaultBootStartsInitialUser(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
	harness.host.initialUser = 10

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if len(calls.created) != 0 {
		t.Errorf("created users %v, want none", calls.created)
	}
	if fmt.Sprint(calls.foreground) != "[10]" {
		t.Errorf("foreground starts = %v, want [10]", calls.foreground)
	}
}

func TestDefaultBootSystemUserOnly(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.headless = false
	harness.host.initialUser = user.SystemID

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if len(calls.foreground) != 0 || len(calls.background) != 0 {
		t.Errorf("started users (foreground %v, background %v), want none", calls.foreground, calls.background)
	}
}

func TestHeadlessSystemUserDoesNotCount(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.headless = true
	harness.host.addUser(5, user.FlagManagedProfile|user.FlagInitialized, "work")

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	if calls := harness.host.calls(); len(calls.created) != 1 {
		t.Errorf("created %d users, want a new admin", len(calls.created))
	}
}

func TestSystemUserUnlockFallback(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.backgroundResult = false

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if fmt.Sprint(calls.unlocked) != "[0]" {
		t.Errorf("explicit unlocks = %v, want the system user", calls.unlocked)
	}
	if !harness.service.Snapshot().LockStatus[user.SystemID] {
		t.Error("system user not journaled as unlocked after the fallback")
	}
}

func TestDevicePolicySkipsBootUser(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.provisioning = ProvisioningSetupComplete

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if len(calls.created) != 0 || len(calls.foreground) != 0 || len(calls.background) != 0 {
		t.Errorf("boot user work under device policy: %+v", calls)
	}
}

func TestAdminCreationFailureAborts(t *testing.T) {
	harness := newHarness(t, Config{}, nil)
	harness.host.createErr = errors.New("too many users")

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	calls := harness.host.calls()
	if len(calls.foreground) != 0 {
		t.Errorf("foreground starts = %v after failed creation, want none", calls.foreground)
	}
	if decision := harness.service.Snapshot().BootDecision; decision == "" {
		t.Error("aborted boot left no decision in the journal")
	}
}

// halHarness connects a peer and starts the third-party-apps phase with
// the boot-policy query enabled. It returns once the query is pending.
func halHarness(t *testing.T, setup func(*fakeHost)) (*testHarness, *fakePeer, carproto.GetInitialUserInfo, <-chan struct{}) {
	t.Helper()
	harness := newHarness(t, Config{HALEnabled: true, HALTimeout: 500 * time.Millisecond}, nil)
	if setup != nil {
		setup(harness.host)
	}
	peer := newFakePeer("car")
	harness.service.Connect(context.Background(), peer)

	done := runBootPhase(harness)
	query := decodeCall[carproto.GetInitialUserInfo](t, peer.waitFor(t, carproto.OpGetInitialUserInfo))
	harness.clock.WaitForTimers(1)
	return harness, peer, query, done
}

func replyBundle(t *testing.T, bundle carproto.InitialUserInfo) []byte {
	return mustMarshal(t, bundle)
}

func TestHALSwitchToExistingUser(t *testing.T) {
	harness, peer, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.addUser(11, user.FlagAdmin|user.FlagInitialized, "Passenger")
		host.initialUser = 10
	})
	if query.TimeoutMs != 500 {
		t.Errorf("query timeout = %d, want 500", query.TimeoutMs)
	}
	if query.RequestType != int32(carproto.RequestColdBoot) {
		t.Errorf("request type = %d, want COLD_BOOT", query.RequestType)
	}

	harness.clock.Advance(40 * time.Millisecond)
	data := replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionSwitch), UserID: int32Pointer(11)})
	if err := harness.service.SendResult(query.ResultSink, carproto.StatusOK, data); err != nil {
		t.Fatalf("SendResult: %v", err)
	}
	waitDone(t, done)

	calls := harness.host.calls()
	if fmt.Sprint(calls.foreground) != "[11]" {
		t.Errorf("foreground starts = %v, want [11]", calls.foreground)
	}
	if len(calls.created) != 0 {
		t.Errorf("created users %v, want none", calls.created)
	}
	if got := harness.service.Snapshot().HALResponseTimeMs; got != 40 {
		t.Errorf("hal response time = %d, want 40", got)
	}
	initial := decodeCall[carproto.SetInitialUser](t, peer.waitFor(t, carproto.OpSetInitialUser))
	if initial.UserID != 11 {
		t.Errorf("set_initial_user = %d, want 11", initial.UserID)
	}
}

func TestHALImmediateReplyIsNonZero(t *testing.T) {
	harness, _, query, done := halHarness(t, nil)

	data := replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionDefault)})
	if err := harness.service.SendResult(query.ResultSink, carproto.StatusOK, data); err != nil {
		t.Fatalf("SendResult: %v", err)
	}
	waitDone(t, done)

	if got := harness.service.Snapshot().HALResponseTimeMs; got <= 0 {
		t.Errorf("hal response time = %d, want > 0 for an observed reply", got)
	}
}

func TestHALTimeoutIgnoresLateReply(t *testing.T) {
	harness, _, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.addUser(11, user.FlagAdmin|user.FlagInitialized, "Passenger")
		host.initialUser = 10
	})

	harness.clock.Advance(500 * time.Millisecond)
	waitDone(t, done)

	calls := harness.host.calls()
	if fmt.Sprint(calls.foreground) != "[10]" {
		t.Fatalf("foreground starts = %v, want the default user 10", calls.foreground)
	}
	if got := harness.service.Snapshot().HALResponseTimeMs; got != -1 {
		t.Errorf("hal response time = %d, want -1", got)
	}

	harness.clock.Advance(200 * time.Millisecond)
	data := replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionSwitch), UserID: int32Pointer(11)})
	if err := harness.service.SendResult(query.ResultSink, carproto.StatusOK, data); err != nil {
		t.Fatalf("late SendResult: %v", err)
	}

	snapshot := harness.service.Snapshot()
	if snapshot.HALResponseTimeMs != -1 {
		t.Errorf("late reply changed hal response time to %d", snapshot.HALResponseTimeMs)
	}
	if snapshot.LateHALResponseMs != 700 {
		t.Errorf("late hal response = %d, want 700", snapshot.LateHALResponseMs)
	}
	if calls := harness.host.calls(); fmt.Sprint(calls.foreground) != "[10]" {
		t.Errorf("late reply acted on: foreground starts = %v", calls.foreground)
	}
}

func TestHALSwitchToSystemUserFallsBack(t *testing.T) {
	harness, _, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.initialUser = 10
	})

	data := replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionSwitch), UserID: int32Pointer(0)})
	harness.service.SendResult(query.ResultSink, carproto.StatusOK, data)
	waitDone(t, done)

	if calls := harness.host.calls(); fmt.Sprint(calls.foreground) != "[10]" {
		t.Errorf("foreground starts = %v, want the default user 10", calls.foreground)
	}
}

func TestHALSwitchToMissingUserFallsBack(t *testing.T) {
	harness, _, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.initialUser = 10
	})

	data := replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionSwitch), UserID: int32Pointer(77)})
	harness.service.SendResult(query.ResultSink, carproto.StatusOK, data)
	waitDone(t, done)

	if calls := harness.host.calls(); fmt.Sprint(calls.foreground) != "[10]" {
		t.Errorf("foreground starts = %v, want the default user 10", calls.foreground)
	}
}

func TestHALCreateUser(t *testing.T) {
	harness, _, query, done := halHarness(t, nil)

	data := replyBundle(t, carproto.InitialUserInfo{
		Action:    int32Pointer(carproto.ActionCreate),
		UserName:  stringPointer("Guest Driver"),
		UserFlags: uint32Pointer(uint32(user.FlagGuest)),
	})
	harness.service.SendResult(query.ResultSink, carproto.StatusOK, data)
	waitDone(t, done)

	calls := harness.host.calls()
	if len(calls.created) != 1 {
		t.Fatalf("created %d users, want 1", len(calls.created))
	}
	created := calls.created[0]
	if created.Name != "Guest Driver" || !created.IsGuest() {
		t.Errorf("created %v, want guest named Guest Driver", created)
	}
	if len(calls.icons) != 0 {
		t.Error("policy-created user got the default icon")
	}
	if fmt.Sprint(calls.foreground) != fmt.Sprint([]user.ID{created.ID}) {
		t.Errorf("foreground starts = %v, want [%s]", calls.foreground, created.ID)
	}
}

func TestHALCreateFailureFallsBackToLastActive(t *testing.T) {
	harness, _, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.initialUser = 10
		host.createErr = errors.New("quota")
	})

	data := replyBundle(t, carproto.InitialUserInfo{
		Action:    int32Pointer(carproto.ActionCreate),
		UserName:  stringPointer("Extra"),
		UserFlags: uint32Pointer(0),
	})
	harness.service.SendResult(query.ResultSink, carproto.StatusOK, data)
	waitDone(t, done)

	if calls := harness.host.calls(); fmt.Sprint(calls.foreground) != "[10]" {
		t.Errorf("foreground starts = %v, want last active user 10", calls.foreground)
	}
}

func TestHALInvalidReplyUsesDefault(t *testing.T) {
	harness, _, query, done := halHarness(t, nil)

	harness.service.SendResult(query.ResultSink, 0, nil)
	waitDone(t, done)

	calls := harness.host.calls()
	if len(calls.created) != 1 || calls.created[0].Name != "Driver" {
		t.Errorf("created %v, want the default admin", calls.created)
	}
	if got := harness.service.Snapshot().HALResponseTimeMs; got <= 0 {
		t.Errorf("hal response time = %d, want the observed latency", got)
	}
}

func TestHALWithoutPeerUsesDefault(t *testing.T) {
	harness := newHarness(t, Config{HALEnabled: true, HALTimeout: 500 * time.Millisecond}, nil)

	harness.service.OnBootPhase(context.Background(), PhaseThirdPartyAppsCanStart)

	if calls := harness.host.calls(); len(calls.created) != 1 {
		t.Errorf("created %d users, want the default admin", len(calls.created))
	}
	if got := harness.service.Snapshot().HALResponseTimeMs; got != 0 {
		t.Errorf("hal response time = %d, want 0 when no query was sent", got)
	}
}

func TestRequestType(t *testing.T) {
	tests := []struct {
		upgrading      bool
		hasInitialUser bool
		want           carproto.RequestType
	}{
		{upgrading: true, hasInitialUser: false, want: carproto.RequestFirstBoot},
		{upgrading: true, hasInitialUser: true, want: carproto.RequestFirstBootAfterOTA},
		{upgrading: false, hasInitialUser: true, want: carproto.RequestColdBoot},
		{upgrading: false, hasInitialUser: false, want: carproto.RequestColdBoot},
	}
	for _, test := range tests {
		harness := newHarness(t, Config{}, nil)
		harness.host.upgrading = test.upgrading
		executor := &bootExecutor{s: harness.service, hasInitialUser: test.hasInitialUser}
		if got := executor.requestType(context.Background()); got != test.want {
			t.Errorf("upgrading=%t initial=%t: request type = %s, want %s",
				test.upgrading, test.hasInitialUser, got, test.want)
		}
	}
}

func TestFirstUnlockCarriesHALResponseTime(t *testing.T) {
	harness, peer, query, done := halHarness(t, func(host *fakeHost) {
		host.addUser(10, user.FlagAdmin|user.FlagInitialized, "Driver")
		host.initialUser = 10
	})
	harness.clock.Advance(120 * time.Millisecond)
	harness.service.SendResult(query.ResultSink, carproto.StatusOK,
		replyBundle(t, carproto.InitialUserInfo{Action: int32Pointer(carproto.ActionDefault)}))
	waitDone(t, done)

	harness.service.OnUserLifecycle(context.Background(), user.EventUnlocked, user.NullID, 10, false)

	first := decodeCall[carproto.FirstUserUnlocked](t, peer.waitFor(t, carproto.OpFirstUserUnlocked))
	if first.HALResponseTimeMs != 120 {
		t.Errorf("first unlock hal response time = %d, want 120", first.HALResponseTimeMs)
	}
}
