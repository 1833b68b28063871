// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/clock"
	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/user"
)

var testEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// peerCall is one transaction received by a fakePeer.
type peerCall struct {
	code carproto.Opcode
	data []byte
}

// fakePeer stands in for the car service.
type fakePeer struct {
	name string

	mu    sync.Mutex
	calls []peerCall
	fail  error
	sent  chan peerCall
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, sent: make(chan peerCall, 256)}
}

func (p *fakePeer) String() string { return p.name }

func (p *fakePeer) Transact(ctx context.Context, code carproto.Opcode, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return &carsocket.TransportError{Code: code, Err: p.fail}
	}
	call := peerCall{code: code, data: append([]byte(nil), data...)}
	p.calls = append(p.calls, call)
	p.sent <- call
	return nil
}

func (p *fakePeer) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *fakePeer) recorded() []peerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peerCall(nil), p.calls...)
}

func (p *fakePeer) codes() []carproto.Opcode {
	var codes []carproto.Opcode
	for _, call := range p.recorded() {
		codes = append(codes, call.code)
	}
	return codes
}

func (p *fakePeer) count(code carproto.Opcode) int {
	count := 0
	for _, call := range p.recorded() {
		if call.code == code {
			count++
		}
	}
	return count
}

// waitFor blocks until a call with code arrives.
func (p *fakePeer) waitFor(t *testing.T, code carproto.Opcode) peerCall {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case call := <-p.sent:
			if call.code == code {
				return call
			}
		case <-timeout:
			t.Fatalf("%s never received %s; got %v", p.name, code, p.codes())
		}
	}
}

func decodeCall[T any](t *testing.T, call peerCall) T {
	t.Helper()
	var parcel T
	if err := carproto.Decode(call.data, &parcel); err != nil {
		t.Fatalf("decoding %s: %v", call.code, err)
	}
	return parcel
}

func requireCodes(t *testing.T, peer *fakePeer, want ...carproto.Opcode) {
	t.Helper()
	got := peer.codes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("%s calls = %v, want %v", peer.name, got, want)
	}
}

// fakeHost implements every host collaborator.
type fakeHost struct {
	mu sync.Mutex

	users        map[user.ID]user.Info
	nextID       user.ID
	headless     bool
	upgrading    bool
	initialUser  user.ID
	lastActive   user.ID
	provisioning ProvisioningState

	createErr         error
	precreateFailures int
	foregroundResult  bool
	backgroundResult  bool
	unlockResult      bool

	created    []user.Info
	precreated []user.Info
	removed    []user.ID
	icons      []user.ID
	foreground []user.ID
	background []user.ID
	unlocked   []user.ID
	launch     []string
	whitelist  map[user.ID][]int32
	passengers []int32
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		users:            map[user.ID]user.Info{user.SystemID: {ID: user.SystemID, Flags: user.FlagSystem | user.FlagInitialized, Name: "system"}},
		nextID:           10,
		headless:         true,
		initialUser:      user.NullID,
		lastActive:       user.NullID,
		foregroundResult: true,
		backgroundResult: true,
		unlockResult:     true,
		whitelist:        make(map[user.ID][]int32),
	}
}

// addUser adds an existing account.
func (h *fakeHost) addUser(id user.ID, flags user.Flags, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[id] = user.Info{ID: id, Flags: flags, Name: name}
	if id >= h.nextID {
		h.nextID = id + 1
	}
}

func (h *fakeHost) Users(ctx context.Context, includePrecreated bool) ([]user.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []user.Info
	for _, info := range h.users {
		if info.IsPrecreated() && !includePrecreated {
			continue
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (h *fakeHost) CreateUser(ctx context.Context, name string, flags user.Flags) (user.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return user.Info{}, h.createErr
	}
	info := user.Info{ID: h.nextID, Flags: flags | user.FlagInitialized, Name: name}
	h.nextID++
	h.users[info.ID] = info
	h.created = append(h.created, info)
	return info, nil
}

func (h *fakeHost) PreCreateUser(ctx context.Context, guest bool) (user.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.precreateFailures > 0 {
		h.precreateFailures--
		return user.Info{}, errors.New("too many users")
	}
	flags := user.FlagPrecreated | user.FlagInitialized
	if guest {
		flags |= user.FlagGuest
	}
	info := user.Info{ID: h.nextID, Flags: flags}
	h.nextID++
	h.users[info.ID] = info
	h.precreated = append(h.precreated, info)
	return info, nil
}

func (h *fakeHost) RemoveUser(ctx context.Context, id user.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[id]; !ok {
		return fmt.Errorf("no user %s", id)
	}
	delete(h.users, id)
	h.removed = append(h.removed, id)
	return nil
}

func (h *fakeHost) SetDefaultIcon(ctx context.Context, id user.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.icons = append(h.icons, id)
	return nil
}

func (h *fakeHost) HeadlessSystemUserMode(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headless, nil
}

func (h *fakeHost) StartUserInForeground(ctx context.Context, id user.ID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.foreground = append(h.foreground, id)
	return h.foregroundResult, nil
}

func (h *fakeHost) StartUserInBackground(ctx context.Context, id user.ID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.background = append(h.background, id)
	return h.backgroundResult, nil
}

func (h *fakeHost) UnlockUser(ctx context.Context, id user.ID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unlocked = append(h.unlocked, id)
	return h.unlockResult, nil
}

func (h *fakeHost) InitialUser(ctx context.Context) (user.ID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialUser, nil
}

func (h *fakeHost) SetLastActiveUser(ctx context.Context, id user.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActive = id
	return nil
}

func (h *fakeHost) ProvisioningState(ctx context.Context) (ProvisioningState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provisioning, nil
}

func (h *fakeHost) IsUpgrading(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upgrading, nil
}

func (h *fakeHost) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launch = append(h.launch, "init")
	return nil
}

func (h *fakeHost) UserSwitching(ctx context.Context, id user.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launch = append(h.launch, fmt.Sprintf("switching:%s", id))
	return nil
}

func (h *fakeHost) UserStopped(ctx context.Context, id user.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launch = append(h.launch, fmt.Sprintf("stopped:%s", id))
	return nil
}

func (h *fakeHost) SetDisplayWhitelistForUser(ctx context.Context, id user.ID, displayIDs []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.whitelist[id] = displayIDs
	return nil
}

func (h *fakeHost) SetPassengerDisplays(ctx context.Context, displayIDs []int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passengers = displayIDs
	return nil
}

// hostCalls is a copy of what the bridge asked the host to do.
type hostCalls struct {
	created    []user.Info
	precreated []user.Info
	removed    []user.ID
	icons      []user.ID
	foreground []user.ID
	background []user.ID
	unlocked   []user.ID
	launch     []string
	lastActive user.ID
}

func (h *fakeHost) calls() hostCalls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostCalls{
		created:    append([]user.Info(nil), h.created...),
		precreated: append([]user.Info(nil), h.precreated...),
		removed:    append([]user.ID(nil), h.removed...),
		icons:      append([]user.ID(nil), h.icons...),
		foreground: append([]user.ID(nil), h.foreground...),
		background: append([]user.ID(nil), h.background...),
		unlocked:   append([]user.ID(nil), h.unlocked...),
		launch:     append([]string(nil), h.launch...),
		lastActive: h.lastActive,
	}
}

// fakeDiagnostics counts crash dumps.
type fakeDiagnostics struct {
	mu      sync.Mutex
	reasons []string
}

func (d *fakeDiagnostics) Dump(ctx context.Context, reason string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return "memory", nil
}

func (d *fakeDiagnostics) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

// fakeMarker records restart markers.
type fakeMarker struct {
	mu      sync.Mutex
	markers []string
}

func (m *fakeMarker) MarkCrashRestart(reason, report string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers = append(m.markers, fmt.Sprintf("%s|%s|%d", reason, report, exitCode))
	return nil
}

func (m *fakeMarker) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.markers...)
}

// fakeProber returns a fixed handle.
type fakeProber struct {
	handle carsocket.Handle
}

func (p *fakeProber) Probe() (carsocket.Handle, bool) {
	return p.handle, p.handle != nil
}

type testHarness struct {
	service     *Service
	host        *fakeHost
	clock       *clock.FakeClock
	diagnostics *fakeDiagnostics

	mu        sync.Mutex
	exitCodes []int
}

func (h *testHarness) terminated() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.exitCodes...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds a Service over a fakeHost. modify may adjust the
// options before construction.
func newHarness(t *testing.T, config Config, modify func(*Options)) *testHarness {
	t.Helper()
	harness := &testHarness{
		host:        newFakeHost(),
		clock:       clock.Fake(testEpoch),
		diagnostics: &fakeDiagnostics{},
	}
	if config.HelperSocket == "" {
		config.HelperSocket = "/run/carhelper/helper.sock"
	}
	if config.DefaultUserName == "" {
		config.DefaultUserName = "Driver"
	}
	options := Options{
		Config:      config,
		Users:       harness.host,
		Activity:    harness.host,
		Helper:      harness.host,
		Policy:      harness.host,
		System:      harness.host,
		Launch:      harness.host,
		Diagnostics: harness.diagnostics,
		Clock:       harness.clock,
		Logger:      testLogger(),
		Terminate: func(code int) {
			harness.mu.Lock()
			defer harness.mu.Unlock()
			harness.exitCodes = append(harness.exitCodes, code)
		},
	}
	if modify != nil {
		modify(&options)
	}
	service, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	harness.service = service
	return harness
}

// bootComplete runs the boot-completed phase with pre-creation off
// and waits for the (skipped) worker.
func (h *testHarness) bootComplete(t *testing.T) {
	t.Helper()
	h.service.OnBootPhase(context.Background(), PhaseBootCompleted)
	select {
	case <-h.service.preCreationFinished:
	case <-time.After(5 * time.Second):
		t.Fatal("pre-creation worker did not finish")
	}
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}
