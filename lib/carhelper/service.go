// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package carhelper is the privileged bridge between the host
// platform's user lifecycle and the car service.
//
// The host drives a [Service] through boot phases ([Service.OnBootPhase])
// and user lifecycle callbacks ([Service.OnUserLifecycle]). The car
// service comes and goes independently; discovery reports it through
// [Service.Connect] and [Service.Disconnect]. The Service forwards
// lifecycle events while the car service is connected and replays the
// state it needs when it (re)connects: the helper socket, the lock
// status of unlocked users, and the last user switch.
//
// All forwarding is one-way and best effort. A failed send is treated
// as a car service crash: the peer handle is cleared, diagnostics are
// captured, and depending on configuration the process exits with
// [process.ExitServiceCrash].
//
// Locking: outbound serializes every send to the car service and the
// connect sequence, which gives per-user event ordering and lets the
// replay finish before any new event goes out. mu guards bridgeState.
// When both are held, outbound is taken first. mu is never held across
// a send or a host call. Crash recovery, and with it every disconnect
// observer, runs only after outbound is released.
package carhelper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/clock"
	"github.com/bureau-foundation/carhelper/lib/metrics"
	"github.com/bureau-foundation/carhelper/lib/process"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// Config is the process-wide bridge configuration, read once.
type Config struct {
	// HelperSocket is the socket the car service calls back into. It
	// is handed to every newly connected car service.
	HelperSocket string

	PreCreatedUsers  int
	PreCreatedGuests int

	// RestartOnServiceCrash terminates the process when the car
	// service crashes.
	RestartOnServiceCrash bool

	HALEnabled bool
	HALTimeout time.Duration

	// DefaultUserName names the administrator created on first boot.
	DefaultUserName string
}

// Options wires a Service to its collaborators. Users, Activity,
// Helper, System and Launch are required.
type Options struct {
	Config Config

	Users    UserManager
	Activity ActivityController
	Helper   UserHelper
	Policy   DevicePolicy
	System   SystemInfo
	Launch   LaunchParams

	Suspender   Suspender
	Authorizer  Authorizer
	Diagnostics Diagnostics
	Prober      PeerProber
	Marker      RestartMarker

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Terminate ends the process. Defaults to process.Terminate.
	Terminate func(code int)
}

// ErrPermissionDenied is returned by inbound calls whose caller lacks
// a required capability.
var ErrPermissionDenied = errors.New("permission denied")

// ErrUserCreation wraps host failures to create a user.
var ErrUserCreation = errors.New("user creation failed")

// bridgeState is the process-lifetime journal. Guarded by Service.mu.
type bridgeState struct {
	peer carsocket.Handle

	lastSwitchedTo      user.ID
	bootComplete        bool
	firstUnlockReported bool

	// halResponseTimeMs is -1 for a timed-out query, 0 when no query
	// was made, and the observed latency otherwise.
	halResponseTimeMs int32
	lateHALResponseMs int32

	lockStatus      map[user.ID]bool
	preCreationDone bool

	peerClientSocket string
	bootDecision     string
}

// Service is the car helper bridge.
type Service struct {
	config Config

	users       UserManager
	activity    ActivityController
	helper      UserHelper
	policy      DevicePolicy
	system      SystemInfo
	launch      LaunchParams
	suspender   Suspender
	authorizer  Authorizer
	diagnostics Diagnostics
	prober      PeerProber
	marker      RestartMarker

	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	terminate func(code int)
	startTime time.Time

	outbound sync.Mutex
	// pendingCrash is the failed send awaiting recovery. Guarded by
	// outbound.
	pendingCrash *carsocket.TransportError

	mu           sync.Mutex
	state        bridgeState
	connected    []func(handle carsocket.Handle, replaced bool)
	disconnected []func()
	sinks        map[carproto.SinkID]func(status int32, data []byte)
	nextSink     carproto.SinkID

	// preCreationFinished is closed when the pre-creation worker
	// returns, or immediately when it is skipped.
	preCreationFinished chan struct{}
}

// New creates a Service. The process start time used for boot timing
// is the clock's time at construction.
func New(options Options) (*Service, error) {
	switch {
	case options.Users == nil:
		return nil, errors.New("carhelper: Users is required")
	case options.Activity == nil:
		return nil, errors.New("carhelper: Activity is required")
	case options.Helper == nil:
		return nil, errors.New("carhelper: Helper is required")
	case options.System == nil:
		return nil, errors.New("carhelper: System is required")
	case options.Launch == nil:
		return nil, errors.New("carhelper: Launch is required")
	}
	if options.Config.HALEnabled && options.Config.HALTimeout <= 0 {
		return nil, fmt.Errorf("carhelper: HAL timeout must be positive, got %s", options.Config.HALTimeout)
	}

	s := &Service{
		config:      options.Config,
		users:       options.Users,
		activity:    options.Activity,
		helper:      options.Helper,
		policy:      options.Policy,
		system:      options.System,
		launch:      options.Launch,
		suspender:   options.Suspender,
		authorizer:  options.Authorizer,
		diagnostics: options.Diagnostics,
		prober:      options.Prober,
		marker:      options.Marker,
		clock:       options.Clock,
		logger:      options.Logger,
		metrics:     options.Metrics,
		terminate:   options.Terminate,
		state: bridgeState{
			lastSwitchedTo: user.NullID,
			lockStatus:     make(map[user.ID]bool),
		},
		sinks:               make(map[carproto.SinkID]func(int32, []byte)),
		preCreationFinished: make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "carhelper")
	if s.metrics == nil {
		s.metrics = metrics.Noop()
	}
	if s.terminate == nil {
		s.terminate = process.Terminate
	}
	s.startTime = s.clock.Now()
	return s, nil
}

// OnConnect registers an observer of car service connections. It runs
// after the connect sequence, with no lock held.
func (s *Service) OnConnect(observer func(handle carsocket.Handle, replaced bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, observer)
}

// OnDisconnect registers an observer of car service loss, whether
// reported by discovery or detected by a failed send.
func (s *Service) OnDisconnect(observer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, observer)
}

// registerSink allocates a one-shot result sink. The car service
// answers through the send_result inbound action.
func (s *Service) registerSink(deliver func(status int32, data []byte)) carproto.SinkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSink++
	s.sinks[s.nextSink] = deliver
	return s.nextSink
}

func (s *Service) dropSink(id carproto.SinkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, id)
}

// SendResult delivers a result to a sink registered by the bridge.
// Each sink accepts exactly one result.
func (s *Service) SendResult(id carproto.SinkID, status int32, data []byte) error {
	s.mu.Lock()
	deliver, ok := s.sinks[id]
	delete(s.sinks, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown result sink %d", id)
	}
	deliver(status, data)
	return nil
}

func (s *Service) recordBootDecision(format string, args ...any) {
	decision := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.state.bootDecision = decision
	s.mu.Unlock()
}

// background detaches work that must outlive the triggering call,
// such as the pre-creation worker.
func background(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
