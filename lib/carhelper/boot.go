// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// bootExecutor chooses and starts the initial foreground user. One is
// created per third-party-apps boot phase and then discarded.
type bootExecutor struct {
	s *Service

	hasInitialUser bool
	systemUnlocked bool
}

func (s *Service) setupAndStartUsers(ctx context.Context) {
	if s.policy != nil {
		state, err := s.policy.ProvisioningState(ctx)
		if err != nil {
			s.logger.Warn("reading provisioning state, assuming unmanaged", "error", err)
		} else if state != ProvisioningUnmanaged {
			s.logger.Info("device policy active, skipping boot user selection", "provisioning_state", state)
			s.recordBootDecision("skipped: device policy %s", state)
			return
		}
	}

	executor := &bootExecutor{s: s}
	executor.hasInitialUser = executor.hasInitialSecondaryUser(ctx)
	executor.run(ctx)
}

func (e *bootExecutor) run(ctx context.Context) {
	s := e.s
	reply := carproto.BootPolicyReply{Kind: carproto.ReplyDefault, TargetUser: user.NullID}
	if s.config.HALEnabled {
		reply = e.queryBootPolicy(ctx, e.requestType(ctx))
	}

	switch reply.Kind {
	case carproto.ReplySwitch:
		if e.switchTo(ctx, reply.TargetUser) {
			return
		}
		e.runDefault(ctx)

	case carproto.ReplyCreate:
		info, err := e.createUser(ctx, reply.Name, reply.Flags)
		if err != nil {
			if !e.hasInitialUser {
				s.logger.Error("cannot create boot user, aborting boot user selection", "error", err)
				s.recordBootDecision("aborted: %v", err)
				return
			}
			s.logger.Warn("cannot create boot user, starting last active user", "error", err)
			e.runDefault(ctx)
			return
		}
		if e.startForeground(ctx, info.ID) {
			s.recordBootDecision("created user %s (%s)", info.ID, reply.Flags)
		}

	default:
		if reply.Kind == carproto.ReplyInvalid {
			s.logger.Warn("invalid boot policy reply, using default behavior", "reason", reply.Reason)
		}
		e.runDefault(ctx)
	}
}

func (e *bootExecutor) requestType(ctx context.Context) carproto.RequestType {
	upgrading, err := e.s.system.IsUpgrading(ctx)
	if err != nil {
		e.s.logger.Warn("reading upgrade state, assuming no upgrade", "error", err)
		upgrading = false
	}
	switch {
	case upgrading && !e.hasInitialUser:
		return carproto.RequestFirstBoot
	case upgrading:
		return carproto.RequestFirstBootAfterOTA
	default:
		return carproto.RequestColdBoot
	}
}

// hasInitialSecondaryUser reports whether any account other than
// managed profiles exists. In headless system user mode the system
// user does not count.
func (e *bootExecutor) hasInitialSecondaryUser(ctx context.Context) bool {
	s := e.s
	users, err := s.users.Users(ctx, false)
	if err != nil {
		s.logger.Warn("listing users, assuming none", "error", err)
		return false
	}
	headless, err := s.users.HeadlessSystemUserMode(ctx)
	if err != nil {
		s.logger.Warn("reading headless system user mode", "error", err)
	}
	for _, info := range users {
		if info.IsManagedProfile() {
			continue
		}
		if headless && info.ID == user.SystemID {
			continue
		}
		return true
	}
	return false
}

// queryBootPolicy asks the car service for the boot user and waits up
// to the configured timeout. The wait blocks the boot phase.
func (e *bootExecutor) queryBootPolicy(ctx context.Context, requestType carproto.RequestType) carproto.BootPolicyReply {
	s := e.s
	timeout := s.config.HALTimeout

	sink := &policySink{
		results: make(chan policyResult, 1),
		start:   s.clock.Now(),
	}
	sink.onLate = func(elapsed time.Duration) {
		milliseconds := clampMilliseconds(elapsed)
		s.mu.Lock()
		s.state.lateHALResponseMs = milliseconds
		s.mu.Unlock()
		s.metrics.HALResponse(ctx, int64(milliseconds), true)
		s.logger.Warn("boot policy reply arrived after the deadline, ignored", "elapsed_ms", milliseconds)
	}
	sinkID := s.registerSink(func(status int32, data []byte) {
		sink.deliver(s.clock.Now(), policyResult{status: status, data: data})
	})

	s.outbound.Lock()
	peer := s.Current()
	sent := false
	if peer != nil {
		sent = s.sendLocked(ctx, peer, carproto.OpGetInitialUserInfo, &carproto.GetInitialUserInfo{
			RequestType: int32(requestType),
			TimeoutMs:   int32(timeout.Milliseconds()),
			ResultSink:  sinkID,
		})
	}
	s.unlockOutbound(ctx)
	if !sent {
		s.dropSink(sinkID)
		if peer == nil {
			return carproto.InvalidReply("car service not connected")
		}
		return carproto.InvalidReply("boot policy query not delivered")
	}
	s.logger.Info("boot policy query sent", "request_type", requestType, "timeout", timeout)

	deadline := s.clock.After(timeout)
	select {
	case result := <-sink.results:
		return e.acceptReply(ctx, sink, result)
	case <-deadline:
	case <-ctx.Done():
	}

	// A reply that raced the deadline is still on time.
	sink.expire()
	select {
	case result := <-sink.results:
		return e.acceptReply(ctx, sink, result)
	default:
	}

	s.mu.Lock()
	s.state.halResponseTimeMs = -1
	s.mu.Unlock()
	s.logger.Warn("boot policy query timed out", "timeout", timeout)
	return carproto.InvalidReply("timed out after %s", timeout)
}

func (e *bootExecutor) acceptReply(ctx context.Context, sink *policySink, result policyResult) carproto.BootPolicyReply {
	s := e.s
	milliseconds := clampMilliseconds(result.arrived.Sub(sink.start))
	s.mu.Lock()
	s.state.halResponseTimeMs = milliseconds
	s.mu.Unlock()
	s.metrics.HALResponse(ctx, int64(milliseconds), false)

	reply := carproto.ParseInitialUserInfo(result.status, result.data)
	s.logger.Info("boot policy reply", "kind", reply.Kind, "response_time_ms", milliseconds)
	return reply
}

// switchTo foreground-starts an existing non-system user. It reports
// false when the target is unusable or fails to start.
func (e *bootExecutor) switchTo(ctx context.Context, target user.ID) bool {
	s := e.s
	if target.IsNull() || target == user.SystemID {
		s.logger.Warn("boot policy cannot switch to user, using default behavior", "user", target)
		return false
	}
	users, err := s.users.Users(ctx, false)
	if err != nil {
		s.logger.Warn("listing users for boot policy switch", "error", err)
		return false
	}
	found := false
	for _, info := range users {
		if info.ID == target && !info.IsSystem() && !info.IsPrecreated() {
			found = true
			break
		}
	}
	if !found {
		s.logger.Warn("boot policy switch target does not exist, using default behavior", "user", target)
		return false
	}
	if !e.startForeground(ctx, target) {
		return false
	}
	s.recordBootDecision("switched to user %s", target)
	return true
}

// runDefault boots the last active user, creating an administrator
// with the default name when no user exists yet.
func (e *bootExecutor) runDefault(ctx context.Context) {
	s := e.s
	var target user.ID
	if !e.hasInitialUser {
		s.logger.Info("no initial user, creating administrator", "name", s.config.DefaultUserName)
		info, err := e.createUser(ctx, s.config.DefaultUserName, user.FlagAdmin)
		if err != nil {
			s.logger.Error("cannot create admin user", "error", err)
			s.recordBootDecision("aborted: %v", err)
			return
		}
		if err := s.users.SetDefaultIcon(ctx, info.ID); err != nil {
			s.logger.Warn("setting default icon", "user", info.ID, "error", err)
		}
		target = info.ID
	} else {
		var err error
		target, err = s.helper.InitialUser(ctx)
		if err != nil {
			s.logger.Error("reading initial user", "error", err)
			s.recordBootDecision("aborted: %v", err)
			return
		}
	}

	if target.IsNull() {
		s.logger.Error("host reported no initial user")
		s.recordBootDecision("aborted: no initial user")
		return
	}
	// The system user alone is handled when boot completes.
	if target == user.SystemID {
		s.logger.Info("system user is the boot user, nothing to start")
		s.recordBootDecision("default: system user only")
		return
	}
	if e.startForeground(ctx, target) {
		s.recordBootDecision("default: started user %s", target)
	}
}

func (e *bootExecutor) createUser(ctx context.Context, name string, flags user.Flags) (user.Info, error) {
	info, err := e.s.users.CreateUser(ctx, name, flags)
	if err != nil {
		return user.Info{}, fmt.Errorf("%w: %q: %w", ErrUserCreation, name, err)
	}
	return info, nil
}

// startForeground unlocks the system user and brings target to the
// foreground. On success the host's last-active hint and the journal
// are updated and the car service learns the initial user.
func (e *bootExecutor) startForeground(ctx context.Context, target user.ID) bool {
	s := e.s
	e.unlockSystemUser(ctx)

	started, err := s.activity.StartUserInForeground(ctx, target)
	if err != nil || !started {
		s.logger.Error("cannot start foreground user", "user", target, "error", err)
		s.recordBootDecision("failed to start user %s", target)
		return false
	}
	if err := s.helper.SetLastActiveUser(ctx, target); err != nil {
		s.logger.Warn("setting last active user", "user", target, "error", err)
	}

	s.mu.Lock()
	s.state.lastSwitchedTo = target
	s.mu.Unlock()

	s.send(ctx, carproto.OpSetInitialUser, &carproto.SetInitialUser{UserID: int32(target)})
	s.logger.Info("boot user started", "user", target)
	return true
}

// unlockSystemUser starts the system user in the background, falling
// back to an explicit unlock. Runs at most once per executor.
func (e *bootExecutor) unlockSystemUser(ctx context.Context) {
	if e.systemUnlocked {
		return
	}
	s := e.s
	started, err := s.activity.StartUserInBackground(ctx, user.SystemID)
	if err != nil || !started {
		s.logger.Warn("could not start system user in background, trying unlock", "error", err)
		unlocked, err := s.activity.UnlockUser(ctx, user.SystemID)
		if err != nil || !unlocked {
			s.logger.Warn("could not unlock system user", "error", err)
			return
		}
	}
	e.systemUnlocked = true
	s.setLockStatus(ctx, user.SystemID, true)
}

type policyResult struct {
	status  int32
	data    []byte
	arrived time.Time
}

// policySink receives the boot-policy reply. Once expired, a reply is
// only measured.
type policySink struct {
	mu      sync.Mutex
	expired bool
	results chan policyResult
	start   time.Time
	onLate  func(elapsed time.Duration)
}

func (p *policySink) deliver(now time.Time, result policyResult) {
	p.mu.Lock()
	expired := p.expired
	if !expired {
		result.arrived = now
		select {
		case p.results <- result:
		default:
		}
	}
	p.mu.Unlock()

	if expired {
		p.onLate(now.Sub(p.start))
	}
}

func (p *policySink) expire() {
	p.mu.Lock()
	p.expired = true
	p.mu.Unlock()
}

// clampMilliseconds converts an observed latency. An observed reply
// is never reported as 0, which means "not attempted".
func clampMilliseconds(elapsed time.Duration) int32 {
	milliseconds := elapsed.Milliseconds()
	if milliseconds < 1 {
		return 1
	}
	if milliseconds > int64(^uint32(0)>>1) {
		return int32(^uint32(0) >> 1)
	}
	return int32(milliseconds)
}
