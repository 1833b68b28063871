// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// OnUserLifecycle forwards one host lifecycle callback to the car
// service. Events for pre-created users are never forwarded. Journal
// updates happen whether or not the car service is connected, so that
// the next connect can replay them.
func (s *Service) OnUserLifecycle(ctx context.Context, eventType user.EventType, from, to user.ID, toPrecreated bool) {
	switch eventType {
	case user.EventSwitching:
		if err := s.launch.UserSwitching(ctx, to); err != nil {
			s.logger.Warn("launch params user switching", "user", to, "error", err)
		}
	case user.EventStopping:
		if err := s.launch.UserStopped(ctx, to); err != nil {
			s.logger.Warn("launch params user stopped", "user", to, "error", err)
		}
	}

	if toPrecreated {
		s.logger.Debug("ignoring event for pre-created user", "event", eventType, "user", to)
		s.metrics.EventDropped(ctx, eventType.String(), "precreated")
		return
	}

	s.outbound.Lock()
	defer s.unlockOutbound(ctx)

	var notifyLock, lockValue, firstUnlock bool
	s.mu.Lock()
	switch eventType {
	case user.EventSwitching:
		s.state.lastSwitchedTo = to
	case user.EventUnlocking:
		lockValue = true
		notifyLock = s.recordLockLocked(to, true)
	case user.EventUnlocked:
		lockValue = true
		notifyLock = s.recordLockLocked(to, true)
		if to != user.SystemID && !s.state.firstUnlockReported && s.state.peer != nil {
			s.state.firstUnlockReported = true
			firstUnlock = true
		}
	case user.EventStopping, user.EventStopped:
		notifyLock = s.recordLockLocked(to, false)
	}
	peer := s.state.peer
	halResponseTime := s.state.halResponseTimeMs
	s.mu.Unlock()

	if peer == nil {
		s.logger.Debug("car service not connected, dropping event", "event", eventType, "user", to)
		s.metrics.EventDropped(ctx, eventType.String(), "no_peer")
		return
	}

	now := s.clock.Now()
	var ok bool
	if firstUnlock {
		s.logger.Info("first user unlocked", "user", to, "hal_response_time_ms", halResponseTime)
		ok = s.sendLocked(ctx, peer, carproto.OpFirstUserUnlocked, &carproto.FirstUserUnlocked{
			UserID:               int32(to),
			TimestampMs:          now.UnixMilli(),
			DurationSinceStartMs: now.Sub(s.startTime).Milliseconds(),
			HALResponseTimeMs:    halResponseTime,
		})
	} else {
		ok = s.sendLocked(ctx, peer, carproto.OpOnUserLifecycle, &carproto.OnUserLifecycle{
			EventType:   int32(eventType),
			TimestampMs: now.UnixMilli(),
			FromID:      int32(from),
			ToID:        int32(to),
		})
	}
	if ok && eventType == user.EventSwitching {
		ok = s.sendLocked(ctx, peer, carproto.OpOnSwitchUser, &carproto.OnSwitchUser{UserID: int32(to)})
	}
	if ok && notifyLock {
		ok = s.sendLockStatusLocked(ctx, peer, to, lockValue)
	}
	if ok {
		s.metrics.EventForwarded(ctx, eventType.String())
	} else {
		s.metrics.EventDropped(ctx, eventType.String(), "transport")
	}
}

// recordLockLocked journals a lock change. It reports whether the
// change must be sent: the value changed, a car service is connected,
// and boot has completed. The caller holds s.mu.
func (s *Service) recordLockLocked(id user.ID, unlocked bool) bool {
	previous, known := s.state.lockStatus[id]
	if known && previous == unlocked {
		return false
	}
	s.state.lockStatus[id] = unlocked
	return s.state.peer != nil && s.state.bootComplete
}

// setLockStatus journals a lock change observed outside a lifecycle
// callback and forwards it when eligible.
func (s *Service) setLockStatus(ctx context.Context, id user.ID, unlocked bool) {
	s.outbound.Lock()
	defer s.unlockOutbound(ctx)

	s.mu.Lock()
	notify := s.recordLockLocked(id, unlocked)
	peer := s.state.peer
	s.mu.Unlock()

	if notify {
		s.sendLockStatusLocked(ctx, peer, id, unlocked)
	}
}

func (s *Service) sendLockStatusLocked(ctx context.Context, peer carsocket.Handle, id user.ID, unlocked bool) bool {
	value := int32(0)
	if unlocked {
		value = 1
	}
	return s.sendLocked(ctx, peer, carproto.OpSetUserLockStatus, &carproto.SetUserLockStatus{
		UserID:   int32(id),
		Unlocked: value,
	})
}
