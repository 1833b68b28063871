// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"errors"
	"slices"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// Current returns the connected car service, or nil.
func (s *Service) Current() carsocket.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.peer
}

// Connect installs handle as the car service. Connecting the handle
// that is already installed does nothing. A different handle replaces
// the current one and the full connect sequence is replayed to it:
// the helper socket, then the lock status of every unlocked user once
// boot has completed, then the last user switch.
func (s *Service) Connect(ctx context.Context, handle carsocket.Handle) {
	if handle == nil {
		return
	}

	s.outbound.Lock()
	s.mu.Lock()
	if s.state.peer == handle {
		s.mu.Unlock()
		s.unlockOutbound(ctx)
		return
	}
	replaced := s.state.peer != nil
	s.state.peer = handle
	bootComplete := s.state.bootComplete
	lastSwitched := s.state.lastSwitchedTo
	var unlocked []user.ID
	if bootComplete {
		unlocked = s.unlockedUsersLocked()
	}
	observers := slices.Clone(s.connected)
	s.mu.Unlock()

	if replaced {
		s.logger.Info("car service handle changed", "handle", handle)
	}

	ok := s.sendHelperSocket(ctx, handle)
	for _, id := range unlocked {
		if !ok {
			break
		}
		ok = s.sendLocked(ctx, handle, carproto.OpSetUserLockStatus, &carproto.SetUserLockStatus{
			UserID:   int32(id),
			Unlocked: 1,
		})
	}
	if ok && !lastSwitched.IsNull() {
		ok = s.sendLocked(ctx, handle, carproto.OpOnUserLifecycle, &carproto.OnUserLifecycle{
			EventType:   int32(user.EventSwitching),
			TimestampMs: s.clock.Now().UnixMilli(),
			FromID:      int32(user.NullID),
			ToID:        int32(lastSwitched),
		})
		if ok {
			ok = s.sendLocked(ctx, handle, carproto.OpOnSwitchUser, &carproto.OnSwitchUser{UserID: int32(lastSwitched)})
		}
	}
	s.unlockOutbound(ctx)

	// A connect sequence that failed has already been recovered as a
	// crash; the handle is not reported as connected.
	if !ok || s.Current() != handle {
		s.logger.Warn("car service lost during connect", "handle", handle)
		return
	}
	s.logger.Info("car service connected", "handle", handle, "replaced", replaced)
	s.metrics.PeerConnected(ctx, replaced)
	for _, observer := range observers {
		observer(handle, replaced)
	}
}

// Disconnect clears the car service handle and runs crash recovery.
// It does nothing when no car service is connected, so a disconnect
// racing a failed send is recovered once.
func (s *Service) Disconnect(ctx context.Context) {
	s.mu.Lock()
	previous := s.state.peer
	s.state.peer = nil
	s.mu.Unlock()

	if previous == nil {
		return
	}
	s.logger.Warn("car service disconnected", "handle", previous)
	s.recoverFromCrash(ctx, "car service disconnected")
}

// checkForPeer probes for the car service when none is connected. The
// connect callback can arrive late during boot; probing lets boot-time
// events reach the car service as early as possible.
func (s *Service) checkForPeer(ctx context.Context) {
	if s.prober == nil || s.Current() != nil {
		return
	}
	if handle, ok := s.prober.Probe(); ok {
		s.logger.Debug("car service found by probing", "handle", handle)
		s.Connect(ctx, handle)
	}
}

// unlockedUsersLocked returns the unlocked users in ascending id
// order. The caller holds s.mu.
func (s *Service) unlockedUsersLocked() []user.ID {
	var unlocked []user.ID
	for id, isUnlocked := range s.state.lockStatus {
		if isUnlocked {
			unlocked = append(unlocked, id)
		}
	}
	slices.Sort(unlocked)
	return unlocked
}

// helperResult is what the car service returns through the
// set_car_service_helper sink.
type helperResult struct {
	ClientSocket string `cbor:"client_socket"`
}

func (s *Service) sendHelperSocket(ctx context.Context, handle carsocket.Handle) bool {
	sink := s.registerSink(func(status int32, data []byte) {
		var result helperResult
		if err := codec.Unmarshal(data, &result); err != nil {
			s.logger.Warn("car service returned a malformed helper result", "status", status, "error", err)
			return
		}
		s.mu.Lock()
		s.state.peerClientSocket = result.ClientSocket
		s.mu.Unlock()
		s.logger.Debug("car service client socket received", "path", result.ClientSocket)
	})
	ok := s.sendLocked(ctx, handle, carproto.OpSetCarServiceHelper, &carproto.SetCarServiceHelper{
		HelperSocket: s.config.HelperSocket,
		ResultSink:   sink,
	})
	if !ok {
		s.dropSink(sink)
	}
	return ok
}

// sendLocked sends one call to handle. The caller holds s.outbound
// and releases it with unlockOutbound. A send failure is a car service
// crash: the handle is cleared here, recovery runs once outbound is
// released, and false is returned.
func (s *Service) sendLocked(ctx context.Context, handle carsocket.Handle, code carproto.Opcode, parcel any) bool {
	data, err := carproto.Encode(parcel)
	if err != nil {
		s.logger.Error("encoding parcel", "call", code, "error", err)
		return false
	}
	if err := handle.Transact(ctx, code, data); err != nil {
		var transportErr *carsocket.TransportError
		if !errors.As(err, &transportErr) {
			transportErr = &carsocket.TransportError{Code: code, Err: err}
		}
		s.handleTransportError(handle, transportErr)
		return false
	}
	s.logger.Debug("sent to car service", "call", code)
	return true
}

// send takes the outbound lock and sends to the current car service,
// if any.
func (s *Service) send(ctx context.Context, code carproto.Opcode, parcel any) bool {
	s.outbound.Lock()
	defer s.unlockOutbound(ctx)
	handle := s.Current()
	if handle == nil {
		return false
	}
	return s.sendLocked(ctx, handle, code, parcel)
}

// handleTransportError clears handle if it is still the current car
// service and queues crash recovery for unlockOutbound. A handle that
// was already replaced or cleared is ignored. The caller holds
// s.outbound.
func (s *Service) handleTransportError(handle carsocket.Handle, err *carsocket.TransportError) {
	s.mu.Lock()
	if s.state.peer != handle {
		s.mu.Unlock()
		return
	}
	s.state.peer = nil
	s.mu.Unlock()

	s.logger.Warn("send to car service failed", "call", err.Code, "error", err.Err)
	if s.pendingCrash == nil {
		s.pendingCrash = err
	}
}

// unlockOutbound releases s.outbound and then runs the crash recovery
// queued by a failed send, so that disconnect observers, diagnostics
// and termination never run with a lock held.
func (s *Service) unlockOutbound(ctx context.Context) {
	crash := s.pendingCrash
	s.pendingCrash = nil
	s.outbound.Unlock()
	if crash != nil {
		s.recoverFromCrash(ctx, crash.Error())
	}
}
