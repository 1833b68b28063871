// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/bureau-foundation/carhelper/lib/carproto"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// ForceSuspend suspends the device on behalf of the caller in ctx. The
// caller must hold the power capability. The suspend itself runs with
// the caller identity cleared.
func (s *Service) ForceSuspend(ctx context.Context, timeout time.Duration) (int32, error) {
	caller, ok := carsocket.CallerFromContext(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: caller unknown", ErrPermissionDenied)
	}
	if s.authorizer == nil || !s.authorizer.HasPowerCapability(caller) {
		s.logger.Warn("force suspend denied", "caller_pid", caller.PID, "caller_uid", caller.UID)
		return 0, fmt.Errorf("%w: pid %d uid %d lacks the power capability", ErrPermissionDenied, caller.PID, caller.UID)
	}
	if s.suspender == nil {
		return 0, errors.New("force suspend is not available")
	}
	s.logger.Info("force suspend", "timeout", timeout, "caller_pid", caller.PID)
	return s.suspender.ForceSuspend(carsocket.WithoutCaller(ctx), timeout)
}

// SetDisplayWhitelistForUser is passed through to launch params.
func (s *Service) SetDisplayWhitelistForUser(ctx context.Context, id user.ID, displayIDs []int32) error {
	return s.launch.SetDisplayWhitelistForUser(ctx, id, displayIDs)
}

// SetPassengerDisplays is passed through to launch params.
func (s *Service) SetPassengerDisplays(ctx context.Context, displayIDs []int32) error {
	return s.launch.SetPassengerDisplays(ctx, displayIDs)
}

type forceSuspendRequest struct {
	TimeoutMs int32 `cbor:"timeout_ms"`
}

type forceSuspendResponse struct {
	Status int32 `cbor:"status"`
}

type displayWhitelistRequest struct {
	UserID     int32   `cbor:"user_id"`
	DisplayIDs []int32 `cbor:"display_ids"`
}

type passengerDisplaysRequest struct {
	DisplayIDs []int32 `cbor:"display_ids"`
}

type sendResultRequest struct {
	Sink   carproto.SinkID `cbor:"sink"`
	Status int32           `cbor:"status"`
	Data   []byte          `cbor:"data"`
}

// RegisterInbound installs the actions the car service calls on the
// helper socket.
func (s *Service) RegisterInbound(server *carsocket.Server) {
	server.Handle("force_suspend", func(ctx context.Context, raw []byte) (any, error) {
		var request forceSuspendRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid force_suspend request: %w", err)
		}
		if request.TimeoutMs < 0 {
			return nil, fmt.Errorf("timeout_ms must not be negative, got %d", request.TimeoutMs)
		}
		status, err := s.ForceSuspend(ctx, time.Duration(request.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return forceSuspendResponse{Status: status}, nil
	})

	server.Handle("set_display_whitelist_for_user", func(ctx context.Context, raw []byte) (any, error) {
		var request displayWhitelistRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid set_display_whitelist_for_user request: %w", err)
		}
		return nil, s.SetDisplayWhitelistForUser(ctx, user.ID(request.UserID), request.DisplayIDs)
	})

	server.Handle("set_passenger_displays", func(ctx context.Context, raw []byte) (any, error) {
		var request passengerDisplaysRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid set_passenger_displays request: %w", err)
		}
		return nil, s.SetPassengerDisplays(ctx, request.DisplayIDs)
	})

	server.Handle("send_result", func(ctx context.Context, raw []byte) (any, error) {
		var request sendResultRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid send_result request: %w", err)
		}
		return nil, s.SendResult(request.Sink, request.Status, request.Data)
	})
}

// UIDAuthorizer grants the power capability to root, to the bridge's
// own process, and to an explicit list of uids.
type UIDAuthorizer struct {
	AllowedUIDs []int
}

// HasPowerCapability implements Authorizer.
func (a UIDAuthorizer) HasPowerCapability(caller carsocket.Caller) bool {
	if caller.UID == 0 || caller.PID == os.Getpid() {
		return true
	}
	return slices.Contains(a.AllowedUIDs, caller.UID)
}
