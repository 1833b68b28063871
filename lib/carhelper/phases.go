// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/carhelper/lib/carproto"
)

// BootPhase is a host startup milestone. The values follow the host's
// ordinal numbering; phases the bridge does not act on are ignored.
type BootPhase int32

const (
	PhaseThirdPartyAppsCanStart BootPhase = 600
	PhaseBootCompleted          BootPhase = 1000
)

func (p BootPhase) String() string {
	switch p {
	case PhaseThirdPartyAppsCanStart:
		return "third_party_apps_can_start"
	case PhaseBootCompleted:
		return "boot_completed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// ParseBootPhase accepts a phase name or its ordinal.
func ParseBootPhase(name string) (BootPhase, error) {
	switch name {
	case "third_party_apps_can_start":
		return PhaseThirdPartyAppsCanStart, nil
	case "boot_completed":
		return PhaseBootCompleted, nil
	}
	ordinal, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown boot phase %q", name)
	}
	return BootPhase(ordinal), nil
}

// OnBootPhase runs the work tied to a boot phase. The
// third-party-apps phase selects and starts the boot user and may
// block for up to the HAL timeout. The boot-completed phase starts the
// pre-creation worker and re-announces every unlocked user.
func (s *Service) OnBootPhase(ctx context.Context, phase BootPhase) {
	s.logger.Debug("boot phase", "phase", phase)
	switch phase {
	case PhaseThirdPartyAppsCanStart:
		if err := s.launch.Init(ctx); err != nil {
			s.logger.Warn("initializing launch params", "error", err)
		}
		s.checkForPeer(ctx)
		s.setupAndStartUsers(ctx)
		s.checkForPeer(ctx)

	case PhaseBootCompleted:
		s.startPreCreation(ctx)
		s.markBootComplete(ctx)
	}
}

func (s *Service) markBootComplete(ctx context.Context) {
	s.outbound.Lock()
	defer s.unlockOutbound(ctx)

	s.mu.Lock()
	s.state.bootComplete = true
	peer := s.state.peer
	unlocked := s.unlockedUsersLocked()
	s.mu.Unlock()

	if peer == nil {
		return
	}
	s.logger.Debug("notifying unlocked users", "users", unlocked)
	for _, id := range unlocked {
		if !s.sendLocked(ctx, peer, carproto.OpSetUserLockStatus, &carproto.SetUserLockStatus{
			UserID:   int32(id),
			Unlocked: 1,
		}) {
			return
		}
	}
}
