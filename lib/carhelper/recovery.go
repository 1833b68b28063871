// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"

	"github.com/bureau-foundation/carhelper/lib/process"
)

// recoverFromCrash runs after the peer handle has been cleared, with
// no lock held. It notifies disconnect observers, captures
// diagnostics, and then either terminates the process or logs and
// carries on. A later Connect re-arms the replay.
func (s *Service) recoverFromCrash(ctx context.Context, reason string) {
	s.metrics.PeerCrashed(ctx)

	s.mu.Lock()
	observers := append([]func(){}, s.disconnected...)
	s.mu.Unlock()
	for _, observer := range observers {
		observer()
	}

	var location string
	if s.diagnostics != nil {
		var err error
		location, err = s.diagnostics.Dump(ctx, reason)
		if err != nil {
			s.logger.Error("capturing crash diagnostics", "error", err)
		} else {
			s.logger.Info("crash diagnostics captured", "location", location)
		}
	}

	if s.config.RestartOnServiceCrash {
		s.logger.Error("car service crashed, terminating host process",
			"reason", reason,
			"exit_code", process.ExitServiceCrash,
		)
		if s.marker != nil {
			if err := s.marker.MarkCrashRestart(reason, location, process.ExitServiceCrash); err != nil {
				s.logger.Warn("writing restart marker", "error", err)
			}
		}
		s.terminate(process.ExitServiceCrash)
		return
	}
	s.logger.Error("car service crashed, continuing", "reason", reason)
}
