// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"context"

	"github.com/bureau-foundation/carhelper/lib/user"
)

// PreCreationResult summarizes one reconciliation pass.
type PreCreationResult struct {
	CreatedUsers  int
	CreatedGuests int
	Removed       int
	Failed        int
}

// startPreCreation launches the pre-creation worker once per process.
// The worker runs on a single goroutine; creations are sequential so
// that boot-time work elsewhere is not starved.
func (s *Service) startPreCreation(ctx context.Context) {
	s.mu.Lock()
	if s.state.preCreationDone {
		s.mu.Unlock()
		return
	}
	s.state.preCreationDone = true
	s.mu.Unlock()

	wantUsers, wantGuests := s.config.PreCreatedUsers, s.config.PreCreatedGuests
	s.logger.Info("pre-created users requested", "users", wantUsers, "guests", wantGuests)
	if wantUsers < 0 || wantGuests < 0 {
		s.logger.Warn("invalid pre-creation configuration, skipping",
			"number_pre_created_users", wantUsers,
			"number_pre_created_guests", wantGuests,
		)
		close(s.preCreationFinished)
		return
	}
	if wantUsers == 0 && wantGuests == 0 {
		close(s.preCreationFinished)
		return
	}

	ctx = background(ctx)
	go func() {
		defer close(s.preCreationFinished)
		result := s.reconcilePreCreatedUsers(ctx, wantUsers, wantGuests)
		s.logger.Info("pre-creation finished",
			"created_users", result.CreatedUsers,
			"created_guests", result.CreatedGuests,
			"removed", result.Removed,
			"failed", result.Failed,
		)
	}()
}

// reconcilePreCreatedUsers brings the pre-created pool to the wanted
// size and removes pre-created users that never finished
// initializing. Individual failures are logged and skipped. Running
// it again with the same targets creates nothing new.
func (s *Service) reconcilePreCreatedUsers(ctx context.Context, wantUsers, wantGuests int) PreCreationResult {
	var result PreCreationResult

	users, err := s.users.Users(ctx, true)
	if err != nil {
		s.logger.Error("listing users for pre-creation", "error", err)
		result.Failed++
		return result
	}

	var existingUsers, existingGuests int
	var invalid []user.ID
	for _, info := range users {
		if !info.IsPrecreated() {
			continue
		}
		if !info.IsInitialized() {
			s.logger.Warn("found invalid pre-created user", "user", info)
			invalid = append(invalid, info.ID)
			continue
		}
		if info.IsGuest() {
			existingGuests++
		} else {
			existingUsers++
		}
	}

	neededUsers := wantUsers - existingUsers
	neededGuests := wantGuests - existingGuests
	s.logger.Debug("pre-created users present",
		"users", existingUsers,
		"guests", existingGuests,
		"invalid", len(invalid),
	)
	if neededUsers <= 0 && neededGuests <= 0 && len(invalid) == 0 {
		return result
	}

	for index := 0; index < neededUsers; index++ {
		if s.preCreateOne(ctx, false) {
			result.CreatedUsers++
		} else {
			result.Failed++
		}
	}
	for index := 0; index < neededGuests; index++ {
		if s.preCreateOne(ctx, true) {
			result.CreatedGuests++
		} else {
			result.Failed++
		}
	}

	for _, id := range invalid {
		s.logger.Info("removing invalid pre-created user", "user", id)
		if err := s.users.RemoveUser(ctx, id); err != nil {
			s.logger.Warn("removing invalid pre-created user", "user", id, "error", err)
			result.Failed++
			continue
		}
		result.Removed++
		s.metrics.PreCreatedRemoved(ctx)
	}
	return result
}

func (s *Service) preCreateOne(ctx context.Context, guest bool) bool {
	kind := "user"
	if guest {
		kind = "guest"
	}
	info, err := s.users.PreCreateUser(ctx, guest)
	if err != nil {
		s.logger.Warn("could not pre-create user", "kind", kind, "error", err)
		return false
	}
	s.logger.Debug("pre-created user", "kind", kind, "user", info.ID)
	s.metrics.PreCreated(ctx, kind)
	return true
}
