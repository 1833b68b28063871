// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carhelper

import (
	"fmt"
	"io"
	"sort"

	"github.com/bureau-foundation/carhelper/lib/user"
)

// Snapshot is a copy of the bridge state for inspection.
type Snapshot struct {
	Connected           bool             `cbor:"connected"`
	Peer                string           `cbor:"peer,omitempty"`
	PeerClientSocket    string           `cbor:"peer_client_socket,omitempty"`
	LastSwitchedTo      user.ID          `cbor:"last_switched_to"`
	BootComplete        bool             `cbor:"boot_complete"`
	FirstUnlockReported bool             `cbor:"first_unlock_reported"`
	HALResponseTimeMs   int32            `cbor:"hal_response_time_ms"`
	LateHALResponseMs   int32            `cbor:"late_hal_response_ms,omitempty"`
	LockStatus          map[user.ID]bool `cbor:"lock_status"`
	PreCreationDone     bool             `cbor:"pre_creation_done"`
	BootDecision        string           `cbor:"boot_decision,omitempty"`
}

// Snapshot copies the current state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		Connected:           s.state.peer != nil,
		PeerClientSocket:    s.state.peerClientSocket,
		LastSwitchedTo:      s.state.lastSwitchedTo,
		BootComplete:        s.state.bootComplete,
		FirstUnlockReported: s.state.firstUnlockReported,
		HALResponseTimeMs:   s.state.halResponseTimeMs,
		LateHALResponseMs:   s.state.lateHALResponseMs,
		LockStatus:          make(map[user.ID]bool, len(s.state.lockStatus)),
		PreCreationDone:     s.state.preCreationDone,
		BootDecision:        s.state.bootDecision,
	}
	if s.state.peer != nil {
		snapshot.Peer = fmt.Sprint(s.state.peer)
	}
	for id, unlocked := range s.state.lockStatus {
		snapshot.LockStatus[id] = unlocked
	}
	return snapshot
}

// Dump writes the bridge state as text.
func (s *Service) Dump(w io.Writer) error {
	snapshot := s.Snapshot()

	peer := "none"
	if snapshot.Connected {
		peer = snapshot.Peer
	}
	lines := []string{
		"CarServiceHelper:",
		fmt.Sprintf("  car service: %s", peer),
	}
	if snapshot.PeerClientSocket != "" {
		lines = append(lines, fmt.Sprintf("  car service client socket: %s", snapshot.PeerClientSocket))
	}
	lines = append(lines,
		fmt.Sprintf("  last switched user: %s", snapshot.LastSwitchedTo),
		fmt.Sprintf("  boot complete: %t", snapshot.BootComplete),
		fmt.Sprintf("  first unlock reported: %t", snapshot.FirstUnlockReported),
		fmt.Sprintf("  hal response time ms: %d", snapshot.HALResponseTimeMs),
	)
	if snapshot.LateHALResponseMs != 0 {
		lines = append(lines, fmt.Sprintf("  late hal response ms: %d", snapshot.LateHALResponseMs))
	}
	lines = append(lines, fmt.Sprintf("  pre-creation started: %t", snapshot.PreCreationDone))
	if snapshot.BootDecision != "" {
		lines = append(lines, fmt.Sprintf("  boot user: %s", snapshot.BootDecision))
	}

	ids := make([]user.ID, 0, len(snapshot.LockStatus))
	for id := range snapshot.LockStatus {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	lines = append(lines, fmt.Sprintf("  lock status (%d users):", len(ids)))
	for _, id := range ids {
		state := "locked"
		if snapshot.LockStatus[id] {
			state = "unlocked"
		}
		lines = append(lines, fmt.Sprintf("    %s: %s", id, state))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
