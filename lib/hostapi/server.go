// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostapi

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bureau-foundation/carhelper/lib/carhelper"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/metrics"
	"github.com/bureau-foundation/carhelper/lib/user"
)

// Callback action names served by the bridge.
const (
	ActionBootPhase     = "boot_phase"
	ActionUserLifecycle = "user_lifecycle"
	ActionDump          = "dump"
)

// BootPhaseRequest names a phase by name or ordinal.
type BootPhaseRequest struct {
	Phase string `cbor:"phase"`
}

// UserLifecycleRequest is one lifecycle callback. Event is the wire
// event type (1..6). From and To use -10000 for "no user".
type UserLifecycleRequest struct {
	Event        int32 `cbor:"event"`
	From         int32 `cbor:"from"`
	To           int32 `cbor:"to"`
	ToPrecreated bool  `cbor:"to_precreated"`
}

// DumpResponse is the reply to dump.
type DumpResponse struct {
	Text     string             `cbor:"text"`
	Snapshot carhelper.Snapshot `cbor:"snapshot"`
	Metrics  []string           `cbor:"metrics,omitempty"`
}

// Register installs the host callback actions on server. m may be nil
// when no metrics are kept.
func Register(server *carsocket.Server, service *carhelper.Service, m *metrics.Metrics) {
	server.Handle(ActionBootPhase, func(ctx context.Context, raw []byte) (any, error) {
		var request BootPhaseRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid boot_phase request: %w", err)
		}
		phase, err := carhelper.ParseBootPhase(request.Phase)
		if err != nil {
			return nil, err
		}
		service.OnBootPhase(ctx, phase)
		return nil, nil
	})

	server.Handle(ActionUserLifecycle, func(ctx context.Context, raw []byte) (any, error) {
		var request UserLifecycleRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid user_lifecycle request: %w", err)
		}
		eventType := user.EventType(request.Event)
		if eventType < user.EventStarting || eventType > user.EventStopped {
			return nil, fmt.Errorf("unknown lifecycle event %d", request.Event)
		}
		service.OnUserLifecycle(ctx, eventType, user.ID(request.From), user.ID(request.To), request.ToPrecreated)
		return nil, nil
	})

	server.Handle(ActionDump, func(ctx context.Context, raw []byte) (any, error) {
		var text bytes.Buffer
		if err := service.Dump(&text); err != nil {
			return nil, err
		}
		response := DumpResponse{Snapshot: service.Snapshot()}
		if m != nil {
			points, err := m.Snapshot(ctx)
			if err != nil {
				return nil, fmt.Errorf("reading metrics: %w", err)
			}
			if len(points) > 0 {
				text.WriteString("Metrics:\n")
			}
			for _, point := range points {
				line := point.String()
				response.Metrics = append(response.Metrics, line)
				fmt.Fprintf(&text, "  %s\n", line)
			}
		}
		response.Text = text.String()
		return response, nil
	})
}
