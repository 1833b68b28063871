// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"testing"
	"time"
)

// Server is a socket server with a readiness signal, such as
// *carsocket.Server.
type Server interface {
	Serve(ctx context.Context) error
	Ready() <-chan struct{}
}

// Serve runs server until the test ends and returns once it is
// listening. A Serve error fails the test; cleanup waits for Serve to
// return.
func Serve(t *testing.T, server Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		RequireClosed(t, done, 5*time.Second, "server did not stop")
	})
	RequireClosed(t, server.Ready(), 5*time.Second, "server did not become ready")
}
