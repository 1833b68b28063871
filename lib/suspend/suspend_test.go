// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package suspend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeObject struct {
	method      string
	args        []any
	hadDeadline bool
	err         error
}

func (f *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	f.method = method
	f.args = args
	_, f.hadDeadline = ctx.Deadline()
	return &dbus.Call{Err: f.err}
}

func TestLogindForceSuspend(t *testing.T) {
	object := &fakeObject{}
	logind := &Logind{object: object, logger: testLogger()}

	status, err := logind.ForceSuspend(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ForceSuspend: %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %d, want %d", status, StatusOK)
	}
	if object.method != logindSuspend {
		t.Errorf("method = %q, want %q", object.method, logindSuspend)
	}
	if len(object.args) != 1 || object.args[0] != false {
		t.Errorf("args = %v, want [false]", object.args)
	}
	if !object.hadDeadline {
		t.Error("call made without the suspend timeout as deadline")
	}
}

func TestLogindFailure(t *testing.T) {
	object := &fakeObject{err: errors.New("org.freedesktop.login1.OperationInProgress")}
	logind := &Logind{object: object, logger: testLogger()}

	status, err := logind.ForceSuspend(context.Background(), 0)
	if err == nil || status != StatusFailed {
		t.Errorf("ForceSuspend = (%d, %v), want StatusFailed and an error", status, err)
	}
	if object.hadDeadline {
		t.Error("zero timeout produced a deadline")
	}
}

func TestLogindTimeout(t *testing.T) {
	object := &fakeObject{err: context.DeadlineExceeded}
	logind := &Logind{object: object, logger: testLogger()}

	status, err := logind.ForceSuspend(context.Background(), time.Millisecond)
	if err == nil || status != StatusTimedOut {
		t.Errorf("ForceSuspend = (%d, %v), want StatusTimedOut", status, err)
	}
}

func TestSysfsWritesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	sysfs := NewSysfs(testLogger())
	sysfs.StatePath = path

	status, err := sysfs.ForceSuspend(context.Background(), time.Second)
	if err != nil || status != StatusOK {
		t.Fatalf("ForceSuspend = (%d, %v)", status, err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != "mem" {
		t.Errorf("wrote %q, want mem", written)
	}
}

func TestSysfsMissingFile(t *testing.T) {
	sysfs := NewSysfs(testLogger())
	sysfs.StatePath = filepath.Join(t.TempDir(), "missing")

	status, err := sysfs.ForceSuspend(context.Background(), time.Second)
	if err == nil || status != StatusFailed {
		t.Errorf("ForceSuspend = (%d, %v), want StatusFailed", status, err)
	}
}

func TestNewRejectsUnknownMethod(t *testing.T) {
	if _, err := New("acpi", testLogger()); err == nil {
		t.Error("New accepted an unknown method")
	}
	suspender, err := New("sysfs", testLogger())
	if err != nil {
		t.Fatalf("New(sysfs): %v", err)
	}
	if _, ok := suspender.(*Sysfs); !ok {
		t.Errorf("New(sysfs) = %T", suspender)
	}
}
