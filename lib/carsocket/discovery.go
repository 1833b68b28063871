// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package carsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// fileInstance identifies one incarnation of a socket file. A service
// that restarts binds a new inode at the same path.
type fileInstance struct {
	device uint64
	inode  uint64
}

func statSocket(path string) (fileInstance, bool) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return fileInstance{}, false
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fileInstance{}, false
	}
	return fileInstance{device: uint64(stat.Dev), inode: uint64(stat.Ino)}, true
}

const (
	// defaultListenWait bounds how long a socket that is bound but not
	// yet listening is polled before it is ignored.
	defaultListenWait = 5 * time.Second

	listenPollInterval    = 10 * time.Millisecond
	maxListenPollInterval = 250 * time.Millisecond
)

// accepting reports whether the socket at path accepts connections.
// The connection is closed without sending a frame.
func accepting(path string) error {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Discovery locates the car service socket. Handles are cached per
// socket instance so that probing the same running service twice
// returns the identical Handle.
type Discovery struct {
	path       string
	logger     *slog.Logger
	listenWait time.Duration

	mu     sync.Mutex
	cached *SocketHandle
}

// NewDiscovery returns a Discovery for the socket at path.
func NewDiscovery(path string, logger *slog.Logger) *Discovery {
	return &Discovery{path: path, logger: logger, listenWait: defaultListenWait}
}

// Probe reports the current car service handle, if its socket exists
// and accepts connections. A socket that is bound but not yet
// listening is not a car service.
func (d *Discovery) Probe() (Handle, bool) {
	instance, ok := statSocket(d.path)
	if !ok {
		return nil, false
	}
	if err := accepting(d.path); err != nil {
		d.logger.Debug("car service socket not accepting", "path", d.path, "error", err)
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil || d.cached.instance != instance {
		d.cached = &SocketHandle{path: d.path, instance: instance}
	}
	return d.cached, true
}

// awaitListening polls the socket until it accepts connections. A
// bind is visible before the service calls listen, so a refused
// connection is retried with backoff for up to listenWait. Any other
// dial error, such as the socket vanishing, ends the wait.
func (d *Discovery) awaitListening(ctx context.Context) bool {
	deadline := time.NewTimer(d.listenWait)
	defer deadline.Stop()
	interval := listenPollInterval
	for {
		err := accepting(d.path)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.ECONNREFUSED) {
			d.logger.Debug("car service socket not reachable", "path", d.path, "error", err)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			d.logger.Warn("car service socket never started listening", "path", d.path, "waited", d.listenWait)
			return false
		case <-time.After(interval):
		}
		interval = min(interval*2, maxListenPollInterval)
	}
}

// connectWhenListening calls onConnect once the socket accepts
// connections.
func (d *Discovery) connectWhenListening(ctx context.Context, onConnect func(Handle)) {
	if _, ok := statSocket(d.path); !ok || !d.awaitListening(ctx) {
		return
	}
	if handle, ok := d.Probe(); ok {
		d.logger.Debug("car service socket listening", "path", d.path)
		onConnect(handle)
	}
}

// Watch reports the socket appearing and disappearing until ctx is
// done. If the socket already exists when Watch starts, onConnect is
// called before any event is processed. onConnect runs only once the
// socket accepts connections. Callbacks run on the Watch goroutine.
func (d *Discovery) Watch(ctx context.Context, onConnect func(Handle), onDisconnect func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(d.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	d.connectWhenListening(ctx, onConnect)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.path) {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				d.logger.Debug("car service socket appeared", "path", d.path)
				d.connectWhenListening(ctx, onConnect)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				d.logger.Debug("car service socket removed", "path", d.path)
				onDisconnect()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("socket watcher error", "path", d.path, "error", err)
		}
	}
}
