// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// car-helper-service is the privileged bridge between the host
// platform's user lifecycle and the car service.
//
// It serves two sockets: the callback socket, on which the host
// reports boot phases and user lifecycle events, and the helper
// socket, which the car service calls for privileged operations. The
// car service itself is discovered by watching its socket path.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/carhelper/lib/carhelper"
	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/clock"
	"github.com/bureau-foundation/carhelper/lib/config"
	"github.com/bureau-foundation/carhelper/lib/diagnostics"
	"github.com/bureau-foundation/carhelper/lib/hostapi"
	"github.com/bureau-foundation/carhelper/lib/metrics"
	"github.com/bureau-foundation/carhelper/lib/process"
	"github.com/bureau-foundation/carhelper/lib/suspend"
	"github.com/bureau-foundation/carhelper/lib/version"
	"github.com/bureau-foundation/carhelper/lib/watchdog"
)

// restartMarkerMaxAge bounds how old a restart marker may be and still
// describe this start.
const restartMarkerMaxAge = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("car-helper-service", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level from the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("car-helper-service %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	logger.Info("starting car helper",
		"version", version.Info(),
		"environment", cfg.Environment,
		"peer_socket", cfg.Peer.SocketPath,
	)
	if digest, path, err := version.SelfDigest(); err == nil {
		logger.Debug("running binary", "path", path, "blake3", digest)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridgeMetrics, err := metrics.New()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bridgeMetrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	suspender, err := suspend.New(cfg.Inbound.Suspend, logger.With("component", "suspend"))
	if err != nil {
		return err
	}
	if closer, ok := suspender.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	clk := clock.Real()
	var marker carhelper.RestartMarker
	if cfg.Recovery.MarkerPath != "" {
		reportPreviousCrash(logger, cfg.Recovery.MarkerPath, clk.Now())
		marker = &watchdog.Marker{Path: cfg.Recovery.MarkerPath, Clock: clk}
	}

	dumpWriter := &diagnostics.Writer{
		Directory:   cfg.Diagnostics.Directory,
		Compression: cfg.Diagnostics.Compression,
		Collector: &diagnostics.Collector{
			ServiceIndex:    cfg.Diagnostics.ServiceIndex,
			Interfaces:      cfg.Diagnostics.Interfaces,
			NativeProcesses: cfg.Diagnostics.NativeProcesses,
			Logger:          logger.With("component", "diagnostics"),
		},
		Clock:  clk,
		Logger: logger.With("component", "diagnostics"),
	}

	discovery := carsocket.NewDiscovery(cfg.Peer.SocketPath, logger.With("component", "discovery"))
	host := hostapi.NewClient(cfg.Host.CollaboratorSocket)

	service, err := carhelper.New(carhelper.Options{
		Config:      serviceConfig(cfg),
		Users:       host,
		Activity:    host,
		Helper:      host,
		Policy:      host,
		System:      host,
		Launch:      host,
		Suspender:   suspender,
		Authorizer:  carhelper.UIDAuthorizer{AllowedUIDs: cfg.Inbound.PowerUIDs},
		Diagnostics: dumpWriter,
		Prober:      discovery,
		Marker:      marker,
		Clock:       clk,
		Logger:      logger,
		Metrics:     bridgeMetrics,
	})
	if err != nil {
		return err
	}

	helperServer := carsocket.NewServer(cfg.Inbound.SocketPath, logger.With("component", "helper-socket"))
	service.RegisterInbound(helperServer)

	callbackServer := carsocket.NewServer(cfg.Host.CallbackSocket, logger.With("component", "callback-socket"))
	hostapi.Register(callbackServer, service, bridgeMetrics)

	// The first component to fail takes the others down with it.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var waitGroup sync.WaitGroup
	start := func(name string, serve func(context.Context) error) {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := serve(ctx); err != nil {
				cancel(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	start("helper socket", helperServer.Serve)
	start("callback socket", callbackServer.Serve)

	// Discovery starts after the helper socket listens, since a
	// connecting car service is immediately handed its path.
	select {
	case <-helperServer.Ready():
	case <-ctx.Done():
	}
	start("discovery", func(ctx context.Context) error {
		return discovery.Watch(ctx,
			func(handle carsocket.Handle) { service.Connect(ctx, handle) },
			func() { service.Disconnect(ctx) },
		)
	})

	logger.Info("car helper running",
		"callback_socket", cfg.Host.CallbackSocket,
		"helper_socket", cfg.Inbound.SocketPath,
	)

	<-ctx.Done()
	waitGroup.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	logger.Info("car helper stopped")
	return nil
}

// reportPreviousCrash logs a recent restart marker left by the
// previous instance and removes it.
func reportPreviousCrash(logger *slog.Logger, path string, now time.Time) {
	state, found, err := watchdog.Check(path, restartMarkerMaxAge, now)
	if err != nil {
		logger.Warn("reading restart marker", "path", path, "error", err)
	}
	if found {
		logger.Warn("restarted after car service crash",
			"reason", state.Reason,
			"report", state.Report,
			"previous_pid", state.PID,
			"exit_code", state.ExitCode,
			"at", state.Timestamp,
		)
	}
	if err := watchdog.Clear(path); err != nil {
		logger.Warn("clearing restart marker", "path", path, "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// serviceConfig maps the file configuration onto the bridge's
// process-wide settings.
func serviceConfig(cfg *config.Config) carhelper.Config {
	return carhelper.Config{
		HelperSocket:          cfg.Inbound.SocketPath,
		PreCreatedUsers:       cfg.Users.NumberPreCreatedUsers,
		PreCreatedGuests:      cfg.Users.NumberPreCreatedGuests,
		RestartOnServiceCrash: cfg.Recovery.RestartOnServiceCrash,
		HALEnabled:            cfg.HAL.Enabled,
		HALTimeout:            cfg.HAL.Timeout(),
		DefaultUserName:       cfg.Users.DefaultUserName,
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `car-helper-service: bridge the host user lifecycle to the car service

Usage:
  car-helper-service [flags]

Flags:
%s`, flagSet.FlagUsages())
}
