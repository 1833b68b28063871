// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// car-helper-ctl inspects and drives a running car helper from a
// shell. It talks to the bridge's callback socket, so it needs the
// same permissions as the host platform.
//
//	car-helper-ctl dump
//	car-helper-ctl phase boot_completed
//	car-helper-ctl report /var/lib/carhelper/crash/crash-....cbor.zst
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/carhelper/lib/carsocket"
	"github.com/bureau-foundation/carhelper/lib/config"
	"github.com/bureau-foundation/carhelper/lib/diagnostics"
	"github.com/bureau-foundation/carhelper/lib/hostapi"
	"github.com/bureau-foundation/carhelper/lib/process"
	"github.com/bureau-foundation/carhelper/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		socketPath  string
		timeout     time.Duration
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("car-helper-ctl", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", config.Default().Host.CallbackSocket, "bridge callback socket")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "car-helper-ctl %s\n", version.Info())
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := carsocket.NewClient(socketPath)

	switch command, operands := rest[0], rest[1:]; command {
	case "dump":
		var response hostapi.DumpResponse
		if err := client.Call(ctx, hostapi.ActionDump, nil, &response); err != nil {
			return err
		}
		fmt.Fprint(stdout, response.Text)
		return nil

	case "phase":
		if len(operands) != 1 {
			return errors.New("usage: car-helper-ctl phase <name|ordinal>")
		}
		return client.Call(ctx, hostapi.ActionBootPhase, map[string]any{"phase": operands[0]}, nil)

	case "report":
		if len(operands) != 1 {
			return errors.New("usage: car-helper-ctl report <path>")
		}
		report, err := diagnostics.ReadReport(operands[0])
		if err != nil {
			return err
		}
		printReport(stdout, report)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printReport(w io.Writer, report *diagnostics.Report) {
	fmt.Fprintf(w, "Report:  %s\n", report.ID)
	fmt.Fprintf(w, "Time:    %s\n", time.UnixMilli(report.TimeUnixMs).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Reason:  %s\n", report.Reason)
	fmt.Fprintf(w, "Build:   %s\n", report.Build)
	fmt.Fprintf(w, "Digest:  %s\n", report.Digest)
	fmt.Fprintf(w, "Processes (%d):\n", len(report.Processes))
	for _, status := range report.Processes {
		if status.Error != "" {
			fmt.Fprintf(w, "  %d: %s\n", status.PID, status.Error)
			continue
		}
		name := ""
		for _, line := range strings.Split(status.Status, "\n") {
			if value, ok := strings.CutPrefix(line, "Name:"); ok {
				name = strings.TrimSpace(value)
				break
			}
		}
		fmt.Fprintf(w, "  %d: %s\n", status.PID, name)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `car-helper-ctl: inspect a running car helper

Usage:
  car-helper-ctl [flags] <command> [args]

Commands:
  dump              print the bridge state and metrics
  phase <name>      deliver a boot phase (third_party_apps_can_start, boot_completed)
  report <path>     print a crash report and verify its digest

Flags:
%s`, flagSet.FlagUsages())
}
