// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/slatrace/slatrace/internal/controller"
)

const (
	// Default values for CLI flags
	defaultMonitorInterval  = 5 * time.Second
	defaultEventPollTimeout = 500 * time.Millisecond
)

// Help strings for command line arguments
var (
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	syscallsHelp    = "Comma-separated list of system-call symbols to trace. " +
		"Default is the full table for the detected guest OS."
	monitorIntervalHelp  = "Set the interval for logging engine statistics."
	eventPollTimeoutHelp = "Set the timeout for a single hypervisor event wait; " +
		"the loop re-checks for termination in between."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("slatrace", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <guest-name>\n\n", fs.Name())
		fs.PrintDefaults()
	}

	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.StringVar(&args.SyscallFilter, "syscalls", "", syscallsHelp)
	fs.DurationVar(&args.MonitorInterval, "monitor-interval",
		defaultMonitorInterval, monitorIntervalHelp)
	fs.DurationVar(&args.EventPollTimeout, "event-poll-timeout",
		defaultEventPollTimeout, eventPollTimeoutHelp)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SLATRACE"),
	); err != nil {
		return nil, err
	}

	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one guest name, got %d arguments",
			fs.NArg())
	}
	args.GuestName = fs.Arg(0)

	return &args, nil
}
