// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/slatrace/slatrace/internal/controller"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.Dump()
	}

	if err = args.Validate(); err != nil {
		return parseError("%v", err)
	}

	// The terminating signals trigger an orderly quit that removes the
	// guest instrumentation before exit.
	ctx, stop := signal.NotifyContext(context.Background(),
		unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGALRM)
	defer stop()

	if err = controller.New(args).Run(ctx); err != nil {
		log.Errorf("Failed to trace guest %s: %v", args.GuestName, err)
		return exitFailure
	}

	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}
