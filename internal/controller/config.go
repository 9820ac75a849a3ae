// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/slatrace/slatrace/internal/controller"

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/vmi"
)

// Config is the configuration to drive the controller.
type Config struct {
	// GuestName is the hypervisor-level name of the guest to trace.
	GuestName string
	// VerboseMode enables debug logging.
	VerboseMode bool
	// SyscallFilter restricts tracing to a comma-separated subset of
	// the per-OS callback table. Empty traces the full table.
	SyscallFilter string

	MonitorInterval  time.Duration
	EventPollTimeout time.Duration

	// Guest and Control override the platform backends; used by tests.
	Guest   vmi.Guest
	Control domctl.Control
}

// Validate checks the config for obvious mistakes.
func (cfg *Config) Validate() error {
	if cfg.GuestName == "" {
		return errors.New("no guest name provided")
	}
	if cfg.EventPollTimeout <= 0 {
		return errors.New("event poll timeout must be positive")
	}
	if cfg.MonitorInterval <= 0 {
		return errors.New("monitor interval must be positive")
	}
	return nil
}

// Dump visualizes the configuration in the debug log.
func (cfg *Config) Dump() {
	log.Debug("Config dump:")
	log.Debugf("Guest name:         %s", cfg.GuestName)
	log.Debugf("Syscall filter:     %q", cfg.SyscallFilter)
	log.Debugf("Monitor interval:   %v", cfg.MonitorInterval)
	log.Debugf("Event poll timeout: %v", cfg.EventPollTimeout)
}
