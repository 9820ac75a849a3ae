// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package guestos contains the per-OS adapters: discovery of the
// post-dispatch return point inside the system-call entry handler, and
// the default callback tables for the system calls of each supported
// guest kernel.
package guestos // import "github.com/slatrace/slatrace/guestos"

import (
	"fmt"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// CallFunc is invoked when a traced kernel function is entered. The
// returned value is kept with the in-flight call and handed to the
// matching RetFunc.
type CallFunc func(ev *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address, data any) any

// RetFunc is invoked when a traced kernel function returns. state is
// the value the CallFunc returned; RetFunc owns any storage attached
// to it.
type RetFunc func(ev *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address, state any)

// SyscallCallback attaches a callback pair to a named kernel function.
type SyscallCallback struct {
	Name   string
	OnCall CallFunc
	OnRet  RetFunc
	Data   any
}

// Adapter is the per-OS entry point set used by the tracer.
type Adapter interface {
	// FindReturnPointAddr locates the instruction immediately following
	// the dispatch call in the guest's system-call entry handler.
	FindReturnPointAddr(g vmi.Guest) (libpf.Address, error)

	// Callbacks returns the default callback table for this OS.
	Callbacks() []SyscallCallback
}

// ForOSType selects the adapter matching the detected guest OS.
func ForOSType(t vmi.OSType) (Adapter, error) {
	switch t {
	case vmi.OSLinux:
		return NewLinuxAdapter(), nil
	case vmi.OSWindows:
		return NewWindowsAdapter(), nil
	default:
		return nil, fmt.Errorf("no adapter for guest OS %q", t)
	}
}
